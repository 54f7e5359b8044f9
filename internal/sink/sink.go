package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/models"
)

// LogSink writes predictions to the structured log. It is the default sink
// and never fails.
type LogSink struct{}

// Publish implements infer.Publisher.
func (LogSink) Publish(_ context.Context, p models.Prediction) error {
	log.Info().
		Str("id", p.ID).
		Str("symbol", p.Symbol).
		Int64("tick_ts", p.TickTS).
		Float64("current_price", p.CurrentPrice).
		Float64("predicted_price", p.PredictedPrice).
		Int64("target_offset_ms", p.TargetOffsetMS).
		Float64("confidence", p.Confidence).
		Str("model_version", p.ModelVersion).
		Str("source", string(p.Source)).
		Msg("Prediction")
	return nil
}

// RedisSink publishes predictions on a pub/sub channel and keeps the latest
// one under a key for late-joining consumers. Failures are reported, never
// retried; the next tick supersedes a lost prediction anyway.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink wraps an existing Redis client.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// latestKey is where the most recent prediction is stored per symbol.
func latestKey(symbol string) string {
	return fmt.Sprintf("prediction:%s:latest", symbol)
}

// Publish implements infer.Publisher.
func (s *RedisSink) Publish(ctx context.Context, p models.Prediction) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	if err := s.client.Set(ctx, latestKey(p.Symbol), payload, 5*time.Minute).Err(); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

// Tee fans a prediction out to several sinks, reporting the first error
// after every sink has been tried.
type Tee []interface {
	Publish(ctx context.Context, p models.Prediction) error
}

// Publish implements infer.Publisher.
func (t Tee) Publish(ctx context.Context, p models.Prediction) error {
	var first error
	for _, s := range t {
		if err := s.Publish(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
