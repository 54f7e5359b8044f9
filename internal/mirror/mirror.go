package mirror

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/hotstate"
)

// Mirror periodically copies the latest hot-state feature vector into a Redis
// hash so offline consumers (model training, dashboards) can sample it
// without touching the hot path. Strictly best effort: a Redis outage is
// logged and retried next interval, never surfaced upstream.
type Mirror struct {
	client   redisv8.UniversalClient
	store    *hotstate.Store
	symbol   string
	interval time.Duration

	lastVec *features.Vector
}

// New creates a mirror sampling the store every interval.
func New(client redisv8.UniversalClient, store *hotstate.Store, symbol string, interval time.Duration) *Mirror {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Mirror{client: client, store: store, symbol: symbol, interval: interval}
}

// Key returns the hash key the mirror writes for a symbol.
func Key(symbol string) string {
	return fmt.Sprintf("features:%s:latest", symbol)
}

// Run samples until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sample(ctx); err != nil {
				log.Warn().Err(err).Msg("Feature mirror write failed")
			}
		}
	}
}

// Sample writes the current feature vector if it changed since the last
// write. Steady-state recomputes replace the vector without bumping the
// revision, so the dedup key is the vector itself, not the revision id.
// One sample per call; exported for tests.
func (m *Mirror) Sample(ctx context.Context) error {
	bundle, rev, ok := m.store.Revision()
	if !ok || bundle.Vector == m.lastVec {
		return nil
	}

	fields := Fields(bundle.Vector, rev)
	if err := m.client.HSet(ctx, Key(m.symbol), fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", Key(m.symbol), err)
	}
	if err := m.client.Expire(ctx, Key(m.symbol), 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", Key(m.symbol), err)
	}
	m.lastVec = bundle.Vector
	return nil
}

// Fields flattens a feature vector into a Redis hash payload. Missing
// features are written as the literal "null" so consumers can distinguish
// absent from zero.
func Fields(vec *features.Vector, rev uint64) map[string]interface{} {
	fields := make(map[string]interface{}, features.NumFeatures+3)
	for i, name := range features.Names {
		if vec.Missing[i] {
			fields[name] = "null"
			continue
		}
		fields[name] = strconv.FormatFloat(vec.Values[i], 'g', -1, 64)
	}
	fields["revision"] = strconv.FormatUint(rev, 10)
	fields["completeness"] = strconv.FormatFloat(vec.Completeness, 'g', -1, 64)
	fields["ts_micros"] = strconv.FormatInt(vec.TSMicros, 10)
	return fields
}
