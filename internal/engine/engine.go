package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/aggregate"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/gap"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/httpapi"
	"github.com/quantpulse/btcstream/internal/infer"
	"github.com/quantpulse/btcstream/internal/ingest"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/mirror"
	"github.com/quantpulse/btcstream/internal/reanchor"
	"github.com/quantpulse/btcstream/internal/sink"
	"github.com/quantpulse/btcstream/internal/snapshot"
)

// Engine assembles and runs the full pipeline for one symbol: feed,
// aggregator, gap detector, re-anchor coordinator, inference tick, sinks,
// mirror, and the HTTP surface.
type Engine struct {
	cfg     config.Config
	metrics *metrics.Registry
	store   *hotstate.Store

	feed     ingest.Feed
	detector *gap.Detector
	agg      *aggregate.Aggregator
	coord    *reanchor.Coordinator
	ticker   *infer.Ticker
	server   *httpapi.Server
	mirror   *mirror.Mirror
}

// New builds an engine from configuration. The model artifact must load; a
// pipeline without a model has nothing to publish.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model, err := infer.LoadModel(cfg.Inference.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	m := metrics.NewRegistry()
	store := hotstate.New()

	detector := gap.NewDetector(cfg.Gap, m)
	feed := ingest.NewBinanceWS(cfg.Ingest.WSEndpoint, cfg.Symbol, detector.SetConnected)
	agg := aggregate.New(cfg, store, detector, m, feed.Events())

	source := snapshot.NewBinanceREST(cfg.Ingest.RESTEndpoint, cfg.Ingest.SnapshotQPS)
	coord := reanchor.New(cfg, store, source, agg, detector, m)

	pub := buildPublisher(cfg)
	ticker := infer.NewTicker(cfg, store, model, pub, m)

	e := &Engine{
		cfg:      cfg,
		metrics:  m,
		store:    store,
		feed:     feed,
		detector: detector,
		agg:      agg,
		coord:    coord,
		ticker:   ticker,
	}
	e.server = httpapi.New(cfg.Server.ListenAddr, cfg.Symbol, store, agg, coord, ticker, m)

	if cfg.Redis.MirrorEnabled {
		client := redisv8.NewClient(&redisv8.Options{Addr: cfg.Redis.Addr})
		e.mirror = mirror.New(client, store, cfg.Symbol,
			time.Duration(cfg.Features.FeatureIntervalMS)*time.Millisecond)
	}
	return e, nil
}

func buildPublisher(cfg config.Config) infer.Publisher {
	sinks := sink.Tee{sink.LogSink{}}
	if cfg.Redis.Addr != "" {
		client := redisv9.NewClient(&redisv9.Options{Addr: cfg.Redis.Addr})
		sinks = append(sinks, sink.NewRedisSink(client, cfg.Redis.PredictChannel))
		log.Info().Str("addr", cfg.Redis.Addr).
			Str("channel", cfg.Redis.PredictChannel).Msg("Redis prediction sink enabled")
	}
	return sinks
}

// Run bootstraps the initial state and runs every task until ctx is done or
// a task fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("symbol", e.cfg.Symbol).Msg("Pipeline starting")

	bootCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Reanchor.TotalDeadlineMS)*time.Millisecond)
	err := e.coord.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		// a failed bootstrap is not fatal; the detector will trigger a
		// re-anchor as soon as the stream shows a discontinuity, and the
		// tick loop publishes degraded predictions meanwhile
		log.Warn().Err(err).Msg("Initial anchor failed, starting without state")
	}

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("task", name).Msg("Task stopped with error")
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				cancelAll()
			}
		}()
	}

	run("feed", e.feed.Run)
	run("aggregator", e.agg.Run)
	run("gap-detector", e.detector.Run)
	run("reanchor", e.coord.Run)
	run("inference", e.ticker.Run)
	run("http", e.server.Run)
	if e.mirror != nil {
		run("mirror", e.mirror.Run)
	}

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
