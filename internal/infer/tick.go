package infer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/models"
)

// Publisher delivers a finished prediction. Publishing is best effort; a
// failing publisher never stalls the tick loop.
type Publisher interface {
	Publish(ctx context.Context, p models.Prediction) error
}

// Confidence ladder constants. The base is scaled by completeness and then
// shaded by discrete discounts for aging inputs, turbulent prices, a wide
// spread, and an in-flight re-anchor.
const (
	baseConfidence       = 0.8
	agingDiscountAfterMS = 2000
	agingDiscount        = 0.9
	volatilityDiscount   = 0.85
	spreadDiscount       = 0.9
	reanchorDiscount     = 0.9
)

// Ticker runs the fixed-cadence inference loop. Each tick reads one coherent
// hot-state revision, scores the model, and publishes a prediction with a
// confidence that reflects how trustworthy the inputs were.
type Ticker struct {
	cfg     config.Config
	store   *hotstate.Store
	model   *Model
	pub     Publisher
	metrics *metrics.Registry

	mu            sync.Mutex
	lastPrice     float64
	lastPred      *models.Prediction
	ticksTotal    int64
	ticksDegraded int64
	ticksSkipped  int64

	now func() time.Time
}

// TickStats is the tick loop counter snapshot for the health surface.
type TickStats struct {
	Ticks    int64 `json:"ticks_total"`
	Degraded int64 `json:"ticks_degraded"`
	Skipped  int64 `json:"ticks_skipped"`
}

// NewTicker creates the inference tick loop.
func NewTicker(cfg config.Config, store *hotstate.Store, model *Model,
	pub Publisher, m *metrics.Registry) *Ticker {
	return &Ticker{
		cfg:     cfg,
		store:   store,
		model:   model,
		pub:     pub,
		metrics: m,
		now:     time.Now,
	}
}

// Stats returns the tick counters.
func (t *Ticker) Stats() TickStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TickStats{Ticks: t.ticksTotal, Degraded: t.ticksDegraded, Skipped: t.ticksSkipped}
}

// LastPrediction returns the most recent published prediction, if any.
func (t *Ticker) LastPrediction() (models.Prediction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastPred == nil {
		return models.Prediction{}, false
	}
	return *t.lastPred, true
}

// Run ticks until ctx is done. Scheduling is drift free: each deadline is the
// previous deadline plus the period, and a slow tick skips forward to the
// next future deadline instead of bunching.
func (t *Ticker) Run(ctx context.Context) error {
	period := t.cfg.TickPeriod()
	next := t.now().Truncate(period).Add(period)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	log.Info().Dur("period", period).Str("model", t.model.Version).Msg("Inference tick loop starting")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.Tick(ctx, next)
			next = next.Add(period)
			for !next.After(t.now()) {
				next = next.Add(period)
				t.mu.Lock()
				t.ticksSkipped++
				t.mu.Unlock()
			}
			timer.Reset(time.Until(next))
		}
	}
}

// Tick produces and publishes one prediction for the given tick deadline.
// Exported so tests and the self test drive ticks without the timer.
func (t *Ticker) Tick(ctx context.Context, tickAt time.Time) {
	started := t.now()

	bundle, _, ok := t.store.Revision()
	if !ok {
		t.degradedError(ctx, tickAt, started)
		return
	}

	vec := bundle.Vector
	ageMS := vec.DataAgeMS + tickAt.Sub(time.UnixMicro(vec.TSMicros)).Milliseconds()
	if ageMS < vec.DataAgeMS {
		ageMS = vec.DataAgeMS
	}

	current := bundle.Book.Mid()
	if current <= 0 {
		current = bundle.Book.LastTradePx
	}
	if current <= 0 {
		t.degradedError(ctx, tickAt, started)
		return
	}

	if ageMS > t.cfg.Inference.StaleThresholdMS {
		t.degradedStale(ctx, tickAt, started, current, ageMS)
		return
	}
	if vec.Completeness < t.cfg.Inference.MinCompleteness {
		log.Debug().Float64("completeness", vec.Completeness).
			Msg("Feature vector incomplete, confidence reduced")
	}

	predictedReturn := t.model.PredictReturn(vec)
	predicted := current * (1 + predictedReturn)

	conf := baseConfidence * vec.Completeness
	if ageMS > agingDiscountAfterMS {
		conf *= agingDiscount
	}
	if vol, ok := vec.Get("price_volatility"); ok && vol > 0.01 {
		conf *= volatilityDiscount
	}
	if spread, ok := vec.Get("spread_bp"); ok && spread > 10 {
		conf *= spreadDiscount
	}
	if t.store.ReanchorInProgress() {
		conf *= reanchorDiscount
	}

	t.emit(ctx, models.Prediction{
		ID:             uuid.NewString(),
		Symbol:         t.cfg.Symbol,
		TickTS:         tickAt.UnixMilli(),
		CurrentPrice:   current,
		PredictedPrice: predicted,
		TargetOffsetMS: t.cfg.Inference.TargetOffsetMS,
		Confidence:     clampConfidence(conf),
		ModelVersion:   t.model.Version,
		FeatureAgeMS:   ageMS,
		Source:         models.SourceNormal,
	}, started)
}

// degradedStale continues the prior prediction's drift linearly instead of
// trusting a stale model input. The prior drift spans one target offset from
// the prior tick; the continuation stretches it across the time elapsed since
// plus the new horizon, since the stale current price is frozen near the
// prior tick. With no prior prediction the forecast is flat.
func (t *Ticker) degradedStale(ctx context.Context, tickAt, started time.Time,
	current float64, ageMS int64) {
	t.mu.Lock()
	prev := t.lastPred
	t.ticksDegraded++
	t.mu.Unlock()

	predicted := current
	if prev != nil && t.cfg.Inference.TargetOffsetMS > 0 {
		elapsedMS := tickAt.UnixMilli() - prev.TickTS
		if elapsedMS < 0 {
			elapsedMS = 0
		}
		drift := prev.PredictedPrice - prev.CurrentPrice
		scale := float64(elapsedMS+t.cfg.Inference.TargetOffsetMS) /
			float64(t.cfg.Inference.TargetOffsetMS)
		predicted = current + drift*scale
	}

	t.emit(ctx, models.Prediction{
		ID:             uuid.NewString(),
		Symbol:         t.cfg.Symbol,
		TickTS:         tickAt.UnixMilli(),
		CurrentPrice:   current,
		PredictedPrice: predicted,
		TargetOffsetMS: t.cfg.Inference.TargetOffsetMS,
		Confidence:     0.3,
		ModelVersion:   t.model.Version,
		FeatureAgeMS:   ageMS,
		Source:         models.SourceDegradedStale,
	}, started)
}

// degradedError publishes a flat prediction at the last known price when no
// usable state exists. With no price history at all the tick is skipped.
func (t *Ticker) degradedError(ctx context.Context, tickAt, started time.Time) {
	t.mu.Lock()
	last := t.lastPrice
	t.ticksDegraded++
	t.mu.Unlock()

	if last <= 0 {
		t.mu.Lock()
		t.ticksDegraded--
		t.ticksSkipped++
		t.mu.Unlock()
		log.Debug().Msg("Tick skipped, no state and no price history")
		return
	}

	t.emit(ctx, models.Prediction{
		ID:             uuid.NewString(),
		Symbol:         t.cfg.Symbol,
		TickTS:         tickAt.UnixMilli(),
		CurrentPrice:   last,
		PredictedPrice: last,
		TargetOffsetMS: t.cfg.Inference.TargetOffsetMS,
		Confidence:     0.1,
		ModelVersion:   t.model.Version,
		Source:         models.SourceDegradedError,
	}, started)
}

func (t *Ticker) emit(ctx context.Context, p models.Prediction, started time.Time) {
	p.InferenceLatency = t.now().Sub(started).Seconds() * 1000

	t.mu.Lock()
	t.lastPrice = p.CurrentPrice
	cp := p
	t.lastPred = &cp
	t.ticksTotal++
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.Predictions.WithLabelValues(p.Source).Inc()
		t.metrics.TickLatency.Observe(t.now().Sub(started).Seconds())
	}

	if t.pub != nil {
		if err := t.pub.Publish(ctx, p); err != nil {
			if t.metrics != nil {
				t.metrics.SinkErrors.Inc()
			}
			log.Warn().Err(err).Msg("Prediction publish failed")
		}
	}

	log.Debug().Str("source", p.Source).
		Float64("current", p.CurrentPrice).Float64("predicted", p.PredictedPrice).
		Float64("confidence", p.Confidence).Msg("Prediction published")
}

func clampConfidence(c float64) float64 {
	if c < 0.1 {
		return 0.1
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}
