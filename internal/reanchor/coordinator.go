package reanchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/aggregate"
	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/gap"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/rolling"
	"github.com/quantpulse/btcstream/internal/snapshot"
)

// State is the coordinator's recovery state.
type State string

const (
	StateSteady      State = "STEADY"
	StateReanchoring State = "REANCHORING"
	StateDegraded    State = "DEGRADED"
)

// Status is the coordinator snapshot exposed on the health surface.
type Status struct {
	State        State     `json:"state"`
	Attempts     int64     `json:"attempts_total"`
	Failures     int64     `json:"failures_total"`
	LastError    string    `json:"last_error,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastRevision uint64    `json:"last_revision"`
}

// Coordinator drives the re-anchor protocol: on a detector trigger it
// acquires the store lease, rebuilds a shadow state from the authoritative
// snapshot source, validates it, substitutes it atomically, and reseeds the
// aggregator. Exhausting the attempt budget enters DEGRADED, where retries
// continue at the maximum backoff until one succeeds.
type Coordinator struct {
	cfg      config.Config
	store    *hotstate.Store
	source   snapshot.Source
	agg      *aggregate.Aggregator
	detector *gap.Detector
	metrics  *metrics.Registry

	mu           sync.Mutex
	state        State
	attempts     int64
	failures     int64
	lastError    string
	lastSuccess  time.Time
	lastRevision uint64

	now func() time.Time
}

// New creates a coordinator. agg and detector may be nil in tests.
func New(cfg config.Config, store *hotstate.Store, source snapshot.Source,
	agg *aggregate.Aggregator, detector *gap.Detector, m *metrics.Registry) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		source:   source,
		agg:      agg,
		detector: detector,
		metrics:  m,
		state:    StateSteady,
		now:      time.Now,
	}
}

// Status returns the current coordinator status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.state,
		Attempts:     c.attempts,
		Failures:     c.failures,
		LastError:    c.lastError,
		LastSuccess:  c.lastSuccess,
		LastRevision: c.lastRevision,
	}
}

// Degraded reports whether the coordinator has exhausted its attempt budget.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDegraded
}

// Run consumes detector triggers until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.detector == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig := <-c.detector.Triggers():
			c.Handle(ctx, trig)
		}
	}
}

// Handle runs the full attempt cycle for one trigger. Exported so the self
// test harness can drive it synchronously.
func (c *Coordinator) Handle(ctx context.Context, trig gap.Trigger) {
	log.Warn().Str("rule", string(trig.Rule)).Str("severity", string(trig.Severity)).
		Str("detail", trig.Detail).Msg("Re-anchor cycle starting")
	c.setState(StateReanchoring)

	backoff := time.Duration(c.cfg.Reanchor.BackoffInitialMS) * time.Millisecond
	maxBackoff := time.Duration(c.cfg.Reanchor.BackoffMaxMS) * time.Millisecond

	for attempt := 1; attempt <= c.cfg.Reanchor.MaxAttempts; attempt++ {
		if err := c.attempt(ctx); err == nil {
			c.setState(StateSteady)
			if c.detector != nil {
				c.detector.OnReanchorComplete(true)
			}
			return
		} else if errors.Is(err, hotstate.ErrBusy) {
			// another cycle holds the lease; this trigger is redundant
			log.Debug().Msg("Re-anchor lease busy, trigger dropped")
			return
		} else if ctx.Err() != nil {
			return
		} else {
			log.Error().Err(err).Int("attempt", attempt).
				Int("max_attempts", c.cfg.Reanchor.MaxAttempts).Msg("Re-anchor attempt failed")
		}

		if attempt < c.cfg.Reanchor.MaxAttempts {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	c.enterDegraded()
	if c.detector != nil {
		c.detector.OnReanchorComplete(false)
	}

	// degraded retry loop: keep trying at the max backoff until one lands
	for {
		if !sleepCtx(ctx, maxBackoff) {
			return
		}
		if err := c.attempt(ctx); err == nil {
			c.exitDegraded()
			if c.detector != nil {
				c.detector.OnReanchorComplete(true)
			}
			return
		} else if errors.Is(err, hotstate.ErrBusy) {
			return
		} else if ctx.Err() != nil {
			return
		} else {
			log.Error().Err(err).Msg("Degraded re-anchor retry failed")
		}
	}
}

// attempt runs one lease-fetch-shadow-validate-substitute-release pass.
func (c *Coordinator) attempt(ctx context.Context) error {
	tok, err := c.store.TryBeginReanchor(c.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	defer c.store.EndReanchor(tok)

	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	deadline := time.Duration(c.cfg.Reanchor.TotalDeadlineMS) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := c.now()
	bundle, seed, err := c.rebuild(attemptCtx)
	if err == nil {
		err = c.validate(bundle)
	}
	if err != nil {
		c.recordFailure(err)
		return err
	}

	revID, err := c.store.Substitute(tok, bundle)
	if err != nil {
		c.recordFailure(err)
		return err
	}

	if c.agg != nil {
		c.agg.Reseed(seed)
	}

	c.mu.Lock()
	c.lastSuccess = c.now()
	c.lastRevision = revID
	c.lastError = ""
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ReanchorAttempts.WithLabelValues("success").Inc()
		c.metrics.Revision.Set(float64(revID))
	}
	log.Info().Uint64("revision", revID).
		Dur("elapsed", c.now().Sub(started)).Msg("Re-anchor substituted")
	return nil
}

// rebuild fetches the authoritative snapshot and recent trades and constructs
// a complete shadow bundle with the same math the steady path uses.
func (c *Coordinator) rebuild(ctx context.Context) (hotstate.Bundle, aggregate.Seed, error) {
	var seed aggregate.Seed

	depth, err := c.source.DepthSnapshot(ctx, c.cfg.Symbol)
	if err != nil {
		return hotstate.Bundle{}, seed, fmt.Errorf("fetch depth: %w", err)
	}

	spans := c.cfg.Features.RollingWindowsMS
	longSpan := time.Duration(spans[len(spans)-1]) * time.Millisecond
	from := c.now().Add(-longSpan).UnixMicro()
	trades, err := c.source.RecentTrades(ctx, c.cfg.Symbol, from)
	if err != nil {
		return hotstate.Bundle{}, seed, fmt.Errorf("fetch trades: %w", err)
	}

	shadow := book.New(c.cfg.Symbol, c.cfg.Book.Levels)
	shadow.LoadSnapshot(depth)

	w1 := rolling.NewWindow(time.Duration(spans[0]) * time.Millisecond)
	w5 := rolling.NewWindow(longSpan)
	nowMicros := depth.ServerTS
	for _, t := range trades {
		rt := rolling.Trade{TSMicros: t.EventTS, Price: t.Price, Size: t.Size, BuyerIsMaker: t.BuyerIsMaker}
		if rt.TSMicros > nowMicros {
			nowMicros = rt.TSMicros
		}
		w1.Add(rt, nowMicros)
		w5.Add(rt, nowMicros)
		shadow.ApplyTrade(t.Price, t.EventTS)
	}
	w1.Advance(nowMicros)
	w5.Advance(nowMicros)

	snap := shadow.Snapshot()
	mid := snap.Mid()
	s1 := w1.Stats(mid, nowMicros)
	s5 := w5.Stats(mid, nowMicros)

	builder := features.NewBuilder()
	builder.Seed(mid, snap.TSMicros)
	vec := builder.Build(snap, s1, s5, c.now())

	bundle := hotstate.Bundle{Book: snap, Stats1s: s1, Stats5s: s5, Vector: vec}
	seed = aggregate.Seed{Book: shadow, Window1: w1, Window5: w5}
	return bundle, seed, nil
}

// validate applies the shadow sanity checks before substitution. The last
// known mid from the live state bounds the rebuilt mid; with no live state
// yet (cold start) only the structural invariants apply.
func (c *Coordinator) validate(bundle hotstate.Bundle) error {
	var refMid float64
	if cur, _, ok := c.store.Revision(); ok {
		refMid = cur.Book.Mid()
	}
	if err := bundle.Book.Validate(refMid, c.cfg.Reanchor.SanityPriceDeviation); err != nil {
		return fmt.Errorf("shadow validation: %w", err)
	}
	return nil
}

// Bootstrap builds and installs the very first bundle at startup, using the
// same shadow path a re-anchor uses.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	tok, err := c.store.TryBeginReanchor(c.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	defer c.store.EndReanchor(tok)

	bundle, seed, err := c.rebuild(ctx)
	if err != nil {
		return err
	}
	if err := c.validate(bundle); err != nil {
		return err
	}
	revID, err := c.store.Substitute(tok, bundle)
	if err != nil {
		return err
	}
	if c.agg != nil {
		c.agg.Reseed(seed)
	}
	c.mu.Lock()
	c.lastSuccess = c.now()
	c.lastRevision = revID
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.Revision.Set(float64(revID))
	}
	log.Info().Uint64("revision", revID).Str("symbol", c.cfg.Symbol).Msg("Initial state anchored")
	return nil
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	c.failures++
	c.lastError = err.Error()
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ReanchorAttempts.WithLabelValues(failureLabel(err)).Inc()
	}
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "failure_" + string(snapshot.Categorize(err))
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) enterDegraded() {
	c.setState(StateDegraded)
	if c.metrics != nil {
		c.metrics.ReanchorDegraded.Set(1)
	}
	log.Error().Int("attempts", c.cfg.Reanchor.MaxAttempts).
		Msg("Re-anchor attempts exhausted, entering degraded state")
}

func (c *Coordinator) exitDegraded() {
	c.setState(StateSteady)
	if c.metrics != nil {
		c.metrics.ReanchorDegraded.Set(0)
	}
	log.Info().Msg("Degraded state cleared, re-anchor succeeded")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
