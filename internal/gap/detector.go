package gap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/models"
)

// Rule identifies which detection rule fired.
type Rule string

const (
	RuleSequenceGap    Rule = "sequence_gap"
	RuleDepthGap       Rule = "depth_gap"
	RuleSilence        Rule = "silence"
	RulePriceJump      Rule = "price_jump"
	RuleConnectionLoss Rule = "connection_loss"
)

// Severity grades a detection.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (r Rule) Severity() Severity {
	switch r {
	case RuleSilence:
		return SeverityMedium
	case RuleConnectionLoss:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// Trigger is a detection that warrants a re-anchor.
type Trigger struct {
	Rule       Rule
	Severity   Severity
	Detail     string
	ObservedAt time.Time
}

// Observation is the per-event hint the aggregator forwards to the detector.
type Observation struct {
	Kind       models.EventKind
	SeqID      int64
	EventTS    int64 // microseconds
	TradePrice float64
	DepthGap   bool
}

// Detector evaluates the event stream for ordering and freshness violations.
// It wakes on every aggregator hint and on a coarse periodic tick for the
// wall-clock rules (silence, connection loss).
type Detector struct {
	cfg     config.GapConfig
	metrics *metrics.Registry

	obs      chan Observation
	status   chan bool // feed connectivity transitions
	triggers chan Trigger

	mu            sync.Mutex
	cooldownUntil time.Time
	suppressed    int64

	lastSeq           int64
	consecGaps        int
	lastTradePx       float64
	lastEventWall     time.Time
	disconnectedSince time.Time

	now func() time.Time
}

// NewDetector creates a detector. Triggers are delivered on Triggers();
// a full trigger channel drops duplicates rather than blocking.
func NewDetector(cfg config.GapConfig, m *metrics.Registry) *Detector {
	return &Detector{
		cfg:      cfg,
		metrics:  m,
		obs:      make(chan Observation, 1024),
		status:   make(chan bool, 8),
		triggers: make(chan Trigger, 1),
		now:      time.Now,
	}
}

// Observe forwards an aggregator hint. Non-blocking: the detector channel is
// deep and a dropped hint only delays the coarse rules by one event.
func (d *Detector) Observe(o Observation) {
	select {
	case d.obs <- o:
	default:
	}
}

// SetConnected reports transport connectivity transitions from the feed.
func (d *Detector) SetConnected(up bool) {
	select {
	case d.status <- up:
	default:
	}
}

// Triggers returns the channel of detections that should start a re-anchor.
func (d *Detector) Triggers() <-chan Trigger { return d.triggers }

// OnReanchorComplete resets the detector after a re-anchor attempt cycle.
// A success starts the recovery cooldown and clears the sequence baseline so
// the next observed seq id is adopted rather than compared.
func (d *Detector) OnReanchorComplete(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if success {
		d.cooldownUntil = d.now().Add(time.Duration(d.cfg.RecoveryCooldownMS) * time.Millisecond)
	}
	d.lastSeq = 0
	d.consecGaps = 0
	d.lastTradePx = 0
}

// SuppressedCount returns how many detections fired during cooldown.
func (d *Detector) SuppressedCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Run evaluates observations until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-d.obs:
			d.evaluate(o)
		case up := <-d.status:
			d.onConnectivity(up)
		case <-ticker.C:
			d.evaluateClock()
		}
	}
}

func (d *Detector) evaluate(o Observation) {
	now := d.now()
	d.mu.Lock()
	d.lastEventWall = now

	// sequence gap: k consecutive skipped ids
	if d.lastSeq > 0 && o.SeqID > d.lastSeq+1 {
		d.consecGaps++
		if d.consecGaps >= d.cfg.SequenceGapK {
			detail := fmt.Sprintf("seq %d follows %d", o.SeqID, d.lastSeq)
			d.mu.Unlock()
			d.fire(RuleSequenceGap, detail, now)
			d.mu.Lock()
			d.consecGaps = 0
		}
	} else if o.SeqID > 0 {
		d.consecGaps = 0
	}
	if o.SeqID > d.lastSeq {
		d.lastSeq = o.SeqID
	}

	// depth gap: forwarded straight from the book
	if o.DepthGap && d.cfg.DepthGapEnabled {
		d.mu.Unlock()
		d.fire(RuleDepthGap, "depth update id range skipped", now)
		d.mu.Lock()
	}

	// price jump between consecutive trades
	if o.Kind == models.KindTrade && o.TradePrice > 0 {
		if d.lastTradePx > 0 {
			change := (o.TradePrice - d.lastTradePx) / d.lastTradePx
			if change < 0 {
				change = -change
			}
			if change > d.cfg.PriceJumpPct {
				detail := fmt.Sprintf("price moved %.4f%% (%.2f -> %.2f)",
					change*100, d.lastTradePx, o.TradePrice)
				d.mu.Unlock()
				d.fire(RulePriceJump, detail, now)
				d.mu.Lock()
			}
		}
		d.lastTradePx = o.TradePrice
	}
	d.mu.Unlock()
}

func (d *Detector) onConnectivity(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if up {
		d.disconnectedSince = time.Time{}
		return
	}
	if d.disconnectedSince.IsZero() {
		d.disconnectedSince = d.now()
	}
}

func (d *Detector) evaluateClock() {
	now := d.now()

	d.mu.Lock()
	silence := !d.lastEventWall.IsZero() &&
		now.Sub(d.lastEventWall) > time.Duration(d.cfg.SilenceTimeoutMS)*time.Millisecond
	connLoss := !d.disconnectedSince.IsZero() &&
		now.Sub(d.disconnectedSince) > time.Duration(d.cfg.ConnectionLossMS)*time.Millisecond
	lastEvent := d.lastEventWall
	d.mu.Unlock()

	if connLoss {
		d.fire(RuleConnectionLoss, "transport closed beyond threshold", now)
		return
	}
	if silence {
		d.fire(RuleSilence, fmt.Sprintf("no events since %s", lastEvent.Format(time.RFC3339)), now)
	}
}

// fire emits a trigger unless the recovery cooldown suppresses it. A full
// trigger channel means an attempt is already pending; the extra detection
// is counted and dropped.
func (d *Detector) fire(rule Rule, detail string, now time.Time) {
	if d.metrics != nil {
		d.metrics.GapDetections.WithLabelValues(string(rule)).Inc()
	}

	d.mu.Lock()
	inCooldown := now.Before(d.cooldownUntil)
	if inCooldown {
		d.suppressed++
	}
	d.mu.Unlock()

	if inCooldown {
		log.Debug().Str("rule", string(rule)).Str("detail", detail).
			Msg("Discontinuity detected during cooldown, suppressed")
		return
	}

	t := Trigger{Rule: rule, Severity: rule.Severity(), Detail: detail, ObservedAt: now}
	select {
	case d.triggers <- t:
		log.Warn().Str("rule", string(rule)).Str("severity", string(t.Severity)).
			Str("detail", detail).Msg("Discontinuity detected, re-anchor requested")
	default:
		log.Debug().Str("rule", string(rule)).Msg("Re-anchor already pending, detection coalesced")
	}
}
