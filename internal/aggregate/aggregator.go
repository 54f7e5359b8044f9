package aggregate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/gap"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/metrics"
	"github.com/quantpulse/btcstream/internal/models"
	"github.com/quantpulse/btcstream/internal/rolling"
)

// Seed carries the rebuilt state a re-anchor hands to the aggregator. The
// aggregator adopts these structures before processing its next event so
// subsequent deltas continue from the installed snapshot.
type Seed struct {
	Book    *book.Book
	Window1 *rolling.Window
	Window5 *rolling.Window
}

// Stats is the aggregator's counter snapshot for the health surface.
type Stats struct {
	EventsProcessed int64     `json:"events_processed"`
	Malformed       int64     `json:"events_malformed"`
	DepthReplays    int64     `json:"depth_replays_ignored"`
	FeatureBuilds   int64     `json:"feature_builds"`
	LastEventWall   time.Time `json:"last_event_time"`
}

// Aggregator is the single-writer consumer of the ordered event stream and
// the sole steady-state mutator of the hot state.
type Aggregator struct {
	cfg      config.Config
	store    *hotstate.Store
	detector *gap.Detector
	metrics  *metrics.Registry

	book    *book.Book
	w1      *rolling.Window
	w5      *rolling.Window
	builder *features.Builder

	nowMicros       int64 // max observed event timestamp
	lastFeatureWall time.Time
	lastQuoteBid    float64
	lastQuoteAsk    float64

	events <-chan models.Event
	reseed chan Seed

	eventsProcessed atomic.Int64
	malformed       atomic.Int64
	depthReplays    atomic.Int64
	featureBuilds   atomic.Int64
	lastEventWallNS atomic.Int64

	now func() time.Time
}

// New creates an aggregator reading from events.
func New(cfg config.Config, store *hotstate.Store, detector *gap.Detector,
	m *metrics.Registry, events <-chan models.Event) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		store:    store,
		detector: detector,
		metrics:  m,
		book:     book.New(cfg.Symbol, cfg.Book.Levels),
		w1:       rolling.NewWindow(time.Duration(cfg.Features.RollingWindowsMS[0]) * time.Millisecond),
		w5:       rolling.NewWindow(time.Duration(cfg.Features.RollingWindowsMS[len(cfg.Features.RollingWindowsMS)-1]) * time.Millisecond),
		builder:  features.NewBuilder(),
		events:   events,
		reseed:   make(chan Seed, 1),
		now:      time.Now,
	}
}

// Reseed queues rebuilt state for adoption before the next event. Called by
// the re-anchor coordinator after a successful substitute.
func (a *Aggregator) Reseed(s Seed) {
	// capacity 1; a second reseed before adoption simply replaces the first
	select {
	case <-a.reseed:
	default:
	}
	a.reseed <- s
}

// Stats returns the aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		EventsProcessed: a.eventsProcessed.Load(),
		Malformed:       a.malformed.Load(),
		DepthReplays:    a.depthReplays.Load(),
		FeatureBuilds:   a.featureBuilds.Load(),
		LastEventWall:   time.Unix(0, a.lastEventWallNS.Load()),
	}
}

// Run consumes events until ctx is done or the event channel closes. The
// channel closing signals end-of-input; the aggregator finishes its current
// event and returns nil.
func (a *Aggregator) Run(ctx context.Context) error {
	log.Info().Str("symbol", a.cfg.Symbol).Msg("Aggregator starting")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seed := <-a.reseed:
			a.adopt(seed)
		case ev, ok := <-a.events:
			if !ok {
				log.Info().Str("symbol", a.cfg.Symbol).
					Int64("events", a.eventsProcessed.Load()).Msg("Event input drained, aggregator stopping")
				return nil
			}
			// adopt a pending reseed before the next event so deltas apply
			// on top of the substituted snapshot
			select {
			case seed := <-a.reseed:
				a.adopt(seed)
			default:
			}
			a.process(ev)
		}
	}
}

func (a *Aggregator) adopt(s Seed) {
	a.book = s.Book
	a.w1 = s.Window1
	a.w5 = s.Window5
	snap := a.book.Snapshot()
	a.builder.Seed(snap.Mid(), snap.TSMicros)
	a.lastQuoteBid, a.lastQuoteAsk = snap.BestBidPx, snap.BestAskPx
	if snap.TSMicros > a.nowMicros {
		a.nowMicros = snap.TSMicros
	}
	// re-anchor completion forces a feature recompute
	a.recomputeFeatures(a.now())
	log.Info().Str("symbol", a.cfg.Symbol).
		Int64("update_id", a.book.LastUpdateID()).Msg("Aggregator adopted re-anchored state")
}

func (a *Aggregator) process(ev models.Event) {
	if err := ev.Validate(); err != nil {
		a.malformed.Add(1)
		if a.metrics != nil {
			a.metrics.MalformedEvents.Inc()
		}
		log.Debug().Err(err).Msg("Dropped malformed event")
		return
	}

	wall := a.now()
	a.lastEventWallNS.Store(wall.UnixNano())
	if ts := ev.EventTimeMicros(); ts > a.nowMicros {
		a.nowMicros = ts
	}

	obs := gap.Observation{Kind: ev.Kind(), SeqID: ev.Seq(), EventTS: ev.EventTimeMicros()}

	switch e := ev.(type) {
	case models.TradeEvent:
		t := rolling.Trade{TSMicros: e.EventTS, Price: e.Price, Size: e.Size, BuyerIsMaker: e.BuyerIsMaker}
		a.w1.Add(t, a.nowMicros)
		a.w5.Add(t, a.nowMicros)
		a.book.ApplyTrade(e.Price, e.EventTS)
		obs.TradePrice = e.Price

	case models.BookTickerEvent:
		a.book.ApplyBookTicker(e)
		a.builder.Observe((e.BidPx+e.AskPx)/2, e.EventTS)
		a.w1.Advance(a.nowMicros)
		a.w5.Advance(a.nowMicros)

	case models.DepthDiffEvent:
		res := a.book.ApplyDepthDiff(e)
		if !res.Applied {
			a.depthReplays.Add(1)
			if a.metrics != nil {
				a.metrics.DepthReplays.Inc()
			}
		}
		obs.DepthGap = res.Gap
		a.w1.Advance(a.nowMicros)
		a.w5.Advance(a.nowMicros)
	}

	a.eventsProcessed.Add(1)
	if a.metrics != nil {
		a.metrics.EventsProcessed.WithLabelValues(string(ev.Kind())).Inc()
	}

	a.publishEntities()

	if a.detector != nil {
		a.detector.Observe(obs)
	}

	// trades always refresh the vector; quote and depth churn is cheaper to
	// batch behind the interval and quote-move thresholds
	if ev.Kind() == models.KindTrade || a.shouldRecomputeFeatures(wall) {
		a.recomputeFeatures(wall)
	}
}

// publishEntities writes the refreshed entity snapshots into the hot state.
// Field-granular: each entity is self-consistent after its own write; cross
// entity atomicity is reserved for re-anchor substitution.
func (a *Aggregator) publishEntities() {
	snap := a.book.Snapshot()
	mid := snap.Mid()
	s1 := a.w1.Stats(mid, a.nowMicros)
	s5 := a.w5.Stats(mid, a.nowMicros)
	a.store.Apply(func(b *hotstate.Bundle) {
		b.Book = snap
		b.Stats1s = s1
		b.Stats5s = s5
	})
}

// shouldRecomputeFeatures applies the recompute policy: the feature interval
// elapsed, or the quote moved beyond the configured threshold.
func (a *Aggregator) shouldRecomputeFeatures(wall time.Time) bool {
	if a.lastFeatureWall.IsZero() ||
		wall.Sub(a.lastFeatureWall) >= time.Duration(a.cfg.Features.FeatureIntervalMS)*time.Millisecond {
		return true
	}
	snap := a.book.Snapshot()
	if a.lastQuoteBid > 0 && snap.BestBidPx > 0 {
		moveBps := absF(snap.BestBidPx-a.lastQuoteBid) / a.lastQuoteBid * 10000
		if moveBps > a.cfg.Features.QuoteMoveBps {
			return true
		}
	}
	if a.lastQuoteAsk > 0 && snap.BestAskPx > 0 {
		moveBps := absF(snap.BestAskPx-a.lastQuoteAsk) / a.lastQuoteAsk * 10000
		if moveBps > a.cfg.Features.QuoteMoveBps {
			return true
		}
	}
	return false
}

func (a *Aggregator) recomputeFeatures(wall time.Time) {
	snap := a.book.Snapshot()
	mid := snap.Mid()
	if mid <= 0 && snap.LastTradePx <= 0 {
		// nothing ingested yet; a vector of all-missing fields helps no one
		return
	}
	s1 := a.w1.Stats(mid, a.nowMicros)
	s5 := a.w5.Stats(mid, a.nowMicros)
	vec := a.builder.Build(snap, s1, s5, wall)

	a.store.Apply(func(b *hotstate.Bundle) {
		b.Book = snap
		b.Stats1s = s1
		b.Stats5s = s5
		b.Vector = vec
	})

	a.lastFeatureWall = wall
	a.lastQuoteBid, a.lastQuoteAsk = snap.BestBidPx, snap.BestAskPx
	a.featureBuilds.Add(1)
	if a.metrics != nil {
		a.metrics.FeatureCompleteness.Set(vec.Completeness)
		a.metrics.FeatureAgeMS.Set(float64(vec.DataAgeMS))
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
