package book

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantpulse/btcstream/internal/models"
)

// Book maintains the top-N order book for one symbol. It is owned by a single
// writer goroutine; other goroutines read through immutable Snapshot values.
type Book struct {
	symbol string
	levels int

	bids []models.PriceLevel // sorted descending by price
	asks []models.PriceLevel // sorted ascending by price

	bestBidPx, bestBidSz float64
	bestAskPx, bestAskSz float64

	lastTradePx  float64
	tsMicros     int64
	lastUpdateID int64

	bidValueSum float64
	askValueSum float64
}

// DiffResult reports the outcome of a depth-diff application.
type DiffResult struct {
	Applied bool // false when the diff was a replay and was ignored
	Gap     bool // first_update_id skipped past last_update_id+1
}

// New creates an empty book retaining the top `levels` levels per side.
func New(symbol string, levels int) *Book {
	return &Book{symbol: symbol, levels: levels}
}

// ApplyBookTicker updates the best bid/ask quote.
func (b *Book) ApplyBookTicker(ev models.BookTickerEvent) {
	b.bestBidPx, b.bestBidSz = ev.BidPx, ev.BidSz
	b.bestAskPx, b.bestAskSz = ev.AskPx, ev.AskSz
	if ev.EventTS > b.tsMicros {
		b.tsMicros = ev.EventTS
	}
}

// ApplyTrade records the last trade price.
func (b *Book) ApplyTrade(price float64, tsMicros int64) {
	b.lastTradePx = price
	if tsMicros > b.tsMicros {
		b.tsMicros = tsMicros
	}
}

// ApplyDepthDiff applies incremental level deltas. A diff whose range is
// entirely at or before last_update_id is a replay and is ignored; a diff
// that skips ids is applied but flagged so the gap detector can act.
func (b *Book) ApplyDepthDiff(ev models.DepthDiffEvent) DiffResult {
	if b.lastUpdateID > 0 && ev.FirstUpdateID <= b.lastUpdateID {
		return DiffResult{}
	}
	res := DiffResult{Applied: true}
	if b.lastUpdateID > 0 && ev.FirstUpdateID > b.lastUpdateID+1 {
		res.Gap = true
	}

	for _, lv := range ev.Bids {
		b.bids = applyLevel(b.bids, lv, func(a, bb float64) bool { return a > bb })
	}
	for _, lv := range ev.Asks {
		b.asks = applyLevel(b.asks, lv, func(a, bb float64) bool { return a < bb })
	}
	if len(b.bids) > b.levels {
		b.bids = b.bids[:b.levels]
	}
	if len(b.asks) > b.levels {
		b.asks = b.asks[:b.levels]
	}

	if len(b.bids) > 0 {
		b.bestBidPx, b.bestBidSz = b.bids[0].Price, b.bids[0].Size
	}
	if len(b.asks) > 0 {
		b.bestAskPx, b.bestAskSz = b.asks[0].Price, b.asks[0].Size
	}

	b.lastUpdateID = ev.FinalUpdateID
	if ev.EventTS > b.tsMicros {
		b.tsMicros = ev.EventTS
	}
	b.recomputeAggregates()
	return res
}

// applyLevel sets, inserts, or removes one level, keeping the side sorted by
// the `before` ordering.
func applyLevel(side []models.PriceLevel, lv models.PriceLevel, before func(a, b float64) bool) []models.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		return !before(side[i].Price, lv.Price)
	})
	found := idx < len(side) && side[idx].Price == lv.Price

	switch {
	case lv.Size == 0 && found:
		return append(side[:idx], side[idx+1:]...)
	case lv.Size == 0:
		return side
	case found:
		side[idx].Size = lv.Size
		return side
	default:
		side = append(side, models.PriceLevel{})
		copy(side[idx+1:], side[idx:])
		side[idx] = lv
		return side
	}
}

// LoadSnapshot replaces the book content from an authoritative depth
// snapshot. Used by the re-anchor shadow build.
func (b *Book) LoadSnapshot(snap models.DepthSnapshot) {
	b.bids = truncateSorted(snap.Bids, b.levels, func(a, bb float64) bool { return a > bb })
	b.asks = truncateSorted(snap.Asks, b.levels, func(a, bb float64) bool { return a < bb })
	if len(b.bids) > 0 {
		b.bestBidPx, b.bestBidSz = b.bids[0].Price, b.bids[0].Size
	}
	if len(b.asks) > 0 {
		b.bestAskPx, b.bestAskSz = b.asks[0].Price, b.asks[0].Size
	}
	b.lastUpdateID = snap.UpdateID
	if snap.ServerTS > b.tsMicros {
		b.tsMicros = snap.ServerTS
	}
	b.recomputeAggregates()
}

func truncateSorted(levels []models.PriceLevel, n int, before func(a, b float64) bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, lv := range levels {
		if lv.Size > 0 {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].Price, out[j].Price) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (b *Book) recomputeAggregates() {
	b.bidValueSum, b.askValueSum = 0, 0
	for _, lv := range b.bids {
		b.bidValueSum += lv.Price * lv.Size
	}
	for _, lv := range b.asks {
		b.askValueSum += lv.Price * lv.Size
	}
}

// LastUpdateID returns the id of the last applied depth update.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Snapshot captures the book as an immutable value.
func (b *Book) Snapshot() *Snapshot {
	snap := &Snapshot{
		Symbol:       b.symbol,
		BestBidPx:    b.bestBidPx,
		BestBidSz:    b.bestBidSz,
		BestAskPx:    b.bestAskPx,
		BestAskSz:    b.bestAskSz,
		Bids:         append([]models.PriceLevel(nil), b.bids...),
		Asks:         append([]models.PriceLevel(nil), b.asks...),
		BidValueSum:  b.bidValueSum,
		AskValueSum:  b.askValueSum,
		LastTradePx:  b.lastTradePx,
		TSMicros:     b.tsMicros,
		LastUpdateID: b.lastUpdateID,
	}
	if total := snap.BidValueSum + snap.AskValueSum; total > 0 {
		snap.Imbalance = (snap.BidValueSum - snap.AskValueSum) / total
	}
	snap.WeightedMid = weightedMid(b.bestBidPx, b.bestBidSz, b.bestAskPx, b.bestAskSz)
	return snap
}

// weightedMid is the size-weighted midpoint; it degrades to the plain mid
// when either size is zero.
func weightedMid(bidPx, bidSz, askPx, askSz float64) float64 {
	if bidPx <= 0 || askPx <= 0 {
		return 0
	}
	if bidSz+askSz <= 0 {
		return (bidPx + askPx) / 2
	}
	return (bidPx*askSz + askPx*bidSz) / (bidSz + askSz)
}

// Snapshot is the order book entity placed in a hot-state bundle.
type Snapshot struct {
	Symbol       string
	BestBidPx    float64
	BestBidSz    float64
	BestAskPx    float64
	BestAskSz    float64
	Bids         []models.PriceLevel
	Asks         []models.PriceLevel
	BidValueSum  float64
	AskValueSum  float64
	Imbalance    float64
	WeightedMid  float64
	LastTradePx  float64
	TSMicros     int64
	LastUpdateID int64
}

// Mid returns the quote midpoint, or 0 when the quote is not yet complete.
func (s *Snapshot) Mid() float64 {
	if s.BestBidPx <= 0 || s.BestAskPx <= 0 {
		return 0
	}
	return (s.BestBidPx + s.BestAskPx) / 2
}

// SpreadBps returns the spread in basis points relative to the best bid.
func (s *Snapshot) SpreadBps() float64 {
	if s.BestBidPx <= 0 || s.BestAskPx <= s.BestBidPx {
		return 0
	}
	return (s.BestAskPx - s.BestBidPx) / s.BestBidPx * 10000
}

// Validate checks the book invariants plus sanity bounds against a reference
// mid price. refMid <= 0 skips the deviation check.
func (s *Snapshot) Validate(refMid, maxDeviation float64) error {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return fmt.Errorf("book %s: empty side (%d bids, %d asks)", s.Symbol, len(s.Bids), len(s.Asks))
	}
	if s.BestAskPx <= s.BestBidPx {
		return fmt.Errorf("book %s: crossed quote bid=%.8f ask=%.8f", s.Symbol, s.BestBidPx, s.BestAskPx)
	}
	for i := 1; i < len(s.Bids); i++ {
		if s.Bids[i].Price >= s.Bids[i-1].Price {
			return fmt.Errorf("book %s: bids not strictly descending at level %d", s.Symbol, i)
		}
	}
	for i := 1; i < len(s.Asks); i++ {
		if s.Asks[i].Price <= s.Asks[i-1].Price {
			return fmt.Errorf("book %s: asks not strictly ascending at level %d", s.Symbol, i)
		}
	}
	for _, lv := range append(append([]models.PriceLevel(nil), s.Bids...), s.Asks...) {
		if lv.Size < 0 || math.IsNaN(lv.Size) || math.IsInf(lv.Price, 0) || math.IsNaN(lv.Price) {
			return fmt.Errorf("book %s: non-finite or negative level %+v", s.Symbol, lv)
		}
	}
	for _, v := range []float64{s.BidValueSum, s.AskValueSum, s.Imbalance, s.WeightedMid} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("book %s: non-finite derived aggregate", s.Symbol)
		}
	}
	if refMid > 0 && maxDeviation > 0 {
		mid := s.Mid()
		if dev := math.Abs(mid-refMid) / refMid; dev > maxDeviation {
			return fmt.Errorf("book %s: mid %.8f deviates %.2f%% from reference %.8f",
				s.Symbol, mid, dev*100, refMid)
		}
	}
	return nil
}
