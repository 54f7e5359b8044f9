package rolling

import (
	"math"
	"time"
)

// Trade is the slice of a market trade the rolling windows retain.
type Trade struct {
	TSMicros     int64
	Price        float64
	Size         float64
	BuyerIsMaker bool
}

// IsBuy reports taker direction: buyer_is_maker=false means the aggressor
// bought.
func (t Trade) IsBuy() bool { return !t.BuyerIsMaker }

// Window maintains rolling trade statistics over a fixed time span. It is
// owned by a single writer goroutine; readers see immutable Stats values
// published through the hot state.
//
// The additive aggregates (count, volumes, notionals) are maintained
// incrementally on append and eviction. The second-moment aggregates (price
// std, intertrade arrival variance) use Welford updates on append and a full
// rebuild on eviction, because exactly backing higher moments out is
// numerically unsafe. Windows are small (1s, 5s) so the rebuild is cheap.
type Window struct {
	span   time.Duration
	trades []Trade // ring buffer, oldest at head
	head   int
	count  int

	volume       float64
	notional     float64
	buyVolume    float64
	sellVolume   float64
	buyNotional  float64
	sellNotional float64

	// Welford state over trade prices
	priceMean float64
	priceM2   float64

	// Welford state over intertrade arrival gaps (milliseconds)
	arrivalMean  float64
	arrivalM2    float64
	arrivalCount int

	lastTS int64 // newest trade timestamp in the window
}

// NewWindow creates a window covering (now − span, now].
func NewWindow(span time.Duration) *Window {
	return &Window{
		span:   span,
		trades: make([]Trade, 64),
	}
}

// Span returns the window length.
func (w *Window) Span() time.Duration { return w.span }

// Add appends a trade and evicts anything older than (nowMicros − span].
// nowMicros is the aggregator clock: max of observed event timestamps.
func (w *Window) Add(t Trade, nowMicros int64) {
	if w.count > 0 {
		prevTS := w.trades[(w.head+w.count-1)%len(w.trades)].TSMicros
		gapMS := float64(t.TSMicros-prevTS) / 1000.0
		if gapMS >= 0 {
			w.arrivalCount++
			delta := gapMS - w.arrivalMean
			w.arrivalMean += delta / float64(w.arrivalCount)
			w.arrivalM2 += delta * (gapMS - w.arrivalMean)
		}
	}

	if w.count == len(w.trades) {
		w.grow()
	}
	w.trades[(w.head+w.count)%len(w.trades)] = t
	w.count++

	w.volume += t.Size
	w.notional += t.Price * t.Size
	if t.IsBuy() {
		w.buyVolume += t.Size
		w.buyNotional += t.Price * t.Size
	} else {
		w.sellVolume += t.Size
		w.sellNotional += t.Price * t.Size
	}

	delta := t.Price - w.priceMean
	w.priceMean += delta / float64(w.count)
	w.priceM2 += delta * (t.Price - w.priceMean)

	if t.TSMicros > w.lastTS {
		w.lastTS = t.TSMicros
	}
	w.Advance(nowMicros)
}

// Advance evicts trades that have fallen out of (nowMicros − span, nowMicros].
// Called on every ingested event so windows drain even without new trades.
func (w *Window) Advance(nowMicros int64) {
	cutoff := nowMicros - w.span.Microseconds()
	evicted := false
	for w.count > 0 {
		oldest := w.trades[w.head]
		if oldest.TSMicros > cutoff {
			break
		}
		w.volume -= oldest.Size
		w.notional -= oldest.Price * oldest.Size
		if oldest.IsBuy() {
			w.buyVolume -= oldest.Size
			w.buyNotional -= oldest.Price * oldest.Size
		} else {
			w.sellVolume -= oldest.Size
			w.sellNotional -= oldest.Price * oldest.Size
		}
		w.head = (w.head + 1) % len(w.trades)
		w.count--
		evicted = true
	}
	if w.count == 0 {
		w.reset()
		return
	}
	if evicted {
		w.rebuildMoments()
	}
}

func (w *Window) reset() {
	w.head, w.count = 0, 0
	w.volume, w.notional = 0, 0
	w.buyVolume, w.sellVolume = 0, 0
	w.buyNotional, w.sellNotional = 0, 0
	w.priceMean, w.priceM2 = 0, 0
	w.arrivalMean, w.arrivalM2, w.arrivalCount = 0, 0, 0
	w.lastTS = 0
}

// rebuildMoments recomputes the Welford state from the retained trades.
func (w *Window) rebuildMoments() {
	w.priceMean, w.priceM2 = 0, 0
	w.arrivalMean, w.arrivalM2, w.arrivalCount = 0, 0, 0

	var prevTS int64
	for i := 0; i < w.count; i++ {
		t := w.trades[(w.head+i)%len(w.trades)]

		delta := t.Price - w.priceMean
		w.priceMean += delta / float64(i+1)
		w.priceM2 += delta * (t.Price - w.priceMean)

		if i > 0 {
			gapMS := float64(t.TSMicros-prevTS) / 1000.0
			w.arrivalCount++
			d := gapMS - w.arrivalMean
			w.arrivalMean += d / float64(w.arrivalCount)
			w.arrivalM2 += d * (gapMS - w.arrivalMean)
		}
		prevTS = t.TSMicros
	}
}

func (w *Window) grow() {
	next := make([]Trade, len(w.trades)*2)
	for i := 0; i < w.count; i++ {
		next[i] = w.trades[(w.head+i)%len(w.trades)]
	}
	w.trades = next
	w.head = 0
}

// Trades returns the retained trades in chronological order.
func (w *Window) Trades() []Trade {
	out := make([]Trade, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.trades[(w.head+i)%len(w.trades)]
	}
	return out
}

// Stats captures the window aggregates as an immutable value. Empty marks a
// window with no trades; VWAP-derived fields are undefined then and must be
// treated as missing downstream, never as NaN.
func (w *Window) Stats(mid float64, nowMicros int64) *Stats {
	s := &Stats{
		SpanMS:      w.span.Milliseconds(),
		WindowEndTS: nowMicros,
		LastTradeTS: w.lastTS,
	}
	if w.count == 0 || w.volume <= 0 {
		s.Empty = true
		return s
	}

	s.Count = w.count
	s.Volume = w.volume
	s.Notional = w.notional
	s.BuyVolume = w.buyVolume
	s.SellVolume = w.sellVolume
	s.BuyNotional = w.buyNotional
	s.SellNotional = w.sellNotional
	s.SignedVolume = w.buyVolume - w.sellVolume
	s.VWAP = w.notional / w.volume
	if mid > 0 {
		s.VWAPMidDev = s.VWAP - mid
	}
	if w.count > 1 {
		s.PriceStd = math.Sqrt(w.priceM2 / float64(w.count))
	}
	if w.arrivalCount > 0 {
		s.ArrivalMeanMS = w.arrivalMean
		if w.arrivalCount > 1 {
			s.ArrivalVarMS = w.arrivalM2 / float64(w.arrivalCount)
		}
	}
	s.Intensity = float64(w.count) / w.span.Seconds()
	s.AvgTradeSize = w.volume / float64(w.count)
	return s
}

// Stats is the rolling trade statistics entity placed in a hot-state bundle.
type Stats struct {
	SpanMS        int64
	Empty         bool
	Count         int
	Volume        float64
	Notional      float64
	BuyVolume     float64
	SellVolume    float64
	BuyNotional   float64
	SellNotional  float64
	SignedVolume  float64
	VWAP          float64
	VWAPMidDev    float64
	PriceStd      float64
	ArrivalMeanMS float64
	ArrivalVarMS  float64
	Intensity     float64
	AvgTradeSize  float64
	WindowEndTS   int64
	LastTradeTS   int64
}
