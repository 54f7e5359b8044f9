package features

import (
	"math"
	"time"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/rolling"
)

// midObservation is one point of the mid-price history used for returns.
type midObservation struct {
	tsMicros int64
	mid      float64
}

// maxReturnLookback bounds the retained mid history; the longest return
// horizon is 10s.
const maxReturnLookback = 12 * time.Second

// Builder derives feature vectors from the order book and rolling windows.
// It is owned by the same single writer as its inputs. Build is pure with
// respect to its arguments; the only internal state is the mid-price history
// feeding the return features.
type Builder struct {
	history []midObservation
}

// NewBuilder creates a feature builder with an empty mid history.
func NewBuilder() *Builder {
	return &Builder{history: make([]midObservation, 0, 256)}
}

// Observe records a mid price for the return features. Called by the
// aggregator whenever the quote changes.
func (b *Builder) Observe(mid float64, tsMicros int64) {
	if mid <= 0 {
		return
	}
	b.history = append(b.history, midObservation{tsMicros: tsMicros, mid: mid})
	cutoff := tsMicros - maxReturnLookback.Microseconds()
	trim := 0
	for trim < len(b.history)-1 && b.history[trim].tsMicros < cutoff {
		trim++
	}
	if trim > 0 {
		b.history = b.history[trim:]
	}
}

// Seed replaces the mid history with a single observation. Used when a
// re-anchor installs a fresh book and the old history no longer applies.
func (b *Builder) Seed(mid float64, tsMicros int64) {
	b.history = b.history[:0]
	b.Observe(mid, tsMicros)
}

// midAt returns the observation closest at-or-before target, falling back to
// the oldest retained observation so short histories still yield a return.
func (b *Builder) midAt(targetMicros int64) (float64, bool) {
	if len(b.history) == 0 {
		return 0, false
	}
	best := b.history[0]
	for _, obs := range b.history {
		if obs.tsMicros > targetMicros {
			break
		}
		best = obs
	}
	return best.mid, true
}

// Build derives the feature vector from one coherent view of the inputs.
// wallNow supplies the data-age reference and the time-of-day encodings.
func (b *Builder) Build(ob *book.Snapshot, s1, s5 *rolling.Stats, wallNow time.Time) *Vector {
	v := &Vector{
		Values:  make([]float64, NumFeatures),
		Missing: make([]bool, NumFeatures),
	}
	set := func(idx int, val float64) {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			v.Missing[idx] = true
			return
		}
		v.Values[idx] = val
	}
	miss := func(idx int) { v.Missing[idx] = true }

	mid := ob.Mid()
	price := ob.LastTradePx
	if price <= 0 {
		price = mid
	}

	// price, mid
	if price > 0 {
		set(0, price)
	} else {
		miss(0)
	}
	if mid > 0 {
		set(1, mid)
	} else {
		miss(1)
	}

	// returns over {1s, 5s, 10s}
	returns := make([]float64, 3)
	returnsOK := make([]bool, 3)
	for i, span := range []time.Duration{time.Second, 5 * time.Second, 10 * time.Second} {
		idx := 2 + i
		past, ok := b.midAt(ob.TSMicros - span.Microseconds())
		if !ok || past <= 0 || mid <= 0 {
			miss(idx)
			continue
		}
		r := (mid - past) / past
		set(idx, r)
		returns[i], returnsOK[i] = r, true
	}

	// per-window trade features
	windowFeatures := func(s *rolling.Stats, volIdx, signedIdx, imbIdx, intensityIdx, vwapDevIdx int) {
		if s == nil || s.Empty {
			miss(volIdx)
			miss(signedIdx)
			miss(imbIdx)
			miss(intensityIdx)
			miss(vwapDevIdx)
			return
		}
		set(volIdx, s.Volume)
		set(signedIdx, s.SignedVolume)
		set(imbIdx, s.SignedVolume/s.Volume)
		set(intensityIdx, s.Intensity)
		set(vwapDevIdx, s.VWAPMidDev)
	}
	windowFeatures(s1, 5, 7, 9, 15, 18)
	windowFeatures(s5, 6, 8, 10, 16, 19)

	// spread and book shape
	if sp := ob.SpreadBps(); sp > 0 {
		set(11, sp)
	} else {
		miss(11)
	}
	if ob.BidValueSum+ob.AskValueSum > 0 {
		set(12, ob.Imbalance)
		set(13, ob.BidValueSum/(ob.BidValueSum+ob.AskValueSum))
		set(14, ob.AskValueSum/(ob.BidValueSum+ob.AskValueSum))
	} else if ob.BestBidSz+ob.BestAskSz > 0 {
		// depth levels not yet populated; fall back to the top-of-book sizes
		total := ob.BestBidSz + ob.BestAskSz
		set(12, (ob.BestBidSz-ob.BestAskSz)/total)
		set(13, ob.BestBidSz/total)
		set(14, ob.BestAskSz/total)
	} else {
		miss(12)
		miss(13)
		miss(14)
	}

	// avg trade size (1s)
	if s1 != nil && !s1.Empty {
		set(17, s1.AvgTradeSize)
	} else {
		miss(17)
	}

	// volatility: 5s price std relative to mid
	volIdx := 20
	volatility := 0.0
	volatilityOK := false
	if s5 != nil && !s5.Empty && mid > 0 {
		volatility = s5.PriceStd / mid
		set(volIdx, volatility)
		volatilityOK = !v.Missing[volIdx]
	} else {
		miss(volIdx)
	}

	// momentum: short-horizon acceleration of the 1s return against the
	// per-second 5s drift
	momIdx := 21
	momentum := 0.0
	momentumOK := false
	if returnsOK[0] && returnsOK[1] {
		momentum = returns[0] - returns[1]/5.0
		set(momIdx, momentum)
		momentumOK = !v.Missing[momIdx]
	} else {
		miss(momIdx)
	}

	// time-of-day encodings and session flags (UTC)
	utc := wallNow.UTC()
	hour := float64(utc.Hour()) + float64(utc.Minute())/60.0
	set(22, math.Sin(2*math.Pi*hour/24))
	set(23, math.Cos(2*math.Pi*hour/24))
	set(24, sessionFlag(utc.Hour(), 0, 8))   // Asia
	set(25, sessionFlag(utc.Hour(), 7, 16))  // Europe
	set(26, sessionFlag(utc.Hour(), 13, 22)) // US

	// engineered interactions
	if momentumOK && volatilityOK {
		set(27, momentum*volatility)
	} else {
		miss(27)
	}
	if !v.Missing[12] && !v.Missing[9] {
		set(28, v.Values[12]*v.Values[9])
	} else {
		miss(28)
	}
	if !v.Missing[11] && volatilityOK {
		set(29, v.Values[11]*volatility)
	} else {
		miss(29)
	}

	v.Completeness = 1 - float64(v.MissingCount())/float64(NumFeatures)
	v.TSMicros = ob.TSMicros

	freshest := ob.TSMicros
	if s1 != nil && s1.LastTradeTS > freshest {
		freshest = s1.LastTradeTS
	}
	if freshest > 0 {
		v.DataAgeMS = wallNow.UnixMilli() - freshest/1000
		if v.DataAgeMS < 0 {
			v.DataAgeMS = 0
		}
	}
	return v
}

func sessionFlag(hour, from, to int) float64 {
	if hour >= from && hour < to {
		return 1
	}
	return 0
}
