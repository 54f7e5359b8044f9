package models

import (
	"fmt"
	"math"
)

// EventKind tags the three market event types carried on the hot path.
type EventKind string

const (
	KindTrade      EventKind = "trade"
	KindBookTicker EventKind = "bestBidAsk"
	KindDepthDiff  EventKind = "depth"
)

// Event is the tagged union consumed by the aggregator. Implementations are
// value types; validation happens once at the ingest boundary.
type Event interface {
	Kind() EventKind
	Symbol() string
	Seq() int64
	EventTimeMicros() int64
	Validate() error
}

// MalformedEventError marks an event that failed schema checks. Malformed
// events are counted and dropped; they never mutate state.
type MalformedEventError struct {
	EventKind EventKind
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.EventKind, e.Reason)
}

// PriceLevel is a single price level of an order book side.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// TradeEvent is a single executed trade.
type TradeEvent struct {
	Sym          string  `json:"symbol"`
	EventTS      int64   `json:"event_ts"` // microseconds
	SeqID        int64   `json:"seq_id"`
	TradeID      int64   `json:"trade_id"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	BuyerIsMaker bool    `json:"is_buyer_maker"`
}

func (t TradeEvent) Kind() EventKind        { return KindTrade }
func (t TradeEvent) Symbol() string         { return t.Sym }
func (t TradeEvent) Seq() int64             { return t.SeqID }
func (t TradeEvent) EventTimeMicros() int64 { return t.EventTS }

func (t TradeEvent) Validate() error {
	switch {
	case t.Sym == "":
		return &MalformedEventError{KindTrade, "missing symbol"}
	case t.EventTS <= 0:
		return &MalformedEventError{KindTrade, "missing event timestamp"}
	case !isFinitePositive(t.Price):
		return &MalformedEventError{KindTrade, fmt.Sprintf("bad price %v", t.Price)}
	case !isFinitePositive(t.Size):
		return &MalformedEventError{KindTrade, fmt.Sprintf("bad size %v", t.Size)}
	}
	return nil
}

// BookTickerEvent carries the best bid/ask quote.
type BookTickerEvent struct {
	Sym     string  `json:"symbol"`
	EventTS int64   `json:"event_ts"`
	SeqID   int64   `json:"seq_id"`
	BidPx   float64 `json:"bid_px"`
	BidSz   float64 `json:"bid_sz"`
	AskPx   float64 `json:"ask_px"`
	AskSz   float64 `json:"ask_sz"`
}

func (b BookTickerEvent) Kind() EventKind        { return KindBookTicker }
func (b BookTickerEvent) Symbol() string         { return b.Sym }
func (b BookTickerEvent) Seq() int64             { return b.SeqID }
func (b BookTickerEvent) EventTimeMicros() int64 { return b.EventTS }

func (b BookTickerEvent) Validate() error {
	switch {
	case b.Sym == "":
		return &MalformedEventError{KindBookTicker, "missing symbol"}
	case b.EventTS <= 0:
		return &MalformedEventError{KindBookTicker, "missing event timestamp"}
	case !isFinitePositive(b.BidPx) || !isFinitePositive(b.AskPx):
		return &MalformedEventError{KindBookTicker, fmt.Sprintf("bad quote %v/%v", b.BidPx, b.AskPx)}
	case !isFiniteNonNegative(b.BidSz) || !isFiniteNonNegative(b.AskSz):
		return &MalformedEventError{KindBookTicker, fmt.Sprintf("bad sizes %v/%v", b.BidSz, b.AskSz)}
	case b.AskPx <= b.BidPx:
		return &MalformedEventError{KindBookTicker, fmt.Sprintf("crossed quote bid=%v ask=%v", b.BidPx, b.AskPx)}
	}
	return nil
}

// DepthDiffEvent is an incremental order book update covering the update id
// range [FirstUpdateID, FinalUpdateID].
type DepthDiffEvent struct {
	Sym           string       `json:"symbol"`
	EventTS       int64        `json:"event_ts"`
	SeqID         int64        `json:"seq_id"`
	FirstUpdateID int64        `json:"first_update_id"`
	FinalUpdateID int64        `json:"final_update_id"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
}

func (d DepthDiffEvent) Kind() EventKind        { return KindDepthDiff }
func (d DepthDiffEvent) Symbol() string         { return d.Sym }
func (d DepthDiffEvent) Seq() int64             { return d.SeqID }
func (d DepthDiffEvent) EventTimeMicros() int64 { return d.EventTS }

func (d DepthDiffEvent) Validate() error {
	switch {
	case d.Sym == "":
		return &MalformedEventError{KindDepthDiff, "missing symbol"}
	case d.EventTS <= 0:
		return &MalformedEventError{KindDepthDiff, "missing event timestamp"}
	case d.FirstUpdateID <= 0 || d.FinalUpdateID < d.FirstUpdateID:
		return &MalformedEventError{KindDepthDiff,
			fmt.Sprintf("bad update id range [%d, %d]", d.FirstUpdateID, d.FinalUpdateID)}
	}
	for _, lv := range d.Bids {
		if !isFinitePositive(lv.Price) || !isFiniteNonNegative(lv.Size) {
			return &MalformedEventError{KindDepthDiff, fmt.Sprintf("bad bid level %+v", lv)}
		}
	}
	for _, lv := range d.Asks {
		if !isFinitePositive(lv.Price) || !isFiniteNonNegative(lv.Size) {
			return &MalformedEventError{KindDepthDiff, fmt.Sprintf("bad ask level %+v", lv)}
		}
	}
	return nil
}

func isFinitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func isFiniteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
