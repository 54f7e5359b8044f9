package models

import "time"

// Prediction sources. Degraded modes replace errors on the inference path.
const (
	SourceNormal        = "normal"
	SourceDegradedStale = "degraded-stale"
	SourceDegradedError = "degraded-error"
)

// Prediction is the record published on every inference tick.
type Prediction struct {
	ID               string  `json:"id"`
	Symbol           string  `json:"symbol"`
	TickTS           int64   `json:"tick_ts"` // milliseconds
	CurrentPrice     float64 `json:"current_price"`
	PredictedPrice   float64 `json:"predicted_price"`
	TargetOffsetMS   int64   `json:"target_offset_ms"`
	Confidence       float64 `json:"confidence"`
	ModelVersion     string  `json:"model_version"`
	FeatureAgeMS     int64   `json:"feature_age_ms"`
	InferenceLatency float64 `json:"inference_latency_ms"`
	Source           string  `json:"source"`
}

// TargetTime returns the wall-clock moment the prediction is for.
func (p Prediction) TargetTime() time.Time {
	return time.UnixMilli(p.TickTS + p.TargetOffsetMS)
}

// DepthSnapshot is a full order book snapshot from the snapshot source.
type DepthSnapshot struct {
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	UpdateID int64        `json:"update_id"`
	ServerTS int64        `json:"server_ts"` // microseconds
}

// SnapshotTrade is one recent trade returned by the snapshot source.
type SnapshotTrade struct {
	TradeID      int64   `json:"trade_id"`
	EventTS      int64   `json:"event_ts"` // microseconds
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	BuyerIsMaker bool    `json:"is_buyer_maker"`
}
