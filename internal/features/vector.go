package features

// Feature names in model input order. The order is part of the model
// contract: the scaler and regressor artifacts are trained against exactly
// this arrangement.
var Names = []string{
	"price",
	"mid",
	"return_1s",
	"return_5s",
	"return_10s",
	"volume_1s",
	"volume_5s",
	"signed_volume_1s",
	"signed_volume_5s",
	"volume_imbalance_1s",
	"volume_imbalance_5s",
	"spread_bp",
	"book_imbalance",
	"bid_strength",
	"ask_strength",
	"trade_intensity_1s",
	"trade_intensity_5s",
	"avg_trade_size_1s",
	"vwap_dev_1s",
	"vwap_dev_5s",
	"price_volatility",
	"momentum",
	"hour_sin",
	"hour_cos",
	"session_asia",
	"session_europe",
	"session_us",
	"momentum_volatility",
	"imbalance_flow",
	"spread_volatility",
}

// NumFeatures is the fixed model input width.
var NumFeatures = len(Names)

// Vector is the feature vector entity of a hot-state bundle. Values and the
// missing mask are index-aligned with Names. Missing fields carry 0 in
// Values and true in the mask; they are never NaN or infinite.
type Vector struct {
	Values  []float64
	Missing []bool

	Completeness float64
	DataAgeMS    int64
	TSMicros     int64
}

// Get returns the value of a named feature and whether it is present.
func (v *Vector) Get(name string) (float64, bool) {
	for i, n := range Names {
		if n == name {
			return v.Values[i], !v.Missing[i]
		}
	}
	return 0, false
}

// MissingCount returns how many features are absent.
func (v *Vector) MissingCount() int {
	n := 0
	for _, m := range v.Missing {
		if m {
			n++
		}
	}
	return n
}
