package infer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/quantpulse/btcstream/internal/features"
)

// Model is a linear return predictor with a standard scaler, loaded from a
// JSON artifact. Feature order must match features.Names exactly.
type Model struct {
	Version   string    `json:"model_version"`
	Features  []string  `json:"features"`
	Mean      []float64 `json:"scaler_mean"`
	Std       []float64 `json:"scaler_std"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// LoadModel reads and verifies a model artifact. Any mismatch against the
// feature schema is fatal to the caller; running with a silently misaligned
// model would produce garbage predictions.
func LoadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := m.verify(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) verify() error {
	n := features.NumFeatures
	if len(m.Features) != n {
		return fmt.Errorf("model lists %d features, schema has %d", len(m.Features), n)
	}
	for i, name := range m.Features {
		if name != features.Names[i] {
			return fmt.Errorf("model feature %d is %q, schema expects %q", i, name, features.Names[i])
		}
	}
	if len(m.Mean) != n || len(m.Std) != n || len(m.Weights) != n {
		return fmt.Errorf("model arrays sized %d/%d/%d, want %d",
			len(m.Mean), len(m.Std), len(m.Weights), n)
	}
	for i, s := range m.Std {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("model scaler std[%d] = %v is not positive finite", i, s)
		}
	}
	if m.Version == "" {
		return fmt.Errorf("model artifact has no model_version")
	}
	return nil
}

// PredictReturn scores a feature vector, returning the predicted fractional
// return over the model's horizon. Missing features impute to the training
// mean, which scales to zero.
func (m *Model) PredictReturn(vec *features.Vector) float64 {
	sum := m.Intercept
	for i, w := range m.Weights {
		if vec.Missing[i] {
			continue
		}
		z := (vec.Values[i] - m.Mean[i]) / m.Std[i]
		sum += w * z
	}
	return sum
}
