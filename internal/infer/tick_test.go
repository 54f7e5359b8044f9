package infer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/models"
	"github.com/quantpulse/btcstream/internal/rolling"
)

type capturePub struct {
	preds []models.Prediction
}

func (p *capturePub) Publish(_ context.Context, pr models.Prediction) error {
	p.preds = append(p.preds, pr)
	return nil
}

func zeroModel(intercept float64) *Model {
	m := &Model{
		Version: "test-1",
		Mean:    make([]float64, features.NumFeatures),
		Std:     make([]float64, features.NumFeatures),
		Weights: make([]float64, features.NumFeatures),
	}
	for i := range m.Std {
		m.Std[i] = 1
	}
	m.Intercept = intercept
	return m
}

// installBundle writes a complete bundle whose vector is stamped at tsMicros
// with the given age and completeness.
func installBundle(store *hotstate.Store, mid float64, tsMicros int64, ageMS int64, completeness float64) {
	b := book.New("BTCUSDT", 10)
	b.ApplyBookTicker(models.BookTickerEvent{
		Sym: "BTCUSDT", EventTS: tsMicros,
		BidPx: mid - 0.01, BidSz: 1, AskPx: mid + 0.01, AskSz: 1,
	})
	vec := &features.Vector{
		Values:       make([]float64, features.NumFeatures),
		Missing:      make([]bool, features.NumFeatures),
		Completeness: completeness,
		DataAgeMS:    ageMS,
		TSMicros:     tsMicros,
	}
	store.Apply(func(bundle *hotstate.Bundle) {
		bundle.Book = b.Snapshot()
		bundle.Stats1s = &rolling.Stats{SpanMS: 1000, Empty: true}
		bundle.Stats5s = &rolling.Stats{SpanMS: 5000, Empty: true}
		bundle.Vector = vec
	})
}

func newTestTicker(store *hotstate.Store, intercept float64) (*Ticker, *capturePub) {
	pub := &capturePub{}
	tk := NewTicker(config.Default(), store, zeroModel(intercept), pub, nil)
	return tk, pub
}

func TestNormalTick(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 0, 1.0)

	tk, pub := newTestTicker(store, 0)
	tk.Tick(context.Background(), tickAt)

	require.Len(t, pub.preds, 1)
	p := pub.preds[0]
	assert.Equal(t, models.SourceNormal, p.Source)
	assert.InDelta(t, 100.01, p.CurrentPrice, 1e-9)
	assert.InDelta(t, 100.01, p.PredictedPrice, 1e-9, "zero-weight model predicts no move")
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.Equal(t, "test-1", p.ModelVersion)
	assert.Equal(t, int64(10000), p.TargetOffsetMS)
	assert.NotEmpty(t, p.ID)
}

func TestConfidenceScalesWithCompleteness(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 0, 0.5)

	tk, pub := newTestTicker(store, 0)
	tk.Tick(context.Background(), tickAt)

	require.Len(t, pub.preds, 1)
	p := pub.preds[0]
	assert.Equal(t, models.SourceNormal, p.Source, "incomplete inputs still produce a model prediction")
	assert.InDelta(t, 0.4, p.Confidence, 1e-9)
}

func TestConfidenceNeverBelowFloor(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 0, 0.05)

	tk, pub := newTestTicker(store, 0)
	tk.Tick(context.Background(), tickAt)

	require.Len(t, pub.preds, 1)
	assert.InDelta(t, 0.1, pub.preds[0].Confidence, 1e-9)
}

func TestAgingDiscountApplied(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 3000, 1.0)

	tk, pub := newTestTicker(store, 0)
	tk.Tick(context.Background(), tickAt)

	require.Len(t, pub.preds, 1)
	p := pub.preds[0]
	assert.Equal(t, models.SourceNormal, p.Source, "3s old is aged but not yet stale")
	assert.InDelta(t, 0.8*agingDiscount, p.Confidence, 1e-9)
}

func TestDegradedStaleExtrapolatesPriorDrift(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.00, tickAt.UnixMicro(), 0, 1.0)

	// intercept 0.01 predicts a +1% move on the normal tick
	tk, pub := newTestTicker(store, 0.01)
	tk.Tick(context.Background(), tickAt)
	require.Len(t, pub.preds, 1)
	prior := pub.preds[0]
	require.Equal(t, models.SourceNormal, prior.Source)
	drift := prior.PredictedPrice - prior.CurrentPrice

	// next tick sees a stale vector
	tick2 := tickAt.Add(2 * time.Second)
	installBundle(store, 100.50, tick2.UnixMicro(), 7500, 1.0)
	tk.Tick(context.Background(), tick2)

	require.Len(t, pub.preds, 2)
	p := pub.preds[1]
	assert.Equal(t, models.SourceDegradedStale, p.Source)
	assert.LessOrEqual(t, p.Confidence, 0.3)
	// 2s elapsed on a 10s horizon stretches the drift by 12/10
	assert.InDelta(t, 100.50+drift*1.2, p.PredictedPrice, 1e-9,
		"stale mode continues the prior drift scaled to the interval since")
	assert.GreaterOrEqual(t, p.FeatureAgeMS, int64(7500))
}

func TestDegradedErrorFlatPrediction(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 0, 1.0)

	tk, pub := newTestTicker(store, 0)
	tk.Tick(context.Background(), tickAt)
	require.Len(t, pub.preds, 1)

	// state disappears (fresh empty store simulates revision loss)
	tk.store = hotstate.New()
	tk.Tick(context.Background(), tickAt.Add(2*time.Second))

	require.Len(t, pub.preds, 2)
	p := pub.preds[1]
	assert.Equal(t, models.SourceDegradedError, p.Source)
	assert.InDelta(t, 0.1, p.Confidence, 1e-9)
	assert.Equal(t, p.CurrentPrice, p.PredictedPrice, "error mode is a flat forecast")
	assert.InDelta(t, 100.01, p.CurrentPrice, 1e-9, "flat forecast uses the last known price")
}

func TestTickSkippedWithNoStateAndNoHistory(t *testing.T) {
	tk, pub := newTestTicker(hotstate.New(), 0)
	tk.Tick(context.Background(), time.Now())

	assert.Empty(t, pub.preds)
	assert.Equal(t, int64(1), tk.Stats().Skipped)
	assert.Zero(t, tk.Stats().Ticks)
}

func TestLastPredictionExposed(t *testing.T) {
	store := hotstate.New()
	tickAt := time.Now()
	installBundle(store, 100.01, tickAt.UnixMicro(), 0, 1.0)

	tk, _ := newTestTicker(store, 0)
	_, ok := tk.LastPrediction()
	assert.False(t, ok)

	tk.Tick(context.Background(), tickAt)
	p, ok := tk.LastPrediction()
	require.True(t, ok)
	assert.Equal(t, models.SourceNormal, p.Source)
	assert.Equal(t, int64(1), tk.Stats().Ticks)
}

func TestTargetTime(t *testing.T) {
	p := models.Prediction{TickTS: 1_000_000, TargetOffsetMS: 10_000}
	assert.Equal(t, time.UnixMilli(1_010_000), p.TargetTime())
}
