package reanchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/config"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/gap"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/models"
	"github.com/quantpulse/btcstream/internal/rolling"
	"github.com/quantpulse/btcstream/internal/snapshot"
)

// fakeSource scripts snapshot responses per attempt.
type fakeSource struct {
	depths []models.DepthSnapshot
	errs   []error
	trades []models.SnapshotTrade
	calls  int
}

func (f *fakeSource) DepthSnapshot(_ context.Context, _ string) (models.DepthSnapshot, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return models.DepthSnapshot{}, f.errs[i]
	}
	if i < len(f.depths) {
		return f.depths[i], nil
	}
	if len(f.depths) > 0 {
		return f.depths[len(f.depths)-1], nil
	}
	return models.DepthSnapshot{}, &snapshot.Error{
		Category: snapshot.ErrTransient, Op: "depth", Err: errors.New("exhausted script"),
	}
}

func (f *fakeSource) RecentTrades(_ context.Context, _ string, from int64) ([]models.SnapshotTrade, error) {
	out := make([]models.SnapshotTrade, 0, len(f.trades))
	for _, t := range f.trades {
		if t.EventTS >= from {
			out = append(out, t)
		}
	}
	return out, nil
}

func goodDepth(updateID int64) models.DepthSnapshot {
	return models.DepthSnapshot{
		Symbol:   "BTCUSDT",
		Bids:     []models.PriceLevel{{Price: 100.00, Size: 1}, {Price: 99.99, Size: 2}},
		Asks:     []models.PriceLevel{{Price: 100.02, Size: 1}, {Price: 100.03, Size: 2}},
		UpdateID: updateID,
		ServerTS: time.Now().UnixMicro(),
	}
}

func fastCfg() config.Config {
	cfg := config.Default()
	cfg.Reanchor.MaxAttempts = 3
	cfg.Reanchor.BackoffInitialMS = 1
	cfg.Reanchor.BackoffMaxMS = 2
	cfg.Reanchor.TotalDeadlineMS = 1000
	return cfg
}

func seededStore() *hotstate.Store {
	store := hotstate.New()
	b := book.New("BTCUSDT", 10)
	b.ApplyBookTicker(models.BookTickerEvent{
		Sym: "BTCUSDT", EventTS: 1_000_000,
		BidPx: 100.00, BidSz: 1, AskPx: 100.02, AskSz: 1,
	})
	store.Apply(func(bundle *hotstate.Bundle) {
		bundle.Book = b.Snapshot()
		bundle.Stats1s = &rolling.Stats{SpanMS: 1000, Empty: true}
		bundle.Stats5s = &rolling.Stats{SpanMS: 5000, Empty: true}
		bundle.Vector = &features.Vector{
			Values:  make([]float64, features.NumFeatures),
			Missing: make([]bool, features.NumFeatures),
		}
	})
	return store
}

func TestSuccessfulReanchorSubstitutes(t *testing.T) {
	store := seededStore()
	now := time.Now().UnixMicro()
	src := &fakeSource{
		depths: []models.DepthSnapshot{goodDepth(1000)},
		trades: []models.SnapshotTrade{
			{TradeID: 1, EventTS: now - 500_000, Price: 100.01, Size: 0.5},
			{TradeID: 2, EventTS: now - 300_000, Price: 100.02, Size: 0.3, BuyerIsMaker: true},
			{TradeID: 3, EventTS: now - 100_000, Price: 100.01, Size: 0.2},
		},
	}
	c := New(fastCfg(), store, src, nil, nil, nil)

	_, before, _ := store.Revision()
	require.NoError(t, c.attempt(context.Background()))

	bundle, after, ok := store.Revision()
	require.True(t, ok)
	assert.Equal(t, before+1, after, "substitution must bump the revision")
	assert.Equal(t, int64(1000), bundle.Book.LastUpdateID)
	require.False(t, bundle.Stats1s.Empty)
	assert.Equal(t, 3, bundle.Stats5s.Count, "windows must contain exactly the snapshot trades")
	assert.False(t, store.ReanchorInProgress(), "lease must be released")
}

func TestValidationFailureLeavesStateUntouched(t *testing.T) {
	store := seededStore()
	src := &fakeSource{depths: []models.DepthSnapshot{{
		Symbol:   "BTCUSDT",
		Bids:     []models.PriceLevel{{Price: 200, Size: 1}},
		Asks:     []models.PriceLevel{{Price: 150, Size: 1}},
		UpdateID: 5,
		ServerTS: time.Now().UnixMicro(),
	}}}
	c := New(fastCfg(), store, src, nil, nil, nil)

	_, before, _ := store.Revision()
	err := c.attempt(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")

	_, after, _ := store.Revision()
	assert.Equal(t, before, after, "no substitute may occur on validation failure")
	assert.False(t, store.ReanchorInProgress(), "lease must be released on failure")
	assert.Equal(t, int64(1), c.Status().Failures)
}

func TestPriceDeviationRejected(t *testing.T) {
	store := seededStore() // live mid 100.01
	depth := models.DepthSnapshot{
		Symbol:   "BTCUSDT",
		Bids:     []models.PriceLevel{{Price: 150.00, Size: 1}},
		Asks:     []models.PriceLevel{{Price: 150.02, Size: 1}},
		UpdateID: 5,
		ServerTS: time.Now().UnixMicro(),
	}
	c := New(fastCfg(), store, &fakeSource{depths: []models.DepthSnapshot{depth}}, nil, nil, nil)

	err := c.attempt(context.Background())
	require.Error(t, err, "a 50% deviation from the live mid must fail the 10% bound")
}

func TestBusyLeaseDropsTrigger(t *testing.T) {
	store := seededStore()
	tok, err := store.TryBeginReanchor(time.Minute)
	require.NoError(t, err)
	defer store.EndReanchor(tok)

	c := New(fastCfg(), store, &fakeSource{depths: []models.DepthSnapshot{goodDepth(1)}}, nil, nil, nil)
	err = c.attempt(context.Background())
	assert.ErrorIs(t, err, hotstate.ErrBusy)
	assert.Zero(t, c.Status().Attempts, "a busy lease is not an attempt")
}

func TestRetriesThenSucceeds(t *testing.T) {
	store := seededStore()
	transient := &snapshot.Error{Category: snapshot.ErrTransient, Op: "depth", Err: errors.New("boom")}
	src := &fakeSource{
		depths: []models.DepthSnapshot{{}, {}, goodDepth(77)},
		errs:   []error{transient, transient, nil},
	}
	c := New(fastCfg(), store, src, nil, nil, nil)

	c.Handle(context.Background(), gap.Trigger{Rule: gap.RuleSequenceGap})

	bundle, _, ok := store.Revision()
	require.True(t, ok)
	assert.Equal(t, int64(77), bundle.Book.LastUpdateID)
	st := c.Status()
	assert.Equal(t, StateSteady, st.State)
	assert.Equal(t, int64(3), st.Attempts)
	assert.Equal(t, int64(2), st.Failures)
}

func TestDegradedAfterExhaustedAttempts(t *testing.T) {
	store := seededStore()
	transient := &snapshot.Error{Category: snapshot.ErrTransient, Op: "depth", Err: errors.New("down")}
	src := &fakeSource{errs: []error{transient, transient, transient, transient, transient, transient}}
	c := New(fastCfg(), store, src, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	degraded := make(chan struct{})
	go func() {
		for c.Status().State != StateDegraded {
			time.Sleep(time.Millisecond)
		}
		close(degraded)
		cancel()
	}()
	c.Handle(ctx, gap.Trigger{Rule: gap.RuleSilence})

	select {
	case <-degraded:
	default:
		t.Fatal("coordinator never entered degraded state")
	}
	_, rev, ok := store.Revision()
	assert.True(t, ok, "readers keep the last good revision in degraded state")
	assert.Equal(t, uint64(1), rev)
}

func TestDegradedRecoversOnLaterSuccess(t *testing.T) {
	store := seededStore()
	transient := &snapshot.Error{Category: snapshot.ErrTransient, Op: "depth", Err: errors.New("down")}
	src := &fakeSource{
		depths: []models.DepthSnapshot{{}, {}, {}, goodDepth(42)},
		errs:   []error{transient, transient, transient, nil},
	}
	c := New(fastCfg(), store, src, nil, nil, nil)

	c.Handle(context.Background(), gap.Trigger{Rule: gap.RuleSilence})

	st := c.Status()
	assert.Equal(t, StateSteady, st.State, "first degraded retry succeeds and clears the state")
	bundle, _, _ := store.Revision()
	assert.Equal(t, int64(42), bundle.Book.LastUpdateID)
}

func TestBootstrapInstallsFirstBundle(t *testing.T) {
	store := hotstate.New()
	c := New(fastCfg(), store, &fakeSource{depths: []models.DepthSnapshot{goodDepth(9)}}, nil, nil, nil)

	require.NoError(t, c.Bootstrap(context.Background()))
	bundle, rev, ok := store.Revision()
	require.True(t, ok)
	assert.Equal(t, uint64(1), rev)
	assert.Equal(t, int64(9), bundle.Book.LastUpdateID)
}
