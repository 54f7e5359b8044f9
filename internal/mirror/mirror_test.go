package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/hotstate"
	"github.com/quantpulse/btcstream/internal/models"
	"github.com/quantpulse/btcstream/internal/rolling"
)

func storeWithVector(completeness float64) *hotstate.Store {
	store := hotstate.New()
	b := book.New("BTCUSDT", 10)
	b.ApplyBookTicker(models.BookTickerEvent{
		Sym: "BTCUSDT", EventTS: 1_000_000,
		BidPx: 100.00, BidSz: 1, AskPx: 100.02, AskSz: 1,
	})
	vec := &features.Vector{
		Values:       make([]float64, features.NumFeatures),
		Missing:      make([]bool, features.NumFeatures),
		Completeness: completeness,
		TSMicros:     1_000_000,
	}
	vec.Values[0] = 100.02
	vec.Missing[5] = true // volume_1s absent
	store.Apply(func(bundle *hotstate.Bundle) {
		bundle.Book = b.Snapshot()
		bundle.Stats1s = &rolling.Stats{SpanMS: 1000, Empty: true}
		bundle.Stats5s = &rolling.Stats{SpanMS: 5000, Empty: true}
		bundle.Vector = vec
	})
	return store
}

func TestSampleWritesHash(t *testing.T) {
	store := storeWithVector(0.9)
	bundle, rev, ok := store.Revision()
	require.True(t, ok)

	db, mock := redismock.NewClientMock()
	m := New(db, store, "BTCUSDT", time.Second)

	expected := Fields(bundle.Vector, rev)
	mock.ExpectHSet(Key("BTCUSDT"), expected).SetVal(int64(len(expected)))
	mock.ExpectExpire(Key("BTCUSDT"), 10*time.Minute).SetVal(true)

	require.NoError(t, m.Sample(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleSkipsUnchangedVector(t *testing.T) {
	store := storeWithVector(1.0)
	db, mock := redismock.NewClientMock()
	m := New(db, store, "BTCUSDT", time.Second)

	bundle, rev, _ := store.Revision()
	expected := Fields(bundle.Vector, rev)
	mock.ExpectHSet(Key("BTCUSDT"), expected).SetVal(int64(len(expected)))
	mock.ExpectExpire(Key("BTCUSDT"), 10*time.Minute).SetVal(true)

	require.NoError(t, m.Sample(context.Background()))
	// second sample sees the same vector and writes nothing
	require.NoError(t, m.Sample(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleFollowsSteadyStateRecomputes(t *testing.T) {
	store := storeWithVector(1.0)
	db, mock := redismock.NewClientMock()
	m := New(db, store, "BTCUSDT", time.Second)

	bundle, rev, _ := store.Revision()
	first := Fields(bundle.Vector, rev)
	mock.ExpectHSet(Key("BTCUSDT"), first).SetVal(int64(len(first)))
	mock.ExpectExpire(Key("BTCUSDT"), 10*time.Minute).SetVal(true)
	require.NoError(t, m.Sample(context.Background()))

	// a feature recompute replaces the vector without bumping the revision;
	// the mirror must still pick it up
	next := &features.Vector{
		Values:       make([]float64, features.NumFeatures),
		Missing:      make([]bool, features.NumFeatures),
		Completeness: 1.0,
		TSMicros:     2_000_000,
	}
	next.Values[0] = 100.05
	store.Apply(func(b *hotstate.Bundle) { b.Vector = next })

	second := Fields(next, rev)
	mock.ExpectHSet(Key("BTCUSDT"), second).SetVal(int64(len(second)))
	mock.ExpectExpire(Key("BTCUSDT"), 10*time.Minute).SetVal(true)
	require.NoError(t, m.Sample(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleNoStateIsNoop(t *testing.T) {
	db, mock := redismock.NewClientMock()
	m := New(db, hotstate.New(), "BTCUSDT", time.Second)

	require.NoError(t, m.Sample(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldsEncoding(t *testing.T) {
	vec := &features.Vector{
		Values:       make([]float64, features.NumFeatures),
		Missing:      make([]bool, features.NumFeatures),
		Completeness: 0.5,
		TSMicros:     42,
	}
	vec.Values[0] = 123.456
	vec.Missing[1] = true

	fields := Fields(vec, 7)
	assert.Equal(t, "123.456", fields["price"])
	assert.Equal(t, "null", fields["mid"], "missing features encode as the null literal")
	assert.Equal(t, "7", fields["revision"])
	assert.Equal(t, "0.5", fields["completeness"])
	assert.Equal(t, "42", fields["ts_micros"])
	assert.Len(t, fields, features.NumFeatures+3)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "features:BTCUSDT:latest", Key("BTCUSDT"))
}
