package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depthHandler(t *testing.T, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/depth" {
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		http.NotFound(w, r)
	}
}

func TestDepthSnapshotParsesLevels(t *testing.T) {
	srv := httptest.NewServer(depthHandler(t, http.StatusOK,
		`{"lastUpdateId":1000,"bids":[["100.00","1.5"],["99.99","2.0"]],"asks":[["100.02","1.0"]]}`))
	defer srv.Close()

	c := NewBinanceREST(srv.URL, 100)
	snap, err := c.DepthSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, int64(1000), snap.UpdateID)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 100.00, snap.Bids[0].Price)
	assert.Equal(t, 1.5, snap.Bids[0].Size)
	require.Len(t, snap.Asks, 1)
	assert.Greater(t, snap.ServerTS, int64(0))
}

func TestDepthSnapshotBadDecimal(t *testing.T) {
	srv := httptest.NewServer(depthHandler(t, http.StatusOK,
		`{"lastUpdateId":1,"bids":[["not-a-number","1"]],"asks":[]}`))
	defer srv.Close()

	c := NewBinanceREST(srv.URL, 100)
	_, err := c.DepthSnapshot(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, ErrPermanent, Categorize(err))
}

func TestRecentTradesFiltersByTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/trades", r.URL.Path)
		fmt.Fprint(w, `[
			{"id":1,"price":"100.01","qty":"0.5","time":1000,"isBuyerMaker":false},
			{"id":2,"price":"100.02","qty":"0.3","time":2000,"isBuyerMaker":true},
			{"id":3,"price":"100.03","qty":"0.2","time":3000,"isBuyerMaker":false}
		]`)
	}))
	defer srv.Close()

	c := NewBinanceREST(srv.URL, 100)
	trades, err := c.RecentTrades(context.Background(), "BTCUSDT", 2000*1000)
	require.NoError(t, err)

	require.Len(t, trades, 2, "trades before the cutoff are dropped")
	assert.Equal(t, int64(2), trades[0].TradeID)
	assert.Equal(t, int64(2_000_000), trades[0].EventTS)
	assert.True(t, trades[0].BuyerIsMaker)
	assert.Equal(t, int64(3), trades[1].TradeID)
}

func TestStatusCategorization(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorCategory
	}{
		{http.StatusTooManyRequests, ErrThrottled},
		{418, ErrThrottled},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusForbidden, ErrPermanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, categorizeStatus(tc.status), "status %d", tc.status)
	}
}

func TestHTTPErrorSurfacesCategory(t *testing.T) {
	srv := httptest.NewServer(depthHandler(t, http.StatusTooManyRequests, `{"code":-1003}`))
	defer srv.Close()

	c := NewBinanceREST(srv.URL, 100)
	_, err := c.DepthSnapshot(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, ErrThrottled, Categorize(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
}

func TestPermanentNotRetryable(t *testing.T) {
	e := &Error{Category: ErrPermanent, Op: "depth", Err: errors.New("bad request")}
	assert.False(t, e.Retryable())
	e = &Error{Category: ErrNotFound, Op: "depth", Err: errors.New("missing")}
	assert.False(t, e.Retryable())
}

func TestCategorizeUnknownErrorIsTransient(t *testing.T) {
	assert.Equal(t, ErrTransient, Categorize(errors.New("plain")))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(depthHandler(t, http.StatusInternalServerError, `{}`))
	defer srv.Close()

	c := NewBinanceREST(srv.URL, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := c.DepthSnapshot(ctx, "BTCUSDT")
		require.Error(t, err)
	}

	// breaker now rejects without reaching the server
	_, err := c.DepthSnapshot(ctx, "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, ErrTransient, Categorize(err), "breaker rejection is retryable later")
}
