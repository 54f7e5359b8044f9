package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantpulse/btcstream/internal/models"
)

// BinanceREST fetches depth snapshots and recent trades from the Binance
// REST API. Requests pass through a rate limiter and a circuit breaker so a
// struggling endpoint cannot be hammered by re-anchor retries.
type BinanceREST struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewBinanceREST creates a snapshot client against the given base URL
// (e.g. https://api.binance.com). qps bounds outbound request rate.
func NewBinanceREST(base string, qps int) *BinanceREST {
	if qps <= 0 {
		qps = 5
	}
	settings := gobreaker.Settings{Name: "snapshot-rest"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &BinanceREST{
		base:    base,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(qps), qps),
	}
}

type binanceDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type binanceTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"` // milliseconds
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// DepthSnapshot implements Source.
func (c *BinanceREST) DepthSnapshot(ctx context.Context, symbol string) (models.DepthSnapshot, error) {
	var snap models.DepthSnapshot

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", "100")

	var payload binanceDepth
	if err := c.getJSON(ctx, "depth", "/api/v3/depth?"+q.Encode(), &payload); err != nil {
		return snap, err
	}

	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return snap, &Error{Category: ErrPermanent, Op: "depth", Err: err}
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return snap, &Error{Category: ErrPermanent, Op: "depth", Err: err}
	}

	snap = models.DepthSnapshot{
		Symbol:   symbol,
		Bids:     bids,
		Asks:     asks,
		UpdateID: payload.LastUpdateID,
		ServerTS: time.Now().UnixMicro(),
	}
	return snap, nil
}

// RecentTrades implements Source.
func (c *BinanceREST) RecentTrades(ctx context.Context, symbol string, fromTSMicros int64) ([]models.SnapshotTrade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", "1000")

	var payload []binanceTrade
	if err := c.getJSON(ctx, "trades", "/api/v3/trades?"+q.Encode(), &payload); err != nil {
		return nil, err
	}

	out := make([]models.SnapshotTrade, 0, len(payload))
	for _, t := range payload {
		tsMicros := t.Time * 1000
		if tsMicros < fromTSMicros {
			continue
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return nil, &Error{Category: ErrPermanent, Op: "trades", Err: err}
		}
		size, err := strconv.ParseFloat(t.Qty, 64)
		if err != nil {
			return nil, &Error{Category: ErrPermanent, Op: "trades", Err: err}
		}
		out = append(out, models.SnapshotTrade{
			TradeID:      t.ID,
			EventTS:      tsMicros,
			Price:        price,
			Size:         size,
			BuyerIsMaker: t.IsBuyerMaker,
		})
	}
	return out, nil
}

func (c *BinanceREST) getJSON(ctx context.Context, op, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Category: ErrTimeout, Op: op, Err: err}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, &Error{Category: ErrPermanent, Op: op, Err: err}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Error{Category: ErrTimeout, Op: op, Err: err}
			}
			return nil, &Error{Category: ErrTransient, Op: op, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			httpErr := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			return nil, &Error{Category: categorizeStatus(resp.StatusCode), Op: op, Err: httpErr}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, &Error{Category: ErrTransient, Op: op, Err: err}
		}
		return nil, nil
	})
	if err != nil {
		if _, isCategorized := err.(*Error); isCategorized {
			return err
		}
		// breaker open or half-open rejection
		return &Error{Category: ErrTransient, Op: op, Err: err}
	}
	return nil
}

func categorizeStatus(code int) ErrorCategory {
	switch {
	case code == http.StatusTooManyRequests || code == 418:
		return ErrThrottled
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func parseLevels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad level price %q: %w", pair[0], err)
		}
		size, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad level size %q: %w", pair[1], err)
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
