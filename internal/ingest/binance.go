package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/btcstream/internal/models"
)

const (
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// BinanceWS streams trades, best quotes, and depth diffs for one symbol over
// the Binance combined websocket stream. It reconnects with backoff and
// reports connectivity transitions through the status hook.
//
// Sequence ids: trades carry the exchange trade id, which is contiguous per
// symbol and drives the sequence-gap rule. Quote and depth events carry no
// sequence id; depth continuity is checked by update id range in the book.
type BinanceWS struct {
	endpoint string
	symbol   string
	events   chan models.Event
	status   func(up bool)

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewBinanceWS creates a feed for symbol against endpoint (e.g.
// wss://stream.binance.com:9443). status may be nil.
func NewBinanceWS(endpoint, symbol string, status func(up bool)) *BinanceWS {
	return &BinanceWS{
		endpoint: endpoint,
		symbol:   symbol,
		events:   make(chan models.Event, 4096),
		status:   status,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Events implements Feed.
func (f *BinanceWS) Events() <-chan models.Event { return f.events }

func (f *BinanceWS) streamURL() string {
	s := strings.ToLower(f.symbol)
	return fmt.Sprintf("%s/stream?streams=%s@trade/%s@bookTicker/%s@depth@100ms",
		f.endpoint, s, s, s)
}

// Run connects and pumps events until ctx is done. The event channel closes
// on return so the aggregator drains cleanly.
func (f *BinanceWS) Run(ctx context.Context) error {
	defer close(f.events)

	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := f.dial(ctx, f.streamURL())
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Websocket connect failed")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectInitial
		f.setConnected(true)
		log.Info().Str("symbol", f.symbol).Msg("Websocket connected")

		err = f.pump(ctx, conn)
		conn.Close()
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("Websocket stream ended, reconnecting")
	}
}

func (f *BinanceWS) setConnected(up bool) {
	if f.status != nil {
		f.status(up)
	}
}

// pump reads frames until the connection fails or ctx is done.
func (f *BinanceWS) pump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		ev, err := f.parse(raw)
		if err != nil {
			log.Debug().Err(err).Msg("Unparseable frame dropped")
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case f.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawTrade struct {
	// the "e" event-type key must bind here, or encoding/json matches it
	// case-insensitively against the E tag and rejects the frame
	Type         string `json:"e"`
	EventTime    int64  `json:"E"` // milliseconds
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type rawBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPx    string `json:"b"`
	BidSz    string `json:"B"`
	AskPx    string `json:"a"`
	AskSz    string `json:"A"`
}

type rawDepth struct {
	Type      string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   int64       `json:"U"`
	FinalID   int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (f *BinanceWS) parse(raw []byte) (models.Event, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("frame envelope: %w", err)
	}

	switch {
	case strings.HasSuffix(frame.Stream, "@trade"):
		var t rawTrade
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return nil, fmt.Errorf("trade payload: %w", err)
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		size, err := strconv.ParseFloat(t.Qty, 64)
		if err != nil {
			return nil, fmt.Errorf("trade qty: %w", err)
		}
		ts := t.TradeTime
		if ts == 0 {
			ts = t.EventTime
		}
		return models.TradeEvent{
			Sym:          t.Symbol,
			EventTS:      ts * 1000,
			SeqID:        t.TradeID,
			TradeID:      t.TradeID,
			Price:        price,
			Size:         size,
			BuyerIsMaker: t.IsBuyerMaker,
		}, nil

	case strings.HasSuffix(frame.Stream, "@bookTicker"):
		var q rawBookTicker
		if err := json.Unmarshal(frame.Data, &q); err != nil {
			return nil, fmt.Errorf("quote payload: %w", err)
		}
		bidPx, err1 := strconv.ParseFloat(q.BidPx, 64)
		bidSz, err2 := strconv.ParseFloat(q.BidSz, 64)
		askPx, err3 := strconv.ParseFloat(q.AskPx, 64)
		askSz, err4 := strconv.ParseFloat(q.AskSz, 64)
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return nil, fmt.Errorf("quote fields: %w", err)
			}
		}
		// the raw bookTicker stream carries no event time
		return models.BookTickerEvent{
			Sym:     q.Symbol,
			EventTS: time.Now().UnixMicro(),
			BidPx:   bidPx,
			BidSz:   bidSz,
			AskPx:   askPx,
			AskSz:   askSz,
		}, nil

	case strings.Contains(frame.Stream, "@depth"):
		var d rawDepth
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, fmt.Errorf("depth payload: %w", err)
		}
		bids, err := parseRawLevels(d.Bids)
		if err != nil {
			return nil, fmt.Errorf("depth bids: %w", err)
		}
		asks, err := parseRawLevels(d.Asks)
		if err != nil {
			return nil, fmt.Errorf("depth asks: %w", err)
		}
		return models.DepthDiffEvent{
			Sym:           d.Symbol,
			EventTS:       d.EventTime * 1000,
			FirstUpdateID: d.FirstID,
			FinalUpdateID: d.FinalID,
			Bids:          bids,
			Asks:          asks,
		}, nil
	}
	return nil, nil
}

func parseRawLevels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
