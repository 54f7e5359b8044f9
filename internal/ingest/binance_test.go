package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/btcstream/internal/models"
)

func newParser() *BinanceWS {
	return NewBinanceWS("wss://example.test", "BTCUSDT", nil)
}

func TestParseTradeFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":42,"p":"100.01","q":"0.5","T":1700000000120,"m":false}}`)

	ev, err := newParser().parse(raw)
	require.NoError(t, err)
	trade, ok := ev.(models.TradeEvent)
	require.True(t, ok)

	assert.Equal(t, "BTCUSDT", trade.Sym)
	assert.Equal(t, int64(42), trade.SeqID, "trade id doubles as the sequence id")
	assert.Equal(t, int64(1700000000120_000), trade.EventTS)
	assert.Equal(t, 100.01, trade.Price)
	assert.Equal(t, 0.5, trade.Size)
	assert.False(t, trade.BuyerIsMaker)
	assert.NoError(t, trade.Validate())
}

func TestParseBookTickerFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@bookTicker","data":{"u":400900217,"s":"BTCUSDT","b":"100.00","B":"1.5","a":"100.02","A":"2.0"}}`)

	ev, err := newParser().parse(raw)
	require.NoError(t, err)
	quote, ok := ev.(models.BookTickerEvent)
	require.True(t, ok)

	assert.Equal(t, 100.00, quote.BidPx)
	assert.Equal(t, 1.5, quote.BidSz)
	assert.Equal(t, 100.02, quote.AskPx)
	assert.Equal(t, 2.0, quote.AskSz)
	assert.Greater(t, quote.EventTS, int64(0), "quote frames are stamped on receipt")
	assert.NoError(t, quote.Validate())
}

func TestParseDepthFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000500,"s":"BTCUSDT","U":157,"u":160,"b":[["100.00","2.0"],["99.99","0"]],"a":[["100.02","1.0"]]}}`)

	ev, err := newParser().parse(raw)
	require.NoError(t, err)
	depth, ok := ev.(models.DepthDiffEvent)
	require.True(t, ok)

	assert.Equal(t, int64(157), depth.FirstUpdateID)
	assert.Equal(t, int64(160), depth.FinalUpdateID)
	require.Len(t, depth.Bids, 2)
	assert.Equal(t, models.PriceLevel{Price: 99.99, Size: 0}, depth.Bids[1], "zero size means level removal")
	assert.NoError(t, depth.Validate())
}

func TestParseUnknownStreamIgnored(t *testing.T) {
	ev, err := newParser().parse([]byte(`{"stream":"btcusdt@kline_1m","data":{}}`))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseBadPayload(t *testing.T) {
	_, err := newParser().parse([]byte(`{"stream":"btcusdt@trade","data":{"p":"not-a-price","q":"1"}}`))
	assert.Error(t, err)

	_, err = newParser().parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	f := NewBinanceWS("wss://stream.binance.com:9443", "BTCUSDT", nil)
	assert.Equal(t,
		"wss://stream.binance.com:9443/stream?streams=btcusdt@trade/btcusdt@bookTicker/btcusdt@depth@100ms",
		f.streamURL())
}

func TestChannelFeedDelivery(t *testing.T) {
	f := NewChannelFeed(4)
	f.Push(models.TradeEvent{Sym: "BTCUSDT", EventTS: 1, SeqID: 1, Price: 100, Size: 1})
	f.Close()

	ev, ok := <-f.Events()
	require.True(t, ok)
	assert.Equal(t, models.KindTrade, ev.Kind())

	_, ok = <-f.Events()
	assert.False(t, ok, "closed feed must signal end of input")
}
