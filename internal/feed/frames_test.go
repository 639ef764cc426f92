package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosim/internal/exception"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   FrameKind
		stream string
	}{
		{"mini ticker array", `[{"e":"24hrMiniTicker","s":"BTCUSDT","c":"1","o":"1","v":"1"}]`, FrameMiniTicker, ""},
		{"combined mini ticker", `{"stream":"!miniTicker@arr","data":[]}`, FrameMiniTicker, "!miniTicker@arr"},
		{"combined kline", `{"stream":"btcusdt@kline_1m","data":{"e":"kline"}}`, FrameKline, "btcusdt@kline_1m"},
		{"combined depth", `{"stream":"btcusdt@depth","data":{"e":"depthUpdate"}}`, FrameDepth, "btcusdt@depth"},
		{"combined trade", `{"stream":"btcusdt@trade","data":{"e":"trade"}}`, FrameTrade, "btcusdt@trade"},
		{"bare trade", `{"e":"trade","E":1700000000000,"s":"ETHUSDT","p":"1","q":"1"}`, FrameTrade, "trade"},
		{"bare kline", `{"e":"kline","s":"ETHUSDT"}`, FrameKline, "kline"},
		{"ack", `{"result":null,"id":3}`, FrameAck, ""},
		{"control error", `{"error":{"code":2,"msg":"Invalid request"},"id":3}`, FrameError, ""},
		{"unknown", `{"e":"bookTicker"}`, FrameUnknown, "bookTicker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := classify([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, f.kind)
			assert.Equal(t, tt.stream, f.stream)
		})
	}
}

func TestClassifyControlError(t *testing.T) {
	f, err := classify([]byte(`{"error":{"code":2,"msg":"Invalid request: unknown property"},"id":7}`))
	require.NoError(t, err)
	require.Equal(t, FrameError, f.kind)
	assert.Equal(t, int64(7), f.id)
	assert.Equal(t, 2, f.err.Code)
	assert.Equal(t, "Invalid request: unknown property", f.err.Msg)
	assert.Equal(t, "error", f.kind.String())
}

func TestClassifyMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not json", `{"stream":`} {
		_, err := classify([]byte(raw))
		assert.ErrorIs(t, err, exception.ErrMalformedFrame, raw)
	}
}

func TestDecodeKline(t *testing.T) {
	f, err := classify([]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT",
		"k":{"t":60000,"T":119999,"s":"BTCUSDT","i":"1m","o":"100.5","c":"101","h":"102","l":"99.5","v":"12.25","x":true}}}`))
	require.NoError(t, err)

	u, err := decodeKline(f)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", u.symbol)
	assert.Equal(t, "1m", u.interval)
	assert.Equal(t, int64(60000), u.candle.OpenTime)
	assert.Equal(t, 100.5, u.candle.Open)
	assert.Equal(t, 102.0, u.candle.High)
	assert.Equal(t, 99.5, u.candle.Low)
	assert.Equal(t, 101.0, u.candle.Close)
	assert.Equal(t, 12.25, u.candle.Volume)
	assert.True(t, u.candle.Closed)
}

func TestDecodeKlineBadNumber(t *testing.T) {
	f, err := classify([]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT",
		"k":{"t":60000,"i":"1m","o":"abc","c":"1","h":"1","l":"1","v":"1"}}}`))
	require.NoError(t, err)
	_, err = decodeKline(f)
	assert.ErrorIs(t, err, exception.ErrMalformedFrame)
}

func TestDecodeTradeSymbolFromStream(t *testing.T) {
	f, err := classify([]byte(`{"stream":"ethusdt@trade","data":{"e":"trade","t":42,"p":"2500.5","q":"0.1","T":1700000000000}}`))
	require.NoError(t, err)

	e, err := decodeTrade(f)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", e.Symbol)
	assert.Equal(t, int64(42), e.TradeID)
	assert.Equal(t, 2500.5, e.Price)
	assert.Equal(t, 0.1, e.Quantity)
	assert.Equal(t, int64(1700000000000), e.ExecTime)
}

func TestDecodeDepthTruncatesLevels(t *testing.T) {
	f, err := classify([]byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT",
		"b":[["100","1"],["99","2"],["98","3"]],"a":[["101","1"]]}}`))
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	sym, snap, err := decodeDepth(f, 2, now)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 100.0, snap.Bids[0].Price)
	assert.Equal(t, 2.0, snap.Bids[1].Quantity)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, now, snap.CapturedAt)
}

func TestDecodeDepthPartialBook(t *testing.T) {
	f, err := classify([]byte(`{"stream":"btcusdt@depth10","data":{"lastUpdateId":1,"bids":[["1","2"]],"asks":[["3","4"]]}}`))
	require.NoError(t, err)
	require.Equal(t, FrameDepth, f.kind)

	sym, snap, err := decodeDepth(f, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, 3.0, snap.Asks[0].Price)
}

func TestDecodeMiniTickers(t *testing.T) {
	f, err := classify([]byte(`[
		{"e":"24hrMiniTicker","s":"BTCUSDT","c":"101.234","o":"100","v":"10"},
		{"e":"24hrMiniTicker","s":"ETHUSDT","c":"oops","o":"1","v":"1"},
		{"e":"24hrMiniTicker","s":"","c":"1","o":"1","v":"1"}
	]`))
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	tickers, skipped, err := decodeMiniTickers(f, now)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, tickers, 1)
	assert.Equal(t, "BTCUSDT", tickers[0].Symbol)
	assert.Equal(t, 101.234, tickers[0].Price)
	assert.Equal(t, 10.0, tickers[0].Volume)
	assert.Equal(t, 1.23, tickers[0].PercentChange)
	assert.Equal(t, now, tickers[0].CapturedAt)
}

func TestPercentChange(t *testing.T) {
	assert.Equal(t, 0.0, percentChange(0, 10))
	assert.Equal(t, -50.0, percentChange(10, 5))
	assert.Equal(t, 0.67, percentChange(3, 3.02))
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "kline", FrameKline.String())
	assert.Equal(t, "mini_ticker", FrameMiniTicker.String())
	assert.Equal(t, "unknown", FrameKind(99).String())
}
