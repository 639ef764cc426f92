package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosim/config"
)

func TestRESTBackfillerKlines(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		query = map[string]string{
			"symbol":   r.URL.Query().Get("symbol"),
			"interval": r.URL.Query().Get("interval"),
			"limit":    r.URL.Query().Get("limit"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[60000,"100","110","90","105","12.5",119999,"1300",10,"6","650","0"],
			[120000,"105","106","104","105.5","3",4102444800000,"316",3,"1","105","0"]
		]`))
	}))
	defer srv.Close()

	b := NewRESTBackfiller(config.BackfillConfig{RESTURL: srv.URL + "/", Timeout: time.Second})
	b.now = func() time.Time { return time.UnixMilli(150000) }

	candles, err := b.Klines(context.Background(), "btcusdt", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", query["symbol"])
	assert.Equal(t, "1m", query["interval"])
	assert.Equal(t, "2", query["limit"])

	require.Len(t, candles, 2)
	assert.Equal(t, int64(60000), candles[0].OpenTime)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 110.0, candles[0].High)
	assert.Equal(t, 90.0, candles[0].Low)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 12.5, candles[0].Volume)
	assert.True(t, candles[0].Closed)
	assert.False(t, candles[1].Closed)
}

func TestRESTBackfillerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	b := NewRESTBackfiller(config.BackfillConfig{RESTURL: srv.URL})
	_, err := b.Klines(context.Background(), "NOPE", "1m", 10)
	assert.Error(t, err)
}
