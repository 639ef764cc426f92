package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosim/config"
	"cryptosim/internal/cache"
	"cryptosim/internal/distribution"
	"cryptosim/internal/subscription"
	"cryptosim/logger"
	"cryptosim/models"
)

// fakeExchange accepts websocket connections, records the control frames it
// receives and lets the test push frames to the latest connection.
type fakeExchange struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	controls chan subscription.ControlMessage
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{
		conns:    make(chan *websocket.Conn, 8),
		controls: make(chan subscription.ControlMessage, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fx.conns <- conn
		for {
			var msg subscription.ControlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fx.controls <- msg
		}
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http")
}

func (fx *fakeExchange) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fx.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection from client")
		return nil
	}
}

func (fx *fakeExchange) control(t *testing.T) subscription.ControlMessage {
	t.Helper()
	select {
	case m := <-fx.controls:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no control frame from client")
		return subscription.ControlMessage{}
	}
}

func waitEvent(t *testing.T, ch <-chan distribution.Event, name string) distribution.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Name == name {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s not received", name)
			return distribution.Event{}
		}
	}
}

type testFeed struct {
	client *Client
	store  *cache.Memory
	hub    *distribution.Hub
	events <-chan distribution.Event
}

func newTestFeed(t *testing.T, cfg config.FeedConfig, backfill Backfiller) *testFeed {
	t.Helper()
	store := cache.NewMemory(cache.DefaultLimits())
	hub := distribution.NewHub(256, nil)
	events, cancel := hub.Subscribe(nil)
	t.Cleanup(cancel)

	client, err := NewClient(cfg, Options{
		Store:         store,
		Publisher:     hub,
		Subscriptions: subscription.NewManager(5*time.Millisecond, nil),
		Backfill:      backfill,
		Logger:        logger.Discard(),
	})
	require.NoError(t, err)
	return &testFeed{client: client, store: store, hub: hub, events: events}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.FeedConfig{}, Options{})
	assert.Error(t, err)

	_, err = NewClient(config.FeedConfig{URL: "ws://x"}, Options{Publisher: distribution.NewHub(1, nil)})
	assert.Error(t, err)

	_, err = NewClient(config.FeedConfig{URL: "ws://x"}, Options{Store: cache.NewMemory(cache.DefaultLimits())})
	assert.Error(t, err)
}

func TestClientSubscribesAndDispatches(t *testing.T) {
	fx := newFakeExchange(t)
	tf := newTestFeed(t, config.FeedConfig{URL: fx.url(), ReconnectDelay: 20 * time.Millisecond}, nil)

	delta := tf.client.Subscribe("BTCUSDT", []string{"1m"})
	assert.Len(t, delta, 3)

	require.NoError(t, tf.client.Start(context.Background()))
	defer tf.client.Stop()
	assert.Error(t, tf.client.Start(context.Background()))

	conn := fx.accept(t)

	first := fx.control(t)
	assert.Equal(t, subscription.MethodSubscribe, first.Method)
	assert.Equal(t, []string{subscription.MiniTickerChannel}, first.Params)
	second := fx.control(t)
	assert.Equal(t, []string{"btcusdt@depth", "btcusdt@kline_1m", "btcusdt@trade"}, second.Params)
	require.Eventually(t, tf.client.Connected, time.Second, time.Millisecond)

	frames := []string{
		`{"result":null,"id":1}`,
		`garbage`,
		`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":60000,"T":119999,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"4","x":false}}}`,
		`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","t":7,"p":"42000.5","q":"0.01","T":1700000000000}}`,
		`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT","b":[["42000","1"]],"a":[["42001","2"]]}}`,
		`{"stream":"!miniTicker@arr","data":[{"e":"24hrMiniTicker","s":"BTCUSDT","c":"42000.5","o":"40000","v":"100"}]}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	kline := waitEvent(t, tf.events, distribution.KlineEvent("BTCUSDT", "1m"))
	kp := kline.Payload.(distribution.KlinePayload)
	require.Len(t, kp.Candles, 1)
	assert.Equal(t, 2.0, kp.Candles[0].Close)

	trade := waitEvent(t, tf.events, distribution.TradeEvent("BTCUSDT"))
	tp := trade.Payload.(distribution.TradePayload)
	require.Len(t, tp.Trades, 1)
	assert.Equal(t, int64(7), tp.Trades[0].TradeID)

	depth := waitEvent(t, tf.events, distribution.DepthEvent("BTCUSDT"))
	assert.Equal(t, 42001.0, depth.Payload.(distribution.DepthPayload).Asks[0].Price)

	market := waitEvent(t, tf.events, distribution.MarketData)
	tickers := market.Payload.([]models.TickerSnapshot)
	require.Len(t, tickers, 1)
	assert.Equal(t, 5.0, tickers[0].PercentChange)

	ctx := context.Background()
	price, ok, err := tf.store.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42000.5, price.Price)

	candles, err := tf.store.Candles(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Len(t, candles, 1)

	// the malformed frame did not break the connection
	assert.True(t, tf.client.Connected())
	assert.False(t, tf.client.IsDegraded())
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	fx := newFakeExchange(t)
	tf := newTestFeed(t, config.FeedConfig{URL: fx.url(), ReconnectDelay: 20 * time.Millisecond}, nil)

	require.NoError(t, tf.client.Start(context.Background()))
	defer tf.client.Stop()

	conn := fx.accept(t)
	assert.Equal(t, []string{subscription.MiniTickerChannel}, fx.control(t).Params)

	tf.client.Subscribe("ethusdt", []string{"5m"})
	assert.Equal(t, []string{"ethusdt@depth", "ethusdt@kline_5m", "ethusdt@trade"}, fx.control(t).Params)

	conn.Close()

	fx.accept(t)
	first := fx.control(t)
	assert.Equal(t, []string{subscription.MiniTickerChannel}, first.Params)
	second := fx.control(t)
	assert.Equal(t, subscription.MethodSubscribe, second.Method)
	assert.Equal(t, []string{"ethusdt@depth", "ethusdt@kline_5m", "ethusdt@trade"}, second.Params)
	assert.False(t, tf.client.IsDegraded())
}

func TestClientDegradesAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tf := newTestFeed(t, config.FeedConfig{
		URL:                  url,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, nil)
	require.NoError(t, tf.client.Start(context.Background()))
	defer tf.client.Stop()

	select {
	case <-tf.client.Degraded():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not degrade")
	}
	assert.True(t, tf.client.IsDegraded())
	assert.False(t, tf.client.Connected())
}

type stubBackfill struct {
	candles []models.Candle
	calls   chan string
}

func (s *stubBackfill) Klines(_ context.Context, symbol, interval string, _ int) ([]models.Candle, error) {
	s.calls <- symbol + ":" + interval
	return s.candles, nil
}

func TestClientBackfillSeedsSeries(t *testing.T) {
	fx := newFakeExchange(t)
	bf := &stubBackfill{
		candles: []models.Candle{{OpenTime: 1000, Close: 1}, {OpenTime: 2000, Close: 2}},
		calls:   make(chan string, 4),
	}
	tf := newTestFeed(t, config.FeedConfig{URL: fx.url(), ReconnectDelay: 20 * time.Millisecond}, bf)

	require.NoError(t, tf.client.Start(context.Background()))
	defer tf.client.Stop()

	tf.client.Subscribe("BTCUSDT", []string{"1m"})
	assert.Equal(t, "BTCUSDT:1m", <-bf.calls)

	e := waitEvent(t, tf.events, distribution.KlineEvent("BTCUSDT", "1m"))
	assert.Len(t, e.Payload.(distribution.KlinePayload).Candles, 2)

	candles, err := tf.store.Candles(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(2000), candles[1].OpenTime)

	// an already active subscription is not backfilled again
	assert.Empty(t, tf.client.Subscribe("BTCUSDT", []string{"1m"}))
	select {
	case call := <-bf.calls:
		t.Fatalf("unexpected backfill %s", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackfillAfterLiveKlineKeepsLiveCandle(t *testing.T) {
	tf := newTestFeed(t, config.FeedConfig{URL: "ws://unused"}, nil)
	ctx := context.Background()

	tf.client.handle(ctx, []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":180000,"T":239999,"i":"1m","o":"100","c":"105","h":"106","l":"99","v":"4","x":false}}}`))
	tf.client.applyBackfill(ctx, &backfillBatch{
		symbol:   "BTCUSDT",
		interval: "1m",
		candles: []models.Candle{
			{OpenTime: 60000, Close: 99},
			{OpenTime: 120000, Close: 100},
			{OpenTime: 180000, Close: 101},
		},
	})

	candles, err := tf.store.Candles(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, int64(60000), candles[0].OpenTime)
	assert.Equal(t, 105.0, candles[2].Close)

	waitEvent(t, tf.events, distribution.KlineEvent("BTCUSDT", "1m"))
	e := waitEvent(t, tf.events, distribution.KlineEvent("BTCUSDT", "1m"))
	seeded := e.Payload.(distribution.KlinePayload).Candles
	require.Len(t, seeded, 3)
	assert.Equal(t, 105.0, seeded[2].Close)
}

func TestClientWarnsOnControlError(t *testing.T) {
	log := logger.Discard()
	log.SetLevel(logrus.WarnLevel)
	hook := logtest.NewLocal(log.Logger)
	client, err := NewClient(config.FeedConfig{URL: "ws://unused"}, Options{
		Store:     cache.NewMemory(cache.DefaultLimits()),
		Publisher: distribution.NewHub(4, nil),
		Logger:    log,
	})
	require.NoError(t, err)

	client.handle(context.Background(), []byte(`{"result":null,"id":2}`))
	assert.Empty(t, hook.AllEntries())

	client.handle(context.Background(), []byte(`{"error":{"code":2,"msg":"Invalid request"},"id":3}`))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, int64(3), entry.Data["id"])
	assert.Equal(t, 2, entry.Data["code"])
	assert.Equal(t, "Invalid request", entry.Data["msg"])
}
