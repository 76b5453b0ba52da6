package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"depthfeed/internal/config"
	"depthfeed/internal/exchange"
	"depthfeed/internal/metrics"
	"depthfeed/internal/orderbook"
	"depthfeed/internal/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	state  exchange.SessionState
	health exchange.HealthStatus
}

func (f *fakeFeed) GetName() exchange.FeedName    { return exchange.DhanTwentyDepth }
func (f *fakeFeed) State() exchange.SessionState  { return f.state }
func (f *fakeFeed) Health() exchange.HealthStatus { return f.health }

func testServerConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.Addr = "127.0.0.1:0"
	cfg.PushInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func uniform(price float64, qty uint32) []types.DepthLevel {
	levels := make([]types.DepthLevel, types.DepthLevels)
	for i := range levels {
		levels[i] = types.DepthLevel{Price: price, Quantity: qty, Orders: 1}
	}
	return levels
}

func filledBook(t *testing.T) *orderbook.OrderBook {
	t.Helper()
	book := orderbook.New()

	bids := make([]types.DepthLevel, types.DepthLevels)
	offers := make([]types.DepthLevel, types.DepthLevels)
	for i := range bids {
		bids[i] = types.DepthLevel{Price: 100.5 - float64(i)*0.25, Quantity: 10, Orders: 1}
		offers[i] = types.DepthLevel{Price: 101 + float64(i)*0.25, Quantity: 5, Orders: 2}
	}
	require.NoError(t, book.ReplaceBids(bids))
	require.NoError(t, book.ReplaceOffers(offers))
	return book
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestMarketDepthEmpty(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/get_market_depth")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"bids":[],"offers":[]}`, rec.Body.String())
}

func TestMarketDepthReturnsStoreContents(t *testing.T) {
	book := orderbook.New()
	require.NoError(t, book.ReplaceBids(uniform(100.5, 10)))
	require.NoError(t, book.ReplaceOffers(uniform(101.0, 5)))

	s := New(testServerConfig(), book, nil, nil, zerolog.Nop())
	rec := get(t, s.Handler(), "/get_market_depth")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uniform(100.5, 10), snap.Bids)
	assert.Equal(t, uniform(101.0, 5), snap.Offers)

	assert.Contains(t, rec.Body.String(), `{"price":100.5,"quantity":10,"orders":1}`)
}

func TestMarketDepthOnlyBids(t *testing.T) {
	book := orderbook.New()
	require.NoError(t, book.ReplaceBids(uniform(100.5, 10)))

	s := New(testServerConfig(), book, nil, nil, zerolog.Nop())
	rec := get(t, s.Handler(), "/get_market_depth")

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Bids, types.DepthLevels)
	assert.NotNil(t, snap.Offers)
	assert.Empty(t, snap.Offers)
}

func TestMarketDepthNonFinitePrice(t *testing.T) {
	book := orderbook.New()
	bids := uniform(100.5, 10)
	bids[19].Price = math.NaN()
	offers := uniform(101.0, 5)
	offers[0].Price = math.Inf(1)
	require.NoError(t, book.ReplaceBids(bids))
	require.NoError(t, book.ReplaceOffers(offers))

	s := New(testServerConfig(), book, nil, nil, zerolog.Nop())
	rec := get(t, s.Handler(), "/get_market_depth")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())

	var raw struct {
		Bids   []map[string]interface{} `json:"bids"`
		Offers []map[string]interface{} `json:"offers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.Bids, types.DepthLevels)
	require.Len(t, raw.Offers, types.DepthLevels)
	assert.Equal(t, 100.5, raw.Bids[0]["price"])
	assert.Nil(t, raw.Bids[19]["price"])
	assert.Equal(t, 10.0, raw.Bids[19]["quantity"])
	assert.Nil(t, raw.Offers[0]["price"])
	assert.Equal(t, 101.0, raw.Offers[1]["price"])
}

func TestDepthNonFinitePrice(t *testing.T) {
	book := orderbook.New()
	bids := uniform(100.5, 10)
	bids[3].Price = math.NaN()
	require.NoError(t, book.ReplaceBids(bids))

	s := New(testServerConfig(), book, nil, nil, zerolog.Nop())
	rec := get(t, s.Handler(), "/depth")
	require.Equal(t, http.StatusOK, rec.Code)

	var msg DepthMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, []types.DepthLevel{{Price: 100.5, Quantity: 190, Orders: 19}}, msg.Bids)
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEqual(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMarketDepthRejectsPost(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/get_market_depth", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDepthAggregated(t *testing.T) {
	s := New(testServerConfig(), filledBook(t), &fakeFeed{}, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/depth?tick=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var msg DepthMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))

	assert.Equal(t, MessageTypeDepth, msg.Type)
	assert.Equal(t, string(exchange.DhanTwentyDepth), msg.Feed)
	assert.Equal(t, 1.0, msg.Tick)

	// bids 100.5 .. 95.75 floor into 100 .. 95
	require.NotEmpty(t, msg.Bids)
	assert.Equal(t, 100.0, msg.Bids[0].Price)
	assert.Equal(t, uint32(30), msg.Bids[0].Quantity) // 100.5, 100.25, 100.0
	assert.Equal(t, 95.0, msg.Bids[len(msg.Bids)-1].Price)

	// offers 101 .. 105.75 ceil into 101 .. 106
	require.NotEmpty(t, msg.Offers)
	assert.Equal(t, 101.0, msg.Offers[0].Price)
	assert.Equal(t, uint32(5), msg.Offers[0].Quantity)
	assert.Equal(t, 106.0, msg.Offers[len(msg.Offers)-1].Price)

	assert.Equal(t, "100.5", msg.Stats.BestBid)
	assert.Equal(t, "101", msg.Stats.BestAsk)
	assert.Equal(t, "0.5", msg.Stats.Spread)
	assert.Equal(t, uint64(40), msg.Stats.TotalAskOrders)
	assert.NotZero(t, msg.Stats.LastUpdate)
}

func TestDepthDefaultTickIsRaw(t *testing.T) {
	s := New(testServerConfig(), filledBook(t), nil, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/depth")
	require.Equal(t, http.StatusOK, rec.Code)

	var msg DepthMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Len(t, msg.Bids, types.DepthLevels)
	assert.Len(t, msg.Offers, types.DepthLevels)
	assert.Equal(t, 100.5, msg.Bids[0].Price)
	assert.Equal(t, 101.0, msg.Offers[0].Price)
	assert.Empty(t, msg.Feed)
}

func TestDepthInvalidTick(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	for _, tick := range []string{"abc", "0.3", "-1"} {
		rec := get(t, s.Handler(), "/depth?tick="+tick)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "tick=%s", tick)
	}
}

func TestDepthEmptyBook(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/depth?tick=0.05")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.JSONEq(t, `[]`, string(raw["bids"]))
	assert.JSONEq(t, `[]`, string(raw["offers"]))
}

func TestHealthz(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	feed := &fakeFeed{state: exchange.StateConnecting}
	s := New(testServerConfig(), orderbook.New(), feed, nil, zerolog.Nop())

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/readyz").Code)

	feed.state = exchange.StateStreaming
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/readyz").Code)

	noFeed := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, noFeed.Handler(), "/readyz").Code)
}

func TestStatus(t *testing.T) {
	feed := &fakeFeed{
		state: exchange.StateStreaming,
		health: exchange.HealthStatus{
			State:        exchange.StateStreaming,
			StateName:    exchange.StateStreaming.String(),
			Connected:    true,
			ConnID:       "c-1",
			MessageCount: 42,
			Reconnects:   3,
		},
	}
	s := New(testServerConfig(), orderbook.New(), feed, nil, zerolog.Nop())

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "streaming", body["state"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "c-1", body["connId"])
	assert.Equal(t, 42.0, body["messageCount"])
	assert.Equal(t, 3.0, body["reconnects"])

	noFeed := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, noFeed.Handler(), "/status").Code)
}

func TestStatusDoesNotExposeCredentials(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), &fakeFeed{}, nil, zerolog.Nop())

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/config").Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := metrics.NewRegistry(zerolog.Nop())
	m := metrics.New(reg)
	m.Reconnects.WithLabelValues("dial").Inc()

	s := New(testServerConfig(), orderbook.New(), nil, reg, zerolog.Nop())
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `depth_feed_reconnects_total{reason="dial"} 1`)

	noMetrics := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, noMetrics.Handler(), "/metrics").Code)
}

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		s.clientsMux.RLock()
		defer s.clientsMux.RUnlock()
		return len(s.clients) == 1
	}, time.Second, 5*time.Millisecond)

	return conn
}

func TestWebSocketPush(t *testing.T) {
	s := New(testServerConfig(), filledBook(t), &fakeFeed{}, nil, zerolog.Nop())
	conn := dialWS(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.startDataPush(ctx)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg DepthMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, MessageTypeDepth, msg.Type)
	assert.Len(t, msg.Bids, types.DepthLevels)
	assert.Equal(t, "100.5", msg.Stats.BestBid)
}

func TestWebSocketSetTick(t *testing.T) {
	s := New(testServerConfig(), filledBook(t), &fakeFeed{}, nil, zerolog.Nop())
	conn := dialWS(t, s)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 5}))
	require.Eventually(t, func() bool {
		return s.currentTick() == types.Tick5
	}, time.Second, 5*time.Millisecond)

	// invalid ticks are ignored
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 3}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_tick", Tick: 10}))
	require.Eventually(t, func() bool {
		return s.currentTick() == types.Tick10
	}, time.Second, 5*time.Millisecond)

	s.broadcast(s.buildDepthMessage(s.currentTick(), time.Now().UnixMilli()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg DepthMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, 10.0, msg.Tick)
	// 100.5 .. 100.0 floor to 100, 99.75 .. 95.75 floor to 90
	require.Len(t, msg.Bids, 2)
	assert.Equal(t, types.DepthLevel{Price: 100, Quantity: 30, Orders: 3}, msg.Bids[0])
	assert.Equal(t, types.DepthLevel{Price: 90, Quantity: 170, Orders: 17}, msg.Bids[1])
}

func TestWebSocketClientRemovedOnClose(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())
	conn := dialWS(t, s)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		s.clientsMux.RLock()
		defer s.clientsMux.RUnlock()
		return len(s.clients) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New(testServerConfig(), orderbook.New(), nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartReportsListenError(t *testing.T) {
	cfg := testServerConfig()
	cfg.Addr = "256.0.0.1:bad"
	s := New(cfg, orderbook.New(), nil, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	assert.Error(t, s.Start(ctx))
}
