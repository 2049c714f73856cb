package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	authAccept = "accept"
	authReject = "reject"
	authSilent = "silent"
)

type serverConn struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
}

func (sc *serverConn) send(t *testing.T, payload string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.NoError(t, sc.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// fakeStream 模拟行情服务端：记录每个连接收到的消息，按配置应答鉴权
type fakeStream struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	auth  string
	conns []*serverConn
}

func newFakeStream(t *testing.T, auth string) *fakeStream {
	fs := &fakeStream{t: t, auth: auth}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStream) url() string {
	return "ws://" + strings.TrimPrefix(fs.srv.URL, "http://")
}

func (fs *fakeStream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	fs.mu.Lock()
	fs.conns = append(fs.conns, sc)
	auth := fs.auth
	fs.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(msg, &m) != nil {
			continue
		}
		sc.mu.Lock()
		sc.received = append(sc.received, m)
		sc.mu.Unlock()

		if id, _ := m["id"].(float64); id == authRequestID {
			switch auth {
			case authAccept:
				sc.mu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":{"client":"c1","version":"2"}}`))
				sc.mu.Unlock()
			case authReject:
				sc.mu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":false}`))
				sc.mu.Unlock()
			}
		}
	}
}

func (fs *fakeStream) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeStream) conn(i int) *serverConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[i]
}

// channelRequests 某个连接上收到的订阅/退订请求
func (sc *serverConn) channelRequests(method int) []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []string
	for _, m := range sc.received {
		if mth, _ := m["method"].(float64); int(mth) != method {
			continue
		}
		params, _ := m["params"].(map[string]any)
		ch, _ := params["channel"].(string)
		out = append(out, ch)
	}
	return out
}

func (sc *serverConn) messages() []map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]map[string]any(nil), sc.received...)
}

type fakePriceStore struct {
	mu     sync.Mutex
	klines []model.KLine
}

func (s *fakePriceStore) InsertMany(_ context.Context, klines []model.KLine) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines = append(s.klines, klines...)
	return int64(len(klines)), nil
}

func (s *fakePriceStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.klines)
}

func newTestConnector(fs *fakeStream, bus *events.Bus, store PriceStore) *Connector {
	return NewConnector(StreamConfig{
		URL:            fs.url(),
		Token:          "tok",
		QuoteCurrency:  "idr",
		AuthTimeout:    300 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
		PingInterval:   time.Second,
	}, bus, store, zap.NewNop())
}

func tradePush(pair string, seq int64, price float64) string {
	row, _ := json.Marshal([]any{pair, 1700000000 + seq, seq, "buy", price, price * 0.01, 0.01})
	return `{"result":{"channel":"market:trade-activity-` + pair + `","data":{"data":[` + string(row) + `],"offset":` + "1" + `}}}`
}

func TestConnectAuthenticatesThenSubscribes(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("test", 16, events.Connected)
	c := newTestConnector(fs, bus, nil)
	defer c.Disconnect()

	// 未连接时订阅被延迟
	require.NoError(t, c.Subscribe("BTCIDR"))
	assert.True(t, c.IsSubscribed("btcidr"))
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.Connected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	sc := fs.conn(0)
	require.Eventually(t, func() bool { return len(sc.messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	msgs := sc.messages()
	assert.Equal(t, map[string]any{"params": map[string]any{"token": "tok"}, "id": float64(1)}, msgs[0])
	assert.Equal(t, float64(2), msgs[1]["id"])
	assert.Equal(t, float64(3), msgs[2]["id"])
	assert.ElementsMatch(t,
		[]string{"market:trade-activity-btcidr", "market:order-book-btcidr"},
		sc.channelRequests(methodSubscribe))
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	c := newTestConnector(fs, nil, nil)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fs.connCount())
}

func TestAuthTimeout(t *testing.T) {
	fs := newFakeStream(t, authSilent)
	c := newTestConnector(fs, nil, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthTimeout))
	assert.False(t, c.Connected())
}

func TestAuthRejected(t *testing.T) {
	fs := newFakeStream(t, authReject)
	c := newTestConnector(fs, nil, nil)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.False(t, c.Connected())
}

func TestReconnectOnceAndResubscribe(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("test", 16, events.Disconnected)
	c := newTestConnector(fs, bus, nil)
	defer c.Disconnect()

	require.NoError(t, c.Subscribe("btcidr"))
	require.NoError(t, c.Subscribe("ethidr"))
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(fs.conn(0).channelRequests(methodSubscribe)) == 4 },
		2*time.Second, 10*time.Millisecond)

	// 服务端断开
	_ = fs.conn(0).conn.Close()

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.Disconnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}

	require.Eventually(t, func() bool { return fs.connCount() == 2 && c.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(fs.conn(1).channelRequests(methodSubscribe)) == 4 },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, fs.connCount())
	assert.Equal(t, int64(1), c.ReconnectAttempts())
	assert.ElementsMatch(t, []string{
		"market:trade-activity-btcidr", "market:order-book-btcidr",
		"market:trade-activity-ethidr", "market:order-book-ethidr",
	}, fs.conn(1).channelRequests(methodSubscribe))
}

func TestDuplicateSubscribeAndUnsubscribe(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	c := newTestConnector(fs, nil, nil)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("btcidr"))
	require.NoError(t, c.Subscribe("btcidr"))

	sc := fs.conn(0)
	require.Eventually(t, func() bool { return len(sc.channelRequests(methodSubscribe)) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sc.channelRequests(methodSubscribe), 2)
	assert.Equal(t, []string{"btcidr"}, c.Symbols())

	require.NoError(t, c.Unsubscribe("btcidr"))
	require.NoError(t, c.Unsubscribe("btcidr"))
	require.Eventually(t, func() bool { return len(sc.channelRequests(methodUnsubscribe)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.IsSubscribed("btcidr"))
	assert.Empty(t, c.Symbols())
}

func TestTradePushesUpdateStateAndPersistCandles(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	bus := events.NewBus(zap.NewNop())
	prices := bus.Subscribe("prices", 64, events.Price)
	store := &fakePriceStore{}
	c := newTestConnector(fs, bus, store)
	defer c.Disconnect()

	require.NoError(t, c.Subscribe("btcidr"))
	require.NoError(t, c.Connect(context.Background()))
	sc := fs.conn(0)

	for i := int64(1); i <= 5; i++ {
		sc.send(t, tradePush("btcidr", i, 100+float64(i)))
	}
	// 坏消息被丢弃，连接保持
	sc.send(t, `garbage`)
	sc.send(t, `{"result":{"channel":"market:trade-activity-btcidr","data":[["btcidr","x"]]}}`)
	for i := int64(6); i <= 12; i++ {
		sc.send(t, tradePush("btcidr", i, 100+float64(i)))
	}

	require.Eventually(t, func() bool {
		p, ok := c.Price("btcidr")
		return ok && p == 112
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
	assert.Len(t, c.Trades("btcidr", 0), 12)
	assert.Len(t, c.Trades("btcidr", 3), 3)

	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-prices.C:
		update, ok := ev.Payload.(model.PriceUpdate)
		require.True(t, ok)
		assert.Equal(t, "btcidr", update.Symbol)
		assert.Equal(t, 101.0, update.Price)
	case <-time.After(time.Second):
		t.Fatal("no price event")
	}

	// 未订阅的交易对被忽略
	sc.send(t, tradePush("dogeidr", 1, 5))
	time.Sleep(50 * time.Millisecond)
	_, ok := c.Price("dogeidr")
	assert.False(t, ok)
}

func TestOrderBookPushReplacesSnapshot(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	c := newTestConnector(fs, nil, nil)
	defer c.Disconnect()

	require.NoError(t, c.Subscribe("btcidr"))
	require.NoError(t, c.Connect(context.Background()))
	sc := fs.conn(0)

	sc.send(t, `{"result":{"channel":"market:order-book-btcidr","data":{"data":{"pair":"btcidr",
		"ask":[{"price":"101","btc_volume":"1"}],"bid":[{"price":"99","btc_volume":"2"}]},"offset":1}}}`)
	require.Eventually(t, func() bool { _, ok := c.OrderBook("btcidr"); return ok }, 2*time.Second, 10*time.Millisecond)

	sc.send(t, `{"result":{"channel":"market:order-book-btcidr","data":{"data":{"pair":"btcidr",
		"ask":[{"price":"102","btc_volume":"3"}],"bid":[{"price":"98","btc_volume":"4"},{"price":"97","btc_volume":"1"}]},"offset":2}}}`)
	require.Eventually(t, func() bool {
		ob, ok := c.OrderBook("btcidr")
		return ok && len(ob.Bids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ob, _ := c.OrderBook("btcidr")
	assert.Equal(t, 98.0, ob.Bids[0].Price)
	assert.Equal(t, 102.0, ob.Asks[0].Price)
	assert.Equal(t, 5.0, ob.BidDepth())
}

func TestDisconnectClearsStateAndStopsReconnect(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	c := newTestConnector(fs, nil, nil)

	require.NoError(t, c.Subscribe("btcidr"))
	require.NoError(t, c.Connect(context.Background()))
	fs.conn(0).send(t, tradePush("btcidr", 1, 100))
	require.Eventually(t, func() bool { _, ok := c.Price("btcidr"); return ok }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	assert.False(t, c.Connected())
	_, ok := c.Price("btcidr")
	assert.False(t, ok)
	assert.True(t, c.IsSubscribed("btcidr"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, fs.connCount())
	assert.Equal(t, int64(0), c.ReconnectAttempts())
}

func TestReconnectAfterDisconnectIsDropped(t *testing.T) {
	fs := newFakeStream(t, authAccept)
	c := newTestConnector(fs, nil, nil)

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	// 定时器在 Disconnect 之前已检查过状态，随后才发起连接
	require.NoError(t, c.connect(context.Background(), false))
	assert.False(t, c.Connected())
	assert.Equal(t, 1, fs.connCount())

	// 显式 Connect 仍然可以恢复
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.True(t, c.Connected())
	assert.Equal(t, 2, fs.connCount())
}
