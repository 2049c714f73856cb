package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrTransport 拨号、写入或连接被意外关闭
	ErrTransport = errors.New("api: stream transport error")
	// ErrAuthTimeout 鉴权在超时时间内没有成功应答
	ErrAuthTimeout = errors.New("api: stream authentication timed out")
	// ErrAuthRejected 服务端应答了 id=1 但 result 为假
	ErrAuthRejected = errors.New("api: stream authentication rejected")
)

// PriceStore 历史价格存储 (K 线写入是尽力而为的)
type PriceStore interface {
	InsertMany(ctx context.Context, klines []model.KLine) (int64, error)
}

// StreamConfig 行情流连接参数
type StreamConfig struct {
	URL             string
	Token           string
	QuoteCurrency   string
	AuthTimeout     time.Duration
	ReconnectDelay  time.Duration
	PingInterval    time.Duration
	TradeBufferSize int
	CandleEvery     int
}

func (c *StreamConfig) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.TradeBufferSize <= 0 {
		c.TradeBufferSize = model.DefaultTradeBufferSize
	}
	if c.CandleEvery <= 0 {
		c.CandleEvery = model.DefaultCandleEvery
	}
	if c.QuoteCurrency == "" {
		c.QuoteCurrency = "idr"
	}
}

// symbolState 每个交易对独立加锁
type symbolState struct {
	mu    sync.RWMutex
	state *model.SymbolMarketState
	agg   *model.KlineAggregator
}

// Connector 行情流客户端：单连接、单次鉴权、订阅集合、固定延迟重连
type Connector struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	bus    *events.Bus
	store  PriceStore
	logger *zap.Logger

	// mu 保护连接状态、订阅集合和请求 id；所有 WriteJSON 都在 mu 内完成
	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	stopped        bool
	subs           map[string]struct{}
	nextID         int64
	reconnectTimer *time.Timer

	statesMu sync.RWMutex
	states   map[string]*symbolState

	reconnects atomic.Int64
}

// NewConnector store 可以为 nil (不落盘 K 线)
func NewConnector(cfg StreamConfig, bus *events.Bus, store PriceStore, logger *zap.Logger) *Connector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Connector initialized", zap.String("URL", cfg.URL))

	return &Connector{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		bus:    bus,
		store:  store,
		logger: logger.With(zap.String("component", "stream")),
		subs:   make(map[string]struct{}),
		nextID: authRequestID,
		states: make(map[string]*symbolState),
	}
}

// Start 首次连接；失败时进入重连调度，不返回错误
func (c *Connector) Start(ctx context.Context) {
	if err := c.connect(ctx, true); err != nil {
		c.logger.Error("Initial stream connection failed", zap.Error(err))
		c.publish(events.Event{Type: events.Error, Payload: err})
		c.scheduleReconnect()
	}
}

// Connect 建立连接并鉴权；已连接或正在连接时直接返回 nil
// 显式调用会撤销之前的 Disconnect
func (c *Connector) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// connect resume=false 供重连定时器使用：已 Disconnect 时不再连接
func (c *Connector) connect(ctx context.Context, resume bool) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	if resume {
		c.stopped = false
	} else if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, err := c.dialAndAuthenticate(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		return err
	}
	if c.stopped {
		// 连接过程中被 Disconnect
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true

	c.logger.Info("Stream connected and authenticated")
	c.publish(events.Event{Type: events.Connected})

	for _, symbol := range c.sortedSubsLocked() {
		if err := c.sendChannelsLocked(symbol, methodSubscribe); err != nil {
			c.logger.Warn("Resubscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	return nil
}

func (c *Connector) dialAndAuthenticate(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	auth := authRequest{Params: authParams{Token: c.cfg.Token}, ID: authRequestID}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send auth: %v", ErrTransport, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrAuthTimeout
			}
			return nil, fmt.Errorf("%w: auth read: %v", ErrTransport, err)
		}
		var in inboundMessage
		if err := json.Unmarshal(msg, &in); err != nil || in.ID != authRequestID {
			continue
		}
		if !truthy(in.Result) {
			_ = conn.Close()
			return nil, ErrAuthRejected
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// Disconnect 主动断开：取消重连、清空市场状态；订阅集合保留给下次 Connect
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.statesMu.Lock()
	for _, st := range c.states {
		st.mu.Lock()
		st.state = model.NewSymbolMarketState(st.state.Symbol, c.cfg.TradeBufferSize)
		st.agg = model.NewKlineAggregator(st.state.Symbol, c.cfg.CandleEvery)
		st.mu.Unlock()
	}
	c.statesMu.Unlock()

	if wasConnected {
		c.publish(events.Event{Type: events.Disconnected})
	}
}

// Subscribe 加入订阅集合；未连接时延迟到下次连接成功后发送，重复订阅是空操作
func (c *Connector) Subscribe(symbol string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("api: empty symbol")
	}
	c.ensureState(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[symbol]; ok {
		return nil
	}
	c.subs[symbol] = struct{}{}
	if !c.connected {
		c.logger.Debug("Subscription deferred until connected", zap.String("symbol", symbol))
		return nil
	}
	return c.sendChannelsLocked(symbol, methodSubscribe)
}

// Unsubscribe 移出订阅集合并丢弃该交易对的市场状态
func (c *Connector) Unsubscribe(symbol string) error {
	symbol = normalizeSymbol(symbol)

	c.mu.Lock()
	_, ok := c.subs[symbol]
	var err error
	if ok {
		delete(c.subs, symbol)
		if c.connected {
			err = c.sendChannelsLocked(symbol, methodUnsubscribe)
		}
	}
	c.mu.Unlock()

	if ok {
		c.statesMu.Lock()
		delete(c.states, symbol)
		c.statesMu.Unlock()
	}
	return err
}

func (c *Connector) sendChannelsLocked(symbol string, method int) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	for _, ch := range channelsFor(symbol) {
		c.nextID++
		req := channelRequest{Method: method, Params: channelParams{Channel: ch}, ID: c.nextID}
		if err := c.conn.WriteJSON(req); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrTransport, ch, err)
		}
	}
	return nil
}

func (c *Connector) sortedSubsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// readLoop 单 goroutine 顺序处理该连接的所有消息
func (c *Connector) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportClose(conn, err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Connector) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Connector) handleTransportClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// 已被 Disconnect 或替换
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	_ = conn.Close()

	c.logger.Error("Stream closed, scheduling reconnect...", zap.Error(err), zap.Duration("delay", c.cfg.ReconnectDelay))
	c.publish(events.Event{Type: events.Disconnected, Payload: err})
	c.scheduleReconnect()
}

// scheduleReconnect 同一时间最多只有一个待执行的重连
func (c *Connector) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.reconnectTimer != nil || c.connected {
		return
	}
	c.reconnects.Add(1)
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout+c.cfg.ReconnectDelay)
		defer cancel()
		if err := c.connect(ctx, false); err != nil {
			c.logger.Error("Reconnect failed", zap.Error(err))
			c.publish(events.Event{Type: events.Error, Payload: err})
			c.scheduleReconnect()
		}
	})
}

// handleMessage 解析失败的单条消息直接丢弃，不影响连接
func (c *Connector) handleMessage(msg []byte) {
	var in inboundMessage
	if err := json.Unmarshal(msg, &in); err != nil {
		c.logger.Debug("Dropping malformed message", zap.Error(err))
		return
	}
	if in.ID != 0 {
		if truthy(in.Error) {
			c.logger.Warn("Stream request failed", zap.Int64("id", in.ID), zap.ByteString("error", in.Error))
		}
		return
	}
	if len(in.Result) == 0 {
		return
	}

	var push pushResult
	if err := json.Unmarshal(in.Result, &push); err != nil || push.Channel == "" {
		return
	}

	switch {
	case strings.HasPrefix(push.Channel, tradeChannelPrefix):
		pair := strings.TrimPrefix(push.Channel, tradeChannelPrefix)
		trades, err := parseTrades(push.Data)
		if err != nil {
			c.logger.Debug("Dropping malformed trade message", zap.String("symbol", pair), zap.Error(err))
			return
		}
		for _, t := range trades {
			t.Symbol = pair
			c.onTrade(t)
		}
	case strings.HasPrefix(push.Channel, orderBookChannelPrefix):
		pair := strings.TrimPrefix(push.Channel, orderBookChannelPrefix)
		ob, err := parseOrderBook(pair, c.cfg.QuoteCurrency, push.Data, time.Now().UnixMilli())
		if err != nil {
			c.logger.Debug("Dropping malformed order book message", zap.String("symbol", pair), zap.Error(err))
			return
		}
		c.onOrderBook(ob)
	}
}

func (c *Connector) onTrade(t model.Trade) {
	st := c.getState(t.Symbol)
	if st == nil {
		return
	}

	st.mu.Lock()
	st.state.ApplyTrade(t)
	kline, candleReady := st.agg.OnTrade(st.state.Trades)
	update := model.PriceUpdate{
		Symbol:        t.Symbol,
		Price:         st.state.Price,
		Change:        st.state.Change,
		ChangePercent: st.state.ChangePercent,
		Timestamp:     t.Timestamp,
	}
	st.mu.Unlock()

	c.publish(events.Event{Type: events.Trade, Symbol: t.Symbol, Payload: t})
	c.publish(events.Event{Type: events.Price, Symbol: t.Symbol, Payload: update})

	if candleReady && c.store != nil {
		go c.persistCandle(kline)
	}
}

// persistCandle 尽力写入；重复时间戳由存储层忽略
func (c *Connector) persistCandle(k model.KLine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.InsertMany(ctx, []model.KLine{k}); err != nil {
		c.logger.Debug("Candle persist failed", zap.String("symbol", k.Symbol), zap.Error(err))
	}
}

func (c *Connector) onOrderBook(ob *model.OrderBookSnapshot) {
	st := c.getState(ob.Symbol)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.state.OrderBook = ob
	st.mu.Unlock()

	c.publish(events.Event{Type: events.OrderBook, Symbol: ob.Symbol, Payload: ob.Clone()})
}

func (c *Connector) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Connector) ensureState(symbol string) {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	if _, ok := c.states[symbol]; ok {
		return
	}
	c.states[symbol] = &symbolState{
		state: model.NewSymbolMarketState(symbol, c.cfg.TradeBufferSize),
		agg:   model.NewKlineAggregator(symbol, c.cfg.CandleEvery),
	}
}

func (c *Connector) getState(symbol string) *symbolState {
	c.statesMu.RLock()
	defer c.statesMu.RUnlock()
	return c.states[symbol]
}

// Price 最新成交价
func (c *Connector) Price(symbol string) (float64, bool) {
	st := c.getState(normalizeSymbol(symbol))
	if st == nil {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state.Price, st.state.Price > 0
}

// Trades 最近 limit 笔成交 (从旧到新)
func (c *Connector) Trades(symbol string, limit int) []model.Trade {
	st := c.getState(normalizeSymbol(symbol))
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state.Trades.Last(limit)
}

// OrderBook 缓存的订单簿副本
func (c *Connector) OrderBook(symbol string) (*model.OrderBookSnapshot, bool) {
	st := c.getState(normalizeSymbol(symbol))
	if st == nil {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.state.OrderBook == nil {
		return nil, false
	}
	ob := st.state.OrderBook.Clone()
	return &ob, true
}

// MarketState 交易对状态快照
func (c *Connector) MarketState(symbol string) (model.SymbolMarketState, bool) {
	st := c.getState(normalizeSymbol(symbol))
	if st == nil {
		return model.SymbolMarketState{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state.Snapshot(), true
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) IsSubscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[normalizeSymbol(symbol)]
	return ok
}

// Symbols 当前订阅集合
func (c *Connector) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSubsLocked()
}

// ReconnectAttempts 已调度的重连次数
func (c *Connector) ReconnectAttempts() int64 {
	return c.reconnects.Load()
}

func normalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}
