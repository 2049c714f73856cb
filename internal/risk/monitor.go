package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/model"

	"go.uber.org/zap"
)

const (
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"
)

// PositionGateway 持仓来源与平仓通道
type PositionGateway interface {
	ClosePosition(ctx context.Context, positionID string) (*model.TrackedPosition, error)
	OpenPositions(ctx context.Context) ([]model.TrackedPosition, error)
}

// Stream 行情流订阅
type Stream interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	IsSubscribed(symbol string) bool
}

// TickerFetcher REST 兜底报价
type TickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

type Config struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	CallTimeout   time.Duration // 单次 REST/平仓调用的超时
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.SweepInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Update "position:update" 事件负载
type Update struct {
	Position      model.TrackedPosition
	Price         float64
	PnLPercent    float64
	HitTakeProfit bool
	HitStopLoss   bool
}

// AutoClosed "position:auto_closed" 事件负载
type AutoClosed struct {
	Position model.TrackedPosition // 网关返回的已平仓持仓
	Reason   string
	Price    float64 // 触发平仓的观察价
}

// CloseFailed "position:close_failed" 事件负载
type CloseFailed struct {
	PositionID string
	Symbol     string
	Reason     string
	Err        string
}

// Monitor 镜像外部持仓，按流价格或 REST 兜底价检查止盈止损
// 持仓镜像只在 loop 协程内读写
type Monitor struct {
	cfg     Config
	gateway PositionGateway
	stream  Stream
	ticker  TickerFetcher
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	trackCh chan model.TrackedPosition

	mu     sync.Mutex // 保护 cancel/done
	cancel context.CancelFunc
	done   chan struct{}

	// loop 协程私有
	positions map[string]model.TrackedPosition
	owned     map[string]bool      // 由本监控订阅的品种
	lastSeen  map[string]time.Time // 品种最近一次流价格的时间
}

func NewMonitor(cfg Config, gateway PositionGateway, stream Stream, ticker TickerFetcher, bus *events.Bus, logger *zap.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		gateway: gateway,
		stream:  stream,
		ticker:  ticker,
		bus:     bus,
		logger:  logger.With(zap.String("component", "risk_monitor")),
		now:     time.Now,
		trackCh: make(chan model.TrackedPosition, 64),
	}
}

// Start 载入当前持仓、订阅品种并启动监控循环；重复调用无副作用
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	open, err := m.gateway.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	m.positions = make(map[string]model.TrackedPosition, len(open))
	m.owned = make(map[string]bool)
	m.lastSeen = make(map[string]time.Time)
	for _, p := range open {
		if p.Status == model.PositionOpen {
			m.positions[p.ID] = p
		}
	}
	m.reconcileSubscriptions()

	sub := m.bus.Subscribe("risk_monitor", 1024, events.Price)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	m.logger.Info("Risk monitor started", zap.Int("positions", len(m.positions)))
	go m.loop(loopCtx, sub, done)
	return nil
}

// Stop 停止循环，退订本监控订阅的品种；之后的调用结果一律丢弃
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Risk monitor stopped")
}

// Track 登记新开的持仓
func (m *Monitor) Track(p model.TrackedPosition) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case m.trackCh <- p:
	case <-done:
	}
}

func (m *Monitor) loop(ctx context.Context, sub *events.Subscription, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer func() {
		ticker.Stop()
		m.bus.Unsubscribe(sub)
		m.releaseSubscriptions()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			upd, ok := ev.Payload.(model.PriceUpdate)
			if !ok || upd.Price <= 0 {
				continue
			}
			m.lastSeen[ev.Symbol] = m.now()
			m.evaluate(ctx, ev.Symbol, upd.Price)
		case p := <-m.trackCh:
			if p.Status != model.PositionOpen {
				continue
			}
			m.positions[p.ID] = p
			m.ensureSubscribed(p.Symbol)
			m.logger.Info("Tracking position",
				zap.String("id", p.ID), zap.String("symbol", p.Symbol), zap.String("side", p.Side.String()))
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// evaluate 对品种的每个持仓计算盈亏，越过止盈/止损即请求平仓
func (m *Monitor) evaluate(ctx context.Context, symbol string, price float64) {
	for _, p := range m.positionsOf(symbol) {
		upd := Update{
			Position:      p,
			Price:         price,
			PnLPercent:    model.DirectionalPnLPercent(p.Side, p.EntryPrice, price),
			HitTakeProfit: p.HitTakeProfit(price),
			HitStopLoss:   p.HitStopLoss(price),
		}
		m.publish(events.PositionUpdate, symbol, upd)

		if !upd.HitTakeProfit && !upd.HitStopLoss {
			continue
		}
		reason := ReasonTakeProfit
		if upd.HitStopLoss {
			reason = ReasonStopLoss
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		closed, err := m.gateway.ClosePosition(callCtx, p.ID)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("Auto close failed",
				zap.String("id", p.ID), zap.String("symbol", symbol), zap.String("reason", reason), zap.Error(err))
			m.publish(events.PositionCloseFailed, symbol, CloseFailed{
				PositionID: p.ID, Symbol: symbol, Reason: reason, Err: err.Error(),
			})
			continue
		}

		delete(m.positions, p.ID)
		result := p
		if closed != nil {
			result = *closed
		}
		m.logger.Info("Position auto closed",
			zap.String("id", p.ID),
			zap.String("symbol", symbol),
			zap.String("reason", reason),
			zap.Float64("price", price),
			zap.Float64("pnlPercent", upd.PnLPercent))
		m.publish(events.PositionAutoClosed, symbol, AutoClosed{Position: result, Reason: reason, Price: price})
	}
}

// sweep 与网关对账，调整订阅集合，并为缺少新鲜流价格的品种拉取 REST 报价
func (m *Monitor) sweep(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	live, err := m.gateway.OpenPositions(callCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Warn("Reconcile positions failed", zap.Error(err))
	} else {
		next := make(map[string]model.TrackedPosition, len(live))
		for _, p := range live {
			if p.Status == model.PositionOpen {
				next[p.ID] = p
			}
		}
		m.positions = next
	}
	m.reconcileSubscriptions()

	if m.ticker == nil {
		return
	}
	now := m.now()
	for _, symbol := range m.symbols() {
		if seen, ok := m.lastSeen[symbol]; ok && now.Sub(seen) < m.cfg.StaleAfter {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		price, err := m.ticker.FetchTicker(callCtx, symbol)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil || price <= 0 {
			m.logger.Warn("Fallback ticker failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		m.evaluate(ctx, symbol, price)
	}
}

// reconcileSubscriptions 订阅持仓需要的品种，退订本监控订阅但已无持仓的品种
func (m *Monitor) reconcileSubscriptions() {
	needed := make(map[string]bool)
	for _, symbol := range m.symbols() {
		needed[symbol] = true
		m.ensureSubscribed(symbol)
	}
	for symbol := range m.owned {
		if needed[symbol] {
			continue
		}
		if err := m.stream.Unsubscribe(symbol); err != nil {
			m.logger.Warn("Unsubscribe failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		delete(m.owned, symbol)
		delete(m.lastSeen, symbol)
	}
}

func (m *Monitor) ensureSubscribed(symbol string) {
	if m.stream.IsSubscribed(symbol) {
		return
	}
	if err := m.stream.Subscribe(symbol); err != nil {
		m.logger.Warn("Subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	m.owned[symbol] = true
}

func (m *Monitor) releaseSubscriptions() {
	for symbol := range m.owned {
		if err := m.stream.Unsubscribe(symbol); err != nil {
			m.logger.Warn("Unsubscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	m.owned = make(map[string]bool)
}

func (m *Monitor) positionsOf(symbol string) []model.TrackedPosition {
	var out []model.TrackedPosition
	for _, p := range m.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monitor) symbols() []string {
	set := make(map[string]struct{})
	for _, p := range m.positions {
		set[p.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) publish(t events.Type, symbol string, payload any) {
	m.bus.Publish(events.Event{Type: t, Symbol: symbol, Timestamp: m.now(), Payload: payload})
}
