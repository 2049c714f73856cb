package strategy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/model"
	"crypto-snipper/internal/orderbook"
	"crypto-snipper/pkg/ta"

	"go.uber.org/zap"
)

// ErrNoActiveScalp 该交易对没有进行中的剥头皮单
var ErrNoActiveScalp = errors.New("strategy: no active scalp")

// MarketData 行情流缓存
type MarketData interface {
	Price(symbol string) (float64, bool)
	Trades(symbol string, limit int) []model.Trade
}

// BookAnalyzer 订单簿分析
type BookAnalyzer interface {
	Analyze(ctx context.Context, symbol string, useCache bool) (*orderbook.Analysis, error)
}

// IndicatorProvider 技术指标，历史不足时返回错误
type IndicatorProvider interface {
	Calculate(closePrices []float64) (*ta.Indicators, error)
}

// PriceHistory 历史价格存储
type PriceHistory interface {
	GetLatestPrices(ctx context.Context, symbol string, limit int) ([]model.KLine, error)
}

// WallExitConfig 挂单墙提前止盈
type WallExitConfig struct {
	Enabled          bool
	MinProfitPercent float64
}

// Config 信号引擎参数
type Config struct {
	TakeProfitPercent float64
	StopLossPercent   float64
	MinConfidence     float64
	MinRiskReward     float64
	Cooldown          time.Duration
	MaxHold           time.Duration // 0 表示不过期
	AnalyzeInterval   time.Duration
	HistoryLimit      int
	FlowWindow        int // 成交流统计的笔数
	WallExit          WallExitConfig
	Weights           Weights
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		TakeProfitPercent: 0.3,
		StopLossPercent:   0.15,
		MinConfidence:     0.6,
		MinRiskReward:     1.5,
		Cooldown:          time.Minute,
		MaxHold:           15 * time.Minute,
		AnalyzeInterval:   5 * time.Second,
		HistoryLimit:      500,
		FlowWindow:        20,
		WallExit:          WallExitConfig{Enabled: true, MinProfitPercent: 0.1},
		Weights:           DefaultWeights(),
	}
}

// Stats 历史统计
type Stats struct {
	Total         int
	Wins          int
	Losses        int
	WinRate       float64
	AvgPnLPercent float64
	AvgDuration   time.Duration
	ByStatus      map[model.ScalpStatus]int
	Active        int
}

// Engine 剥头皮信号引擎：多信号融合入场，管理每个交易对最多一个进行中的剥头皮单
type Engine struct {
	cfg        Config
	market     MarketData
	books      BookAnalyzer
	indicators IndicatorProvider
	history    PriceHistory
	bus        *events.Bus
	logger     *zap.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// mu 保护下面三个字段；按交易对的修改另外由 symbol 锁串行化
	mu         sync.RWMutex
	active     map[string]*model.ActiveScalp
	lastSignal map[string]time.Time
	archive    []model.ActiveScalp
}

// NewEngine indicators / history 可以为 nil (不使用技术指标)
func NewEngine(cfg Config, market MarketData, books BookAnalyzer, indicators IndicatorProvider, history PriceHistory, bus *events.Bus, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.FlowWindow <= 0 {
		cfg.FlowWindow = def.FlowWindow
	}
	if cfg.AnalyzeInterval <= 0 {
		cfg.AnalyzeInterval = def.AnalyzeInterval
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		market:     market,
		books:      books,
		indicators: indicators,
		history:    history,
		bus:        bus,
		logger:     logger.With(zap.String("component", "strategy")),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		active:     make(map[string]*model.ActiveScalp),
		lastSignal: make(map[string]time.Time),
	}
}

func (e *Engine) lockSymbol(symbol string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Analyze 有进行中的单时只做退出检查；冷却期内不出信号；否则评估入场
func (e *Engine) Analyze(ctx context.Context, symbol string, price float64) *model.ScalpSignal {
	unlock := e.lockSymbol(symbol)
	defer unlock()

	if e.activeScalp(symbol) != nil {
		e.checkExitLocked(ctx, symbol, price)
		return nil
	}
	if price <= 0 || e.inCooldown(symbol) {
		return nil
	}
	if !e.riskRewardOK() {
		e.logger.Debug("Risk/reward below minimum, skipping",
			zap.Float64("takeProfit", e.cfg.TakeProfitPercent),
			zap.Float64("stopLoss", e.cfg.StopLossPercent))
		return nil
	}

	sc, err := e.score(ctx, symbol, price)
	if err != nil {
		e.logger.Debug("No signal this tick", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}

	dir, confidence := sc.decide()
	if dir == model.DirFlat {
		return nil
	}
	if confidence < e.cfg.MinConfidence {
		e.logger.Debug("Confidence below minimum",
			zap.String("symbol", symbol),
			zap.String("direction", dir.String()),
			zap.Float64("confidence", confidence))
		return nil
	}

	sig := e.buildSignal(symbol, dir, price, confidence, sc)
	e.open(sig)
	return &sig
}

func (e *Engine) riskRewardOK() bool {
	if e.cfg.StopLossPercent <= 0 || e.cfg.TakeProfitPercent <= 0 {
		return false
	}
	return e.cfg.TakeProfitPercent/e.cfg.StopLossPercent >= e.cfg.MinRiskReward
}

func (e *Engine) inCooldown(symbol string) bool {
	e.mu.RLock()
	last, ok := e.lastSignal[symbol]
	e.mu.RUnlock()
	return ok && e.now().Sub(last) < e.cfg.Cooldown
}

// open 记录冷却时间并创建进行中的剥头皮单；调用方持有 symbol 锁
func (e *Engine) open(sig model.ScalpSignal) {
	scalp := &model.ActiveScalp{
		Signal:     sig,
		Status:     model.ScalpActive,
		EntryTime:  sig.Timestamp,
		EntryPrice: sig.EntryPrice,
	}

	e.mu.Lock()
	e.lastSignal[sig.Symbol] = sig.Timestamp
	e.active[sig.Symbol] = scalp
	e.mu.Unlock()

	e.logger.Info("Scalp signal", zap.String("signal", sig.String()), zap.Strings("reasons", sig.Reasons))
	e.publish(events.Event{Type: events.Signal, Symbol: sig.Symbol, Payload: sig})
}

func (e *Engine) activeScalp(symbol string) *model.ActiveScalp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[symbol]
}

// HasActive 该交易对是否有进行中的单
func (e *Engine) HasActive(symbol string) bool {
	return e.activeScalp(symbol) != nil
}

// ActiveScalps 所有进行中的单 (副本，按交易对排序)
func (e *Engine) ActiveScalps() []model.ActiveScalp {
	e.mu.RLock()
	out := make([]model.ActiveScalp, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Signal.Symbol < out[j].Signal.Symbol })
	return out
}

// History 最近 limit 条已结束的单 (从旧到新)，limit<=0 返回全部
func (e *Engine) History(limit int) []model.ActiveScalp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start := 0
	if limit > 0 && len(e.archive) > limit {
		start = len(e.archive) - limit
	}
	return append([]model.ActiveScalp(nil), e.archive[start:]...)
}

// Stats 胜 = 止盈 + 盈利的挂单墙退出
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{ByStatus: make(map[model.ScalpStatus]int), Active: len(e.active), Total: len(e.archive)}
	if st.Total == 0 {
		return st
	}
	var pnl float64
	var dur time.Duration
	for _, a := range e.archive {
		st.ByStatus[a.Status]++
		if a.Status == model.ScalpTPHit || (a.Status == model.ScalpWallExit && a.PnLPercent > 0) {
			st.Wins++
		}
		pnl += a.PnLPercent
		dur += a.Duration()
	}
	st.Losses = st.Total - st.Wins
	st.WinRate = float64(st.Wins) / float64(st.Total)
	st.AvgPnLPercent = pnl / float64(st.Total)
	st.AvgDuration = dur / time.Duration(st.Total)
	return st
}

// Run 价格事件驱动退出检查，定时器驱动入场分析，直到 ctx 结束
func (e *Engine) Run(ctx context.Context, symbols []string) {
	if e.bus == nil {
		return
	}
	sub := e.bus.Subscribe("strategy", 256, events.Price)
	defer e.bus.Unsubscribe(sub)

	ticker := time.NewTicker(e.cfg.AnalyzeInterval)
	defer ticker.Stop()

	e.logger.Info("Signal engine started", zap.Strings("symbols", symbols))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Signal engine stopped")
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			update, ok := ev.Payload.(model.PriceUpdate)
			if !ok || !e.HasActive(update.Symbol) {
				continue
			}
			e.CheckScalpExit(ctx, update.Symbol, update.Price)
		case <-ticker.C:
			for _, symbol := range symbols {
				price, ok := e.market.Price(symbol)
				if !ok {
					continue
				}
				e.Analyze(ctx, symbol, price)
			}
		}
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
