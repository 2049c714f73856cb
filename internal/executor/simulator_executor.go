package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-snipper/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialCapital   float64 // 初始资金 (计价币)
	NotionalPerTrade float64 // 每笔开仓的名义金额
	FeeRate          float64 // 交易手续费率 (例如 0.003)
}

// simPosition 模拟持仓及其占用资金
type simPosition struct {
	model.TrackedPosition
	Margin   float64 // 开仓占用的资金
	EntryFee float64 // 开仓手续费
}

// SimulatorExecutor 纸面交易的执行网关，实现 Gateway 和 Account
type SimulatorExecutor struct {
	cfg    SimulatorConfig
	prices PriceSource
	logger *zap.Logger
	now    func() time.Time

	mu sync.RWMutex // 保护账户状态

	balance   float64 // 可用余额 (包含已实现盈亏)
	equity    float64 // 账户净值 = 余额 + 占用资金 + 浮动盈亏
	maxEquity float64 // 历史最高账户净值

	positions    map[string]*simPosition
	lastPrices   map[string]float64   // 最近一次取到的市价，用于估值
	tradeHistory []*model.TradeRecord // 存储所有已平仓的交易记录
}

// NewSimulatorExecutor 构造函数；prices 缺失价格时开仓使用信号入场价
// prices 可能发起网络请求，调用时不持有账户锁
func NewSimulatorExecutor(cfg SimulatorConfig, prices PriceSource, logger *zap.Logger) *SimulatorExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatorExecutor{
		cfg:        cfg,
		prices:     prices,
		logger:     logger.With(zap.String("component", "simulator")),
		now:        time.Now,
		balance:    cfg.InitialCapital,
		equity:     cfg.InitialCapital,
		maxEquity:  cfg.InitialCapital,
		positions:  make(map[string]*simPosition),
		lastPrices: make(map[string]float64),
	}
}

func (e *SimulatorExecutor) marketPrice(symbol string) (float64, bool) {
	if e.prices == nil {
		return 0, false
	}
	p, ok := e.prices.Price(symbol)
	return p, ok && p > 0
}

// ExecuteScalpSignal 模拟按市价开仓
func (e *SimulatorExecutor) ExecuteScalpSignal(ctx context.Context, accountID string, signal model.ScalpSignal) (*model.TrackedPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	currentPrice, ok := e.marketPrice(signal.Symbol)
	if !ok {
		currentPrice = signal.EntryPrice
	}
	if currentPrice <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, signal.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	notional := e.cfg.NotionalPerTrade
	fee := notional * e.cfg.FeeRate
	if e.balance < notional+fee {
		e.logger.Info("Sim rejected: insufficient balance",
			zap.Float64("need", notional+fee), zap.Float64("have", e.balance))
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, notional+fee, e.balance)
	}
	e.balance -= notional + fee

	pos := &simPosition{
		TrackedPosition: model.TrackedPosition{
			ID:         uuid.NewString(),
			AccountID:  accountID,
			Symbol:     signal.Symbol,
			Side:       signal.Direction,
			EntryPrice: currentPrice,
			Amount:     notional / currentPrice,
			TakeProfit: signal.TakeProfit,
			StopLoss:   signal.StopLoss,
			Status:     model.PositionOpen,
			OpenedAt:   e.now(),
		},
		Margin:   notional,
		EntryFee: fee,
	}
	e.positions[pos.ID] = pos
	e.lastPrices[pos.Symbol] = currentPrice
	e.revalueLocked()

	e.logger.Info("Sim order filled (open)",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", pos.Side.String()),
		zap.Float64("amount", pos.Amount),
		zap.Float64("price", currentPrice),
		zap.Float64("fee", fee),
		zap.Float64("takeProfit", pos.TakeProfit),
		zap.Float64("stopLoss", pos.StopLoss))

	out := pos.TrackedPosition
	return &out, nil
}

// ClosePosition 模拟按最新价平仓
func (e *SimulatorExecutor) ClosePosition(ctx context.Context, positionID string) (*model.TrackedPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	pos, ok := e.positions[positionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	currentPrice, ok := e.marketPrice(pos.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, pos.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// 取价期间可能已被其他调用平仓
	if _, ok := e.positions[positionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	e.lastPrices[pos.Symbol] = currentPrice

	// 1. 计算平仓盈亏 (PnL) 和手续费
	pnl := calculateClosedPnL(&pos.TrackedPosition, currentPrice)
	closeFee := pos.Amount * currentPrice * e.cfg.FeeRate
	exitTime := e.now()

	// 2. 构造交易记录
	e.tradeHistory = append(e.tradeHistory, &model.TradeRecord{
		PositionID:    pos.ID,
		EntryTime:     pos.OpenedAt,
		ExitTime:      exitTime,
		Symbol:        pos.Symbol,
		PosSide:       pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     currentPrice,
		Size:          pos.Amount,
		RealizedPnL:   pnl,
		Fee:           pos.EntryFee + closeFee,
		TriggerReason: closeReason(&pos.TrackedPosition, currentPrice),
	})

	// 3. 释放资金，更新余额
	e.balance += pos.Margin + pnl - closeFee
	delete(e.positions, positionID)
	e.revalueLocked()

	closed := pos.TrackedPosition
	closed.Status = model.PositionClosed
	closed.ClosedAt = exitTime
	closed.ExitPrice = currentPrice
	closed.RealizedPnL = pnl - pos.EntryFee - closeFee

	e.logger.Info("Sim position closed",
		zap.String("id", closed.ID),
		zap.String("symbol", closed.Symbol),
		zap.String("side", closed.Side.String()),
		zap.Float64("price", currentPrice),
		zap.Float64("realizedPnL", closed.RealizedPnL),
		zap.Float64("balance", e.balance))
	return &closed, nil
}

// OpenPositions 按开仓时间排序
func (e *SimulatorExecutor) OpenPositions(ctx context.Context) ([]model.TrackedPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.TrackedPosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.TrackedPosition)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// revalueLocked 按缓存的最近市价计算浮动盈亏并更新净值和最高净值
func (e *SimulatorExecutor) revalueLocked() {
	equity := e.balance
	for _, p := range e.positions {
		equity += p.Margin
		if price, ok := e.lastPrices[p.Symbol]; ok {
			equity += calculateClosedPnL(&p.TrackedPosition, price)
		}
	}
	e.equity = equity
	if e.equity > e.maxEquity {
		e.maxEquity = e.equity
	}
}

// calculateClosedPnL 计算按 closePrice 平仓的盈亏 (不含手续费)
func calculateClosedPnL(pos *model.TrackedPosition, closePrice float64) float64 {
	if pos.Amount == 0 {
		return 0.0
	}
	if pos.Side == model.DirShort {
		// 空头：平仓价低于均价则盈利
		return (pos.EntryPrice - closePrice) * pos.Amount
	}
	// 多头：平仓价高于均价则盈利
	return (closePrice - pos.EntryPrice) * pos.Amount
}

func closeReason(pos *model.TrackedPosition, price float64) string {
	switch {
	case pos.HitTakeProfit(price):
		return "TAKE PROFIT"
	case pos.HitStopLoss(price):
		return "STOP LOSS"
	default:
		return "Manual Close"
	}
}

// GetTradeHistory 实现 Account 接口
func (e *SimulatorExecutor) GetTradeHistory() ([]*model.TradeRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// 返回记录的副本，防止外部修改
	records := make([]*model.TradeRecord, len(e.tradeHistory))
	for i, r := range e.tradeHistory {
		cp := *r
		records[i] = &cp
	}
	return records, nil
}

// GetMaxEquity 返回账户历史上的最高净值
func (e *SimulatorExecutor) GetMaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}

// GetBalance 返回按最新价重估后的净值
func (e *SimulatorExecutor) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.RLock()
	symbols := make(map[string]struct{}, len(e.positions))
	for _, p := range e.positions {
		symbols[p.Symbol] = struct{}{}
	}
	e.mu.RUnlock()

	fresh := make(map[string]float64, len(symbols))
	for symbol := range symbols {
		if price, ok := e.marketPrice(symbol); ok {
			fresh[symbol] = price
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, price := range fresh {
		e.lastPrices[symbol] = price
	}
	e.revalueLocked()
	return e.equity, nil
}
