package strategy

import (
	"context"
	"fmt"

	"crypto-snipper/internal/events"
	"crypto-snipper/internal/model"

	"go.uber.org/zap"
)

// 剥头皮单状态机：active -> {tp_hit, sl_hit, manual_exit, expired, wall_exit}
// 终态写入历史后不再修改

// CheckScalpExit 检查进行中的单是否应当退出；返回已结束的单
func (e *Engine) CheckScalpExit(ctx context.Context, symbol string, price float64) (*model.ActiveScalp, bool) {
	unlock := e.lockSymbol(symbol)
	defer unlock()
	return e.checkExitLocked(ctx, symbol, price)
}

func (e *Engine) checkExitLocked(ctx context.Context, symbol string, price float64) (*model.ActiveScalp, bool) {
	scalp := e.activeScalp(symbol)
	if scalp == nil || price <= 0 {
		return nil, false
	}
	sig := scalp.Signal
	pnl := model.DirectionalPnLPercent(sig.Direction, scalp.EntryPrice, price)

	switch {
	case hitTakeProfit(sig, price):
		return e.closeLocked(symbol, model.ScalpTPHit, price), true
	case hitStopLoss(sig, price):
		return e.closeLocked(symbol, model.ScalpSLHit, price), true
	case e.cfg.MaxHold > 0 && e.now().Sub(scalp.EntryTime) >= e.cfg.MaxHold:
		return e.closeLocked(symbol, model.ScalpExpired, price), true
	}

	if !e.cfg.WallExit.Enabled || pnl < e.cfg.WallExit.MinProfitPercent || e.books == nil {
		return nil, false
	}
	analysis, err := e.books.Analyze(ctx, symbol, true)
	if err != nil {
		e.logger.Debug("Wall check skipped", zap.String("symbol", symbol), zap.Error(err))
		return nil, false
	}

	assessment := AssessWallBlock(sig.Direction, price, sig.TakeProfit, analysis.Book)
	switch assessment.Recommendation {
	case RecommendExit:
		e.logger.Info("Blocking wall ahead, taking profit",
			zap.String("symbol", symbol),
			zap.String("strength", assessment.Strength.String()),
			zap.Int("levels", assessment.Levels),
			zap.Float64("breakProbability", assessment.BreakProbability),
			zap.Float64("pnlPercent", pnl))
		return e.closeLocked(symbol, model.ScalpWallExit, price), true
	case RecommendTightenTP:
		e.logger.Info("Blocking wall ahead, consider tightening TP",
			zap.String("symbol", symbol),
			zap.String("strength", assessment.Strength.String()),
			zap.Float64("breakProbability", assessment.BreakProbability))
	}
	return nil, false
}

// ManualExit 人工平掉进行中的单
func (e *Engine) ManualExit(symbol string, price float64) (*model.ActiveScalp, error) {
	unlock := e.lockSymbol(symbol)
	defer unlock()

	if e.activeScalp(symbol) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveScalp, symbol)
	}
	return e.closeLocked(symbol, model.ScalpManualExit, price), nil
}

// closeLocked 转入终态、移出进行中集合并归档；调用方持有 symbol 锁
func (e *Engine) closeLocked(symbol string, status model.ScalpStatus, price float64) *model.ActiveScalp {
	e.mu.Lock()
	scalp := e.active[symbol]
	if scalp == nil {
		e.mu.Unlock()
		return nil
	}
	done := *scalp
	done.Signal.Reasons = append([]string(nil), scalp.Signal.Reasons...)
	done.Status = status
	done.ExitTime = e.now()
	done.ExitPrice = price
	done.PnLPercent = model.DirectionalPnLPercent(done.Signal.Direction, done.EntryPrice, price)

	delete(e.active, symbol)
	e.archive = append(e.archive, done)
	if over := len(e.archive) - e.cfg.HistoryLimit; over > 0 {
		e.archive = append([]model.ActiveScalp(nil), e.archive[over:]...)
	}
	e.mu.Unlock()

	e.logger.Info("Scalp closed",
		zap.String("symbol", symbol),
		zap.String("status", string(status)),
		zap.Float64("exitPrice", price),
		zap.Float64("pnlPercent", done.PnLPercent),
		zap.Duration("held", done.Duration()))
	e.publish(events.Event{Type: events.Exit, Symbol: symbol, Payload: done})
	return &done
}

func hitTakeProfit(sig model.ScalpSignal, price float64) bool {
	if sig.Direction == model.DirShort {
		return price <= sig.TakeProfit
	}
	return price >= sig.TakeProfit
}

func hitStopLoss(sig model.ScalpSignal, price float64) bool {
	if sig.Direction == model.DirShort {
		return price >= sig.StopLoss
	}
	return price <= sig.StopLoss
}
