package executor

import (
	"context"
	"errors"

	"crypto-snipper/internal/model"
)

var (
	ErrPositionNotFound    = errors.New("executor: position not found")
	ErrInsufficientBalance = errors.New("executor: insufficient balance")
	ErrNoPrice             = errors.New("executor: no market price")
)

// Gateway 执行网关：开仓、平仓、查询持仓
type Gateway interface {
	// ExecuteScalpSignal 按信号开仓，返回新持仓
	ExecuteScalpSignal(ctx context.Context, accountID string, signal model.ScalpSignal) (*model.TrackedPosition, error)

	// ClosePosition 按市价平掉持仓，返回已平仓的持仓
	ClosePosition(ctx context.Context, positionID string) (*model.TrackedPosition, error)

	// OpenPositions 当前所有未平仓持仓
	OpenPositions(ctx context.Context) ([]model.TrackedPosition, error)
}

// Account 账户视图
type Account interface {
	// GetBalance 返回账户净值 (含浮动盈亏)
	GetBalance(ctx context.Context) (float64, error)

	// GetMaxEquity 返回账户历史上的最高净值
	GetMaxEquity() float64

	// GetTradeHistory 返回已完成的交易记录
	GetTradeHistory() ([]*model.TradeRecord, error)
}

// PriceSource 最新市场价格
type PriceSource interface {
	Price(symbol string) (float64, bool)
}
