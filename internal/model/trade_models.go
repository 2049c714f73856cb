package model

import (
	"fmt"
	"time"
)

type Direction string

const (
	DirLong  Direction = "long"  // 多
	DirShort Direction = "short" // 空
	DirFlat  Direction = "flat"  // 无方向
)

func (s Direction) String() string {
	return string(s)
}

// WallStrength 挂单墙强度，数值越大越强
type WallStrength int

const (
	WallNone WallStrength = iota
	WallWeak
	WallMedium
	WallStrong
	WallMassive
)

// 墙强度阈值：墙体量 / 订单簿总深度，严格递增
const (
	WallWeakRatio    = 0.02
	WallMediumRatio  = 0.05
	WallStrongRatio  = 0.10
	WallMassiveRatio = 0.20
)

func (w WallStrength) String() string {
	switch w {
	case WallWeak:
		return "weak"
	case WallMedium:
		return "medium"
	case WallStrong:
		return "strong"
	case WallMassive:
		return "massive"
	default:
		return "none"
	}
}

// ClassifyWall 按 volume/totalDepth 划分强度；低于 2% 不算墙
func ClassifyWall(volume, totalDepth float64) WallStrength {
	if totalDepth <= 0 || volume <= 0 {
		return WallNone
	}
	ratio := volume / totalDepth
	switch {
	case ratio >= WallMassiveRatio:
		return WallMassive
	case ratio >= WallStrongRatio:
		return WallStrong
	case ratio >= WallMediumRatio:
		return WallMedium
	case ratio >= WallWeakRatio:
		return WallWeak
	default:
		return WallNone
	}
}

// Wall 订单簿中的大额挂单聚集区
type Wall struct {
	Price           float64
	Volume          float64
	Side            string // "bid" 或 "ask"
	Strength        WallStrength
	DistancePercent float64 // 距当前价格的百分比距离
	Notional        float64 // Price * Volume
}

// MarketContext 信号产生时的市场快照
type MarketContext struct {
	Imbalance     float64
	SpreadPercent float64
	BidAskRatio   float64
	OrderBookBias string // up / down / neutral
	BuySellRatio  float64
	PriceDrift    float64
	VolumeRatio   float64
	RSI           float64 // 指标不可用时为 0
	Indicators    bool    // 是否使用了技术指标
}

// ScalpSignal 信号引擎产生的剥头皮入场信号
type ScalpSignal struct {
	ID         string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64
	Confidence float64
	Reasons    []string
	Context    MarketContext
	Timestamp  time.Time
}

func (s ScalpSignal) String() string {
	return fmt.Sprintf("SCALP [%s | %s] @ %.8g | TP: %.8g | SL: %.8g | Conf: %.2f",
		s.Symbol, s.Direction, s.EntryPrice, s.TakeProfit, s.StopLoss, s.Confidence)
}

// ScalpStatus 剥头皮单的生命周期状态
type ScalpStatus string

const (
	ScalpActive     ScalpStatus = "active"
	ScalpTPHit      ScalpStatus = "tp_hit"
	ScalpSLHit      ScalpStatus = "sl_hit"
	ScalpManualExit ScalpStatus = "manual_exit"
	ScalpExpired    ScalpStatus = "expired"
	ScalpWallExit   ScalpStatus = "wall_exit"
)

// Terminal 是否为终态
func (s ScalpStatus) Terminal() bool {
	return s != ScalpActive && s != ""
}

// ActiveScalp 包装一个信号及其持仓/退出信息
type ActiveScalp struct {
	Signal     ScalpSignal
	Status     ScalpStatus
	EntryTime  time.Time
	EntryPrice float64
	ExitTime   time.Time
	ExitPrice  float64
	PnLPercent float64
}

// Duration 持有时间 (未退出时为 0)
func (a ActiveScalp) Duration() time.Duration {
	if a.ExitTime.IsZero() {
		return 0
	}
	return a.ExitTime.Sub(a.EntryTime)
}

// DirectionalPnLPercent 方向感知的百分比盈亏
func DirectionalPnLPercent(dir Direction, entry, price float64) float64 {
	if entry == 0 {
		return 0
	}
	if dir == DirShort {
		return (entry - price) / entry * 100
	}
	return (price - entry) / entry * 100
}

// PositionStatus 外部持仓状态
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TrackedPosition 由执行网关开出的持仓的镜像
type TrackedPosition struct {
	ID          string
	AccountID   string
	Symbol      string
	Side        Direction
	EntryPrice  float64
	Amount      float64 // 基础币数量
	TakeProfit  float64 // 0 表示未设置
	StopLoss    float64 // 0 表示未设置
	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    time.Time
	ExitPrice   float64
	RealizedPnL float64
}

// HitTakeProfit 方向感知的止盈判断
func (p TrackedPosition) HitTakeProfit(price float64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.Side == DirShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// HitStopLoss 方向感知的止损判断
func (p TrackedPosition) HitStopLoss(price float64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.Side == DirShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TradeRecord 记录一次完整的开仓和平仓交易
type TradeRecord struct {
	PositionID    string
	EntryTime     time.Time
	ExitTime      time.Time
	Symbol        string
	PosSide       Direction
	EntryPrice    float64
	ExitPrice     float64
	Size          float64
	RealizedPnL   float64 // 已实现盈亏 (Realized PnL)
	Fee           float64 // 总手续费 (开仓 + 平仓)
	TriggerReason string
}
