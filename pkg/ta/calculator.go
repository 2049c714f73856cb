package ta

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"
)

// MinHistoryLen 计算指标所需的最小历史长度
const MinHistoryLen = 50

// ErrInsufficientHistory 价格序列太短，调用方应忽略指标贡献
var ErrInsufficientHistory = errors.New("ta: insufficient price history")

// 动量与布林带的离散信号
const (
	SignalBullish = "bullish"
	SignalBearish = "bearish"
	SignalNeutral = "neutral"

	BollingerUpperTouch = "upper_touch"
	BollingerLowerTouch = "lower_touch"
	BollingerInside     = "inside"

	StochBullishCross = "bullish_cross"
	StochBearishCross = "bearish_cross"
	StochNoCross      = "none"
)

// Indicators 存储最新计算出的指标值，方便外部查询
type Indicators struct {
	Price    float64
	MA       float64
	RSI      float64
	StochK   float64
	StochD   float64
	Momentum float64
	BBandsUp float64
	BBandsMd float64
	BBandsDn float64

	StochCross      string
	MomentumSignal  string
	BollingerSignal string
}

// Calculator 无状态的指标计算器，输入按时间从旧到新排列的收盘价
type Calculator struct {
	MinHistoryLen int
	RSIPeriod     int
	StochPeriod   int
	MomPeriod     int
	BBandsPeriod  int
	MAPeriod      int
}

// NewCalculator 初始化技术指标计算器
func NewCalculator() *Calculator {
	return &Calculator{
		MinHistoryLen: MinHistoryLen,
		RSIPeriod:     14,
		StochPeriod:   14,
		MomPeriod:     10,
		BBandsPeriod:  20,
		MAPeriod:      20,
	}
}

// Calculate 集中计算所有需要的指标
func (tc *Calculator) Calculate(closePrices []float64) (*Indicators, error) {
	if len(closePrices) < tc.MinHistoryLen {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, len(closePrices), tc.MinHistoryLen)
	}
	last := len(closePrices) - 1

	ind := &Indicators{Price: closePrices[last]}

	// --- 均线 (MA 20) ---
	ind.MA = latest(talib.Sma(closePrices, tc.MAPeriod))

	// --- 相对强弱指数 (RSI 14) ---
	ind.RSI = latest(talib.Rsi(closePrices, tc.RSIPeriod))

	// --- 随机指标 (14, 3, 3)，只有收盘价时高低价用收盘价代替 ---
	slowK, slowD := talib.Stoch(closePrices, closePrices, closePrices, tc.StochPeriod, 3, talib.SMA, 3, talib.SMA)
	ind.StochK = latest(slowK)
	ind.StochD = latest(slowD)
	ind.StochCross = stochCross(slowK, slowD)

	// --- 动量 (MOM 10) ---
	ind.Momentum = latest(talib.Mom(closePrices, tc.MomPeriod))
	switch {
	case ind.Momentum > 0:
		ind.MomentumSignal = SignalBullish
	case ind.Momentum < 0:
		ind.MomentumSignal = SignalBearish
	default:
		ind.MomentumSignal = SignalNeutral
	}

	// --- 布林带 (BBands 20, 2) ---
	up, mid, dn := talib.BBands(closePrices, tc.BBandsPeriod, 2, 2, talib.SMA)
	ind.BBandsUp = latest(up)
	ind.BBandsMd = latest(mid)
	ind.BBandsDn = latest(dn)
	switch {
	case ind.BBandsUp > 0 && ind.Price >= ind.BBandsUp:
		ind.BollingerSignal = BollingerUpperTouch
	case ind.BBandsDn > 0 && ind.Price <= ind.BBandsDn:
		ind.BollingerSignal = BollingerLowerTouch
	default:
		ind.BollingerSignal = BollingerInside
	}

	return ind, nil
}

// stochCross 最近一根 K 与 D 的交叉方向
func stochCross(k, d []float64) string {
	n := len(k)
	if n < 2 || len(d) < 2 {
		return StochNoCross
	}
	prevK, prevD := k[n-2], d[len(d)-2]
	curK, curD := k[n-1], d[len(d)-1]
	switch {
	case prevK <= prevD && curK > curD:
		return StochBullishCross
	case prevK >= prevD && curK < curD:
		return StochBearishCross
	default:
		return StochNoCross
	}
}

func latest(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
