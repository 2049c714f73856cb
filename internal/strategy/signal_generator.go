package strategy

import (
	"context"
	"fmt"
	"math"

	"crypto-snipper/internal/model"
	"crypto-snipper/internal/orderbook"
	"crypto-snipper/pkg/ta"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Weights 各信号的经验权重，可以通过配置覆盖
type Weights struct {
	Imbalance     float64
	WallProximity float64
	Spread        float64

	RSI       float64
	Stoch     float64
	Momentum  float64
	Bollinger float64

	FlowRatio      float64
	PriceDrift     float64
	WhaleAsymmetry float64

	Pattern float64

	VolumeSpikeThreshold  float64 // 近期均量 / 历史均量
	VolumeSpikeMultiplier float64
}

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		Imbalance:             0.25,
		WallProximity:         0.15,
		Spread:                0.1,
		RSI:                   0.2,
		Stoch:                 0.15,
		Momentum:              0.1,
		Bollinger:             0.15,
		FlowRatio:             0.2,
		PriceDrift:            0.15,
		WhaleAsymmetry:        0.1,
		Pattern:               0.15,
		VolumeSpikeThreshold:  2.0,
		VolumeSpikeMultiplier: 1.2,
	}
}

const (
	imbalanceThreshold   = 0.2
	wallProximityPercent = 0.3
	tightSpreadPercent   = 0.1
	rsiOversold          = 30
	rsiOverbought        = 70
	flowBullishRatio     = 1.5
	flowBearishRatio     = 0.67
	maxFlowRatio         = 10
	driftThresholdPct    = 0.05
	whaleTradeMultiple   = 3.0
	spikeRecentTrades    = 10
	microCandleSize      = 5
	historyCandles       = 100
)

// scorecard 多空两边的累计得分
type scorecard struct {
	long    float64
	short   float64
	reasons []string
	ctx     model.MarketContext
}

func (s *scorecard) add(dir model.Direction, weight float64, reason string) {
	if weight <= 0 {
		return
	}
	if dir == model.DirLong {
		s.long += weight
	} else {
		s.short += weight
	}
	s.reasons = append(s.reasons, reason)
}

// decide 方向取分数较高的一边，置信度 = min(1, max)
func (s *scorecard) decide() (model.Direction, float64) {
	switch {
	case s.long > s.short:
		return model.DirLong, math.Min(1, s.long)
	case s.short > s.long:
		return model.DirShort, math.Min(1, s.short)
	default:
		return model.DirFlat, 0
	}
}

// score 订单簿分析失败时整次放弃；指标不可用时只省略该部分
func (e *Engine) score(ctx context.Context, symbol string, price float64) (*scorecard, error) {
	analysis, err := e.books.Analyze(ctx, symbol, true)
	if err != nil {
		return nil, err
	}

	sc := &scorecard{}
	w := e.cfg.Weights
	e.scoreOrderBook(sc, w, analysis, price)
	e.scoreIndicators(ctx, sc, w, symbol)

	trades := e.market.Trades(symbol, 0)
	scoreFlow(sc, w, tail(trades, e.cfg.FlowWindow))
	scorePatterns(sc, w, model.MicroCandles(symbol, trades, microCandleSize))
	applyVolumeSpike(sc, w, trades)
	return sc, nil
}

func (e *Engine) scoreOrderBook(sc *scorecard, w Weights, a *orderbook.Analysis, price float64) {
	sc.ctx.Imbalance = a.Imbalance
	sc.ctx.SpreadPercent = a.SpreadPercent
	sc.ctx.BidAskRatio = a.BidAskRatio
	sc.ctx.OrderBookBias = a.Signal

	switch {
	case a.Imbalance > imbalanceThreshold:
		sc.add(model.DirLong, w.Imbalance, fmt.Sprintf("bid imbalance %.2f", a.Imbalance))
	case a.Imbalance < -imbalanceThreshold:
		sc.add(model.DirShort, w.Imbalance, fmt.Sprintf("ask imbalance %.2f", a.Imbalance))
	}

	// 下方近处有支撑墙利多，上方近处有压力墙利空
	if wall, ok := nearestWall(a.BidWalls, price); ok && wall.Strength >= model.WallMedium && wall.DistancePercent <= wallProximityPercent {
		sc.add(model.DirLong, w.WallProximity, fmt.Sprintf("%s bid wall %.2f%% below", wall.Strength, wall.DistancePercent))
	}
	if wall, ok := nearestWall(a.AskWalls, price); ok && wall.Strength >= model.WallMedium && wall.DistancePercent <= wallProximityPercent {
		sc.add(model.DirShort, w.WallProximity, fmt.Sprintf("%s ask wall %.2f%% above", wall.Strength, wall.DistancePercent))
	}

	if a.SpreadPercent > 0 && a.SpreadPercent < tightSpreadPercent {
		switch a.Signal {
		case orderbook.SignalUp:
			sc.add(model.DirLong, w.Spread, fmt.Sprintf("tight spread %.3f%%", a.SpreadPercent))
		case orderbook.SignalDown:
			sc.add(model.DirShort, w.Spread, fmt.Sprintf("tight spread %.3f%%", a.SpreadPercent))
		}
	}
}

func nearestWall(walls []model.Wall, price float64) (model.Wall, bool) {
	var best model.Wall
	found := false
	for _, w := range walls {
		d := math.Abs(w.Price-price) / price * 100
		if !found || d < best.DistancePercent {
			best = w
			best.DistancePercent = d
			found = true
		}
	}
	return best, found
}

func (e *Engine) scoreIndicators(ctx context.Context, sc *scorecard, w Weights, symbol string) {
	if e.indicators == nil {
		return
	}
	closes := e.closePrices(ctx, symbol)
	ind, err := e.indicators.Calculate(closes)
	if err != nil {
		e.logger.Debug("Indicators unavailable", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	sc.ctx.Indicators = true
	sc.ctx.RSI = ind.RSI

	switch {
	case ind.RSI < rsiOversold:
		sc.add(model.DirLong, w.RSI, fmt.Sprintf("RSI oversold %.1f", ind.RSI))
	case ind.RSI > rsiOverbought:
		sc.add(model.DirShort, w.RSI, fmt.Sprintf("RSI overbought %.1f", ind.RSI))
	}
	switch ind.StochCross {
	case ta.StochBullishCross:
		sc.add(model.DirLong, w.Stoch, "stochastic bullish cross")
	case ta.StochBearishCross:
		sc.add(model.DirShort, w.Stoch, "stochastic bearish cross")
	}
	switch ind.MomentumSignal {
	case ta.SignalBullish:
		sc.add(model.DirLong, w.Momentum, "momentum bullish")
	case ta.SignalBearish:
		sc.add(model.DirShort, w.Momentum, "momentum bearish")
	}
	switch ind.BollingerSignal {
	case ta.BollingerLowerTouch:
		sc.add(model.DirLong, w.Bollinger, "lower Bollinger touch")
	case ta.BollingerUpperTouch:
		sc.add(model.DirShort, w.Bollinger, "upper Bollinger touch")
	}
}

// closePrices 历史 K 线不足时退回到缓冲区里的逐笔成交价
func (e *Engine) closePrices(ctx context.Context, symbol string) []float64 {
	if e.history != nil {
		klines, err := e.history.GetLatestPrices(ctx, symbol, historyCandles)
		if err == nil && len(klines) >= ta.MinHistoryLen {
			closes := make([]float64, len(klines))
			for i, k := range klines {
				closes[i] = k.Close
			}
			return closes
		}
	}
	trades := e.market.Trades(symbol, 0)
	closes := make([]float64, len(trades))
	for i, t := range trades {
		closes[i] = t.Price
	}
	return closes
}

// scoreFlow 买卖量比、价格漂移、大单方向
func scoreFlow(sc *scorecard, w Weights, trades []model.Trade) {
	if len(trades) < 2 {
		return
	}
	var buyVol, sellVol, total float64
	for _, t := range trades {
		if t.IsBuy() {
			buyVol += t.QuoteVolume
		} else {
			sellVol += t.QuoteVolume
		}
		total += t.QuoteVolume
	}

	ratio := 1.0
	switch {
	case sellVol > 0:
		ratio = math.Min(buyVol/sellVol, maxFlowRatio)
	case buyVol > 0:
		ratio = maxFlowRatio
	}
	sc.ctx.BuySellRatio = ratio
	switch {
	case ratio > flowBullishRatio:
		sc.add(model.DirLong, w.FlowRatio, fmt.Sprintf("buy flow %.2fx", ratio))
	case ratio < flowBearishRatio:
		sc.add(model.DirShort, w.FlowRatio, fmt.Sprintf("sell flow %.2fx", ratio))
	}

	first, last := trades[0].Price, trades[len(trades)-1].Price
	if first > 0 {
		drift := (last - first) / first * 100
		sc.ctx.PriceDrift = drift
		switch {
		case drift > driftThresholdPct:
			sc.add(model.DirLong, w.PriceDrift, fmt.Sprintf("price drift +%.3f%%", drift))
		case drift < -driftThresholdPct:
			sc.add(model.DirShort, w.PriceDrift, fmt.Sprintf("price drift %.3f%%", drift))
		}
	}

	avg := total / float64(len(trades))
	whaleBuys, whaleSells := 0, 0
	for _, t := range trades {
		if avg <= 0 || t.QuoteVolume < avg*whaleTradeMultiple {
			continue
		}
		if t.IsBuy() {
			whaleBuys++
		} else {
			whaleSells++
		}
	}
	switch {
	case whaleBuys > whaleSells:
		sc.add(model.DirLong, w.WhaleAsymmetry, fmt.Sprintf("whale buys %d vs %d", whaleBuys, whaleSells))
	case whaleSells > whaleBuys:
		sc.add(model.DirShort, w.WhaleAsymmetry, fmt.Sprintf("whale sells %d vs %d", whaleSells, whaleBuys))
	}
}

// applyVolumeSpike 最近成交的均量相对之前的均量放大时，两边得分同比放大
func applyVolumeSpike(sc *scorecard, w Weights, trades []model.Trade) {
	if len(trades) <= spikeRecentTrades || w.VolumeSpikeMultiplier <= 0 {
		return
	}
	split := len(trades) - spikeRecentTrades
	recent := avgQuoteVolume(trades[split:])
	trailing := avgQuoteVolume(trades[:split])
	if trailing <= 0 {
		return
	}
	ratio := recent / trailing
	sc.ctx.VolumeRatio = ratio
	if ratio >= w.VolumeSpikeThreshold {
		sc.long *= w.VolumeSpikeMultiplier
		sc.short *= w.VolumeSpikeMultiplier
		sc.reasons = append(sc.reasons, fmt.Sprintf("volume spike %.1fx", ratio))
	}
}

func avgQuoteVolume(trades []model.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	total := 0.0
	for _, t := range trades {
		total += t.QuoteVolume
	}
	return total / float64(len(trades))
}

func tail(trades []model.Trade, n int) []model.Trade {
	if n > 0 && len(trades) > n {
		return trades[len(trades)-n:]
	}
	return trades
}

// buildSignal 按方向计算止盈止损价格
func (e *Engine) buildSignal(symbol string, dir model.Direction, price, confidence float64, sc *scorecard) model.ScalpSignal {
	tp := e.cfg.TakeProfitPercent / 100
	sl := e.cfg.StopLossPercent / 100

	sig := model.ScalpSignal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Direction:  dir,
		EntryPrice: price,
		Confidence: confidence,
		Reasons:    append([]string(nil), sc.reasons...),
		Context:    sc.ctx,
		Timestamp:  e.now(),
	}
	if dir == model.DirLong {
		sig.TakeProfit = price * (1 + tp)
		sig.StopLoss = price * (1 - sl)
	} else {
		sig.TakeProfit = price * (1 - tp)
		sig.StopLoss = price * (1 + sl)
	}
	return sig
}
