package strategy

import (
	"math"

	"crypto-snipper/internal/model"
)

// 挂单墙评估建议
const (
	RecommendHold      = "hold"
	RecommendTightenTP = "tighten_tp"
	RecommendExit      = "exit_profit"
)

const (
	baseBreakProbability = 0.5
	minBreakProbability  = 0.05
	maxBreakProbability  = 0.95
	closeWallPercent     = 0.1
)

// WallAssessment 当前价与止盈价之间的阻挡挂单
type WallAssessment struct {
	Levels           int
	BlockingVolume   float64
	Strength         model.WallStrength
	NearestPercent   float64
	BreakProbability float64
	Recommendation   string
}

// AssessWallBlock 多单看卖盘、空单看买盘；强度按阻挡总量 / 订单簿总深度
func AssessWallBlock(dir model.Direction, price, target float64, book *model.OrderBookSnapshot) WallAssessment {
	res := WallAssessment{BreakProbability: maxBreakProbability, Recommendation: RecommendHold}
	if book == nil || price <= 0 {
		return res
	}

	levels := book.Asks
	inRange := func(p float64) bool { return p >= price && p <= target }
	if dir == model.DirShort {
		levels = book.Bids
		inRange = func(p float64) bool { return p <= price && p >= target }
	}

	res.NearestPercent = math.Inf(1)
	for _, l := range levels {
		if l.Volume <= 0 || !inRange(l.Price) {
			continue
		}
		res.Levels++
		res.BlockingVolume += l.Volume
		res.NearestPercent = math.Min(res.NearestPercent, math.Abs(l.Price-price)/price*100)
	}
	if res.Levels == 0 {
		res.NearestPercent = 0
		return res
	}

	res.Strength = model.ClassifyWall(res.BlockingVolume, book.BidDepth()+book.AskDepth())
	res.BreakProbability = breakProbability(res.Strength, res.Levels, res.NearestPercent)
	res.Recommendation = recommend(res.BreakProbability, res.Strength)
	return res
}

func breakProbability(strength model.WallStrength, levels int, nearestPercent float64) float64 {
	p := baseBreakProbability

	switch strength {
	case model.WallMassive:
		p -= 0.3
	case model.WallStrong:
		p -= 0.2
	case model.WallMedium:
		p -= 0.1
	case model.WallWeak:
		p -= 0.05
	}

	switch {
	case levels >= 5:
		p -= 0.2
	case levels >= 3:
		p -= 0.1
	}

	if nearestPercent < closeWallPercent {
		p -= 0.1
	}
	return math.Max(minBreakProbability, math.Min(maxBreakProbability, p))
}

func recommend(p float64, strength model.WallStrength) string {
	switch {
	case p < 0.2 && strength == model.WallMassive:
		return RecommendExit
	case p < 0.3 && strength >= model.WallStrong:
		return RecommendExit
	case p < 0.4:
		return RecommendTightenTP
	default:
		return RecommendHold
	}
}
