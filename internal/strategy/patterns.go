package strategy

import (
	"math"

	"crypto-snipper/internal/model"
)

// K 线形态
const (
	PatternNone             = ""
	PatternBullishEngulfing = "bullish_engulfing"
	PatternBearishEngulfing = "bearish_engulfing"
	PatternHammer           = "hammer"
	PatternShootingStar     = "shooting_star"
	PatternThreeUp          = "three_up"
	PatternThreeDown        = "three_down"
)

// DetectPattern 只看最近三根 K 线；三连优先，其次吞没，最后看单根影线
func DetectPattern(candles []model.KLine) (string, model.Direction) {
	n := len(candles)
	if n >= 3 {
		a, b, c := candles[n-3], candles[n-2], candles[n-1]
		if bullish(a) && bullish(b) && bullish(c) && b.Close > a.Close && c.Close > b.Close {
			return PatternThreeUp, model.DirLong
		}
		if bearish(a) && bearish(b) && bearish(c) && b.Close < a.Close && c.Close < b.Close {
			return PatternThreeDown, model.DirShort
		}
	}
	if n >= 2 {
		prev, cur := candles[n-2], candles[n-1]
		if bearish(prev) && bullish(cur) && cur.Open <= prev.Close && cur.Close >= prev.Open {
			return PatternBullishEngulfing, model.DirLong
		}
		if bullish(prev) && bearish(cur) && cur.Open >= prev.Close && cur.Close <= prev.Open {
			return PatternBearishEngulfing, model.DirShort
		}
	}
	if n >= 1 {
		k := candles[n-1]
		body := math.Abs(k.Close - k.Open)
		upper := k.High - math.Max(k.Open, k.Close)
		lower := math.Min(k.Open, k.Close) - k.Low
		if body > 0 {
			switch {
			case lower >= 2*body && upper <= body:
				return PatternHammer, model.DirLong
			case upper >= 2*body && lower <= body:
				return PatternShootingStar, model.DirShort
			}
		}
	}
	return PatternNone, model.DirFlat
}

func bullish(k model.KLine) bool { return k.Close > k.Open }
func bearish(k model.KLine) bool { return k.Close < k.Open }

func scorePatterns(sc *scorecard, w Weights, candles []model.KLine) {
	pattern, dir := DetectPattern(candles)
	if pattern == PatternNone {
		return
	}
	sc.add(dir, w.Pattern, "pattern "+pattern)
}
