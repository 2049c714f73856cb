package model

import (
	"fmt"
	"math"
	"time"
)

// DefaultCandleEvery 每隔多少笔成交聚合一根 K 线
const DefaultCandleEvery = 10

// KlineAggregator 按成交笔数聚合 K 线：每收到第 N 笔成交，把缓冲区里最近 N 笔聚合成一根
// 由 SymbolMarketState 的持有者串行调用
type KlineAggregator struct {
	Symbol   string
	Interval string
	every    int
	count    int
}

// NewKlineAggregator 创建一个新的聚合器
func NewKlineAggregator(symbol string, every int) *KlineAggregator {
	if every <= 0 {
		every = DefaultCandleEvery
	}
	return &KlineAggregator{
		Symbol:   symbol,
		Interval: fmt.Sprintf("%dt", every),
		every:    every,
	}
}

// OnTrade 记录一笔成交；恰好满 N 笔时返回聚合好的 K 线
func (agg *KlineAggregator) OnTrade(buf *TradeBuffer) (KLine, bool) {
	agg.count++
	if agg.count%agg.every != 0 || buf.Len() < agg.every {
		return KLine{}, false
	}
	return AggregateTrades(agg.Symbol, agg.Interval, buf.Last(agg.every)), true
}

// AggregateTrades 把一组按时间排序的成交聚合为 OHLCV
func AggregateTrades(symbol, interval string, trades []Trade) KLine {
	if len(trades) == 0 {
		return KLine{Symbol: symbol, Interval: interval}
	}
	first, last := trades[0], trades[len(trades)-1]
	k := KLine{
		Symbol:    symbol,
		Interval:  interval,
		Open:      first.Price,
		High:      first.Price,
		Low:       first.Price,
		Close:     last.Price,
		StartTime: time.UnixMilli(first.Timestamp),
		EndTime:   time.UnixMilli(last.Timestamp),
	}
	for _, t := range trades {
		k.High = math.Max(k.High, t.Price)
		k.Low = math.Min(k.Low, t.Price)
		k.Volume += t.BaseVolume
	}
	return k
}

// MicroCandles 把成交按每 size 笔切成若干根微型 K 线 (丢弃最前面不足 size 的零头)
func MicroCandles(symbol string, trades []Trade, size int) []KLine {
	if size <= 0 {
		size = DefaultCandleEvery
	}
	offset := len(trades) % size
	out := make([]KLine, 0, len(trades)/size)
	for i := offset; i+size <= len(trades); i += size {
		out = append(out, AggregateTrades(symbol, fmt.Sprintf("%dt", size), trades[i:i+size]))
	}
	return out
}
