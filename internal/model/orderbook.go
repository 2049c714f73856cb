package model

import "time"

// OrderBookLevel 订单簿中的一个价位
type OrderBookLevel struct {
	Price  float64
	Volume float64
}

// OrderBookSnapshot 某一时刻的完整订单簿 (bids 价格降序, asks 价格升序)
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp int64 // 毫秒
}

// BidDepth 买盘总量
func (ob *OrderBookSnapshot) BidDepth() float64 { return sumVolume(ob.Bids) }

// AskDepth 卖盘总量
func (ob *OrderBookSnapshot) AskDepth() float64 { return sumVolume(ob.Asks) }

// Imbalance 买卖盘失衡度，范围 [-1, 1]
func (ob *OrderBookSnapshot) Imbalance() float64 {
	return Imbalance(ob.BidDepth(), ob.AskDepth())
}

// BestBid 最优买价，没有买盘时返回 0
func (ob *OrderBookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk 最优卖价，没有卖盘时返回 0
func (ob *OrderBookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// MidPrice 中间价，单边缺失时退化为另一边
func (ob *OrderBookSnapshot) MidPrice() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// SpreadPercent 买卖价差占中间价的百分比
func (ob *OrderBookSnapshot) SpreadPercent() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (ask - bid) / ((ask + bid) / 2) * 100
}

// Age 快照距 now 的时间
func (ob *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(ob.Timestamp))
}

// Clone 深拷贝
func (ob OrderBookSnapshot) Clone() OrderBookSnapshot {
	cp := ob
	cp.Bids = append([]OrderBookLevel(nil), ob.Bids...)
	cp.Asks = append([]OrderBookLevel(nil), ob.Asks...)
	return cp
}

// Imbalance = (bid-ask)/(bid+ask)，双边为 0 时定义为 0
func Imbalance(bidDepth, askDepth float64) float64 {
	if bidDepth < 0 {
		bidDepth = 0
	}
	if askDepth < 0 {
		askDepth = 0
	}
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	v := (bidDepth - askDepth) / total
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func sumVolume(levels []OrderBookLevel) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Volume
	}
	return total
}
