package model

import "time"

// Trade 代表一笔逐笔成交 (来自 trade-activity 频道)
type Trade struct {
	Symbol      string  // 交易对，例如 "btcidr"
	Side        string  // "buy" 或 "sell" (主动方)
	Price       float64 // 成交价格
	QuoteVolume float64 // 计价币成交额
	BaseVolume  float64 // 基础币成交量
	Seq         int64   // 交易所序号
	Timestamp   int64   // 毫秒时间戳
}

// IsBuy 是否为主动买入
func (t Trade) IsBuy() bool {
	return t.Side == "buy"
}

// KLine 代表聚合后的 K 线数据 (价格存储的记录单位)
type KLine struct {
	Symbol    string
	Interval  string // 周期，例如 "10t" 表示每 10 笔成交聚合一次
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
}

// PriceUpdate 是 "price" 事件携带的快照
type PriceUpdate struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Timestamp     int64
}

// SymbolMarketState 保存单个交易对的实时市场状态
type SymbolMarketState struct {
	Symbol        string
	Price         float64
	Change        float64 // 相对上一笔成交的价格变化
	ChangePercent float64
	High24h       float64
	Low24h        float64
	Volume24h     float64
	WindowStart   int64 // 24h 滚动窗口起点 (毫秒)
	Trades        *TradeBuffer
	OrderBook     *OrderBookSnapshot
	UpdatedAt     time.Time
}

// NewSymbolMarketState 在首次订阅时创建
func NewSymbolMarketState(symbol string, bufferSize int) *SymbolMarketState {
	return &SymbolMarketState{
		Symbol: symbol,
		Trades: NewTradeBuffer(bufferSize),
	}
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// ApplyTrade 用一笔成交更新价格、变化量、24h 高低点与成交量，并写入环形缓冲区
func (s *SymbolMarketState) ApplyTrade(t Trade) {
	if s.WindowStart == 0 || t.Timestamp-s.WindowStart >= dayMillis {
		s.WindowStart = t.Timestamp
		s.High24h = t.Price
		s.Low24h = t.Price
		s.Volume24h = 0
	}

	if s.Price > 0 {
		s.Change = t.Price - s.Price
		s.ChangePercent = s.Change / s.Price * 100
	}
	s.Price = t.Price

	if t.Price > s.High24h {
		s.High24h = t.Price
	}
	if t.Price < s.Low24h {
		s.Low24h = t.Price
	}
	s.Volume24h += t.BaseVolume

	s.Trades.Push(t)
	s.UpdatedAt = time.UnixMilli(t.Timestamp)
}

// Snapshot 返回不共享可变内部结构的副本
func (s *SymbolMarketState) Snapshot() SymbolMarketState {
	cp := *s
	cp.Trades = s.Trades.Clone()
	if s.OrderBook != nil {
		ob := s.OrderBook.Clone()
		cp.OrderBook = &ob
	}
	return cp
}
