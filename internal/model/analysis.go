package model

import "time"

// AnalysisRecord 订单簿分析的持久化快照 (只追加)
type AnalysisRecord struct {
	Symbol      string
	BidDepth    float64
	AskDepth    float64
	BidAskRatio float64
	Imbalance   float64
	Spread      float64
	Support     float64
	Resistance  float64
	Whale       string
	Signal      string // up / down / neutral
	Confidence  float64
	CreatedAt   time.Time
}
