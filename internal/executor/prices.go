package executor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StreamPrices 行情流缓存的价格
type StreamPrices interface {
	Price(symbol string) (float64, bool)
	Connected() bool
}

// TickerFetcher REST 报价
type TickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// FallbackPrices 行情流在线且有价格时用流价格，否则退回 REST ticker
type FallbackPrices struct {
	stream  StreamPrices
	ticker  TickerFetcher
	timeout time.Duration
	logger  *zap.Logger
}

func NewFallbackPrices(stream StreamPrices, ticker TickerFetcher, timeout time.Duration, logger *zap.Logger) *FallbackPrices {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackPrices{stream: stream, ticker: ticker, timeout: timeout, logger: logger}
}

func (f *FallbackPrices) Price(symbol string) (float64, bool) {
	if f.stream != nil && f.stream.Connected() {
		if p, ok := f.stream.Price(symbol); ok && p > 0 {
			return p, true
		}
	}
	if f.ticker == nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	p, err := f.ticker.FetchTicker(ctx, symbol)
	if err != nil || p <= 0 {
		f.logger.Debug("Fallback ticker unavailable", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	return p, true
}
