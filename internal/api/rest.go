package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crypto-snipper/internal/model"
	"crypto-snipper/internal/service"

	"golang.org/x/time/rate"
)

// ErrNoPrice REST 行情里没有可用价格
var ErrNoPrice = errors.New("api: no price available")

// RESTClient 公共 REST 接口：ticker 与 depth，用于行情流缓存缺失或过期时的兜底
type RESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewRESTClient ratePerSecond<=0 时不限速
func NewRESTClient(baseURL string, ratePerSecond float64) *RESTClient {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type tickerResponse struct {
	Ticker struct {
		Last any `json:"last"`
		High any `json:"high"`
		Low  any `json:"low"`
	} `json:"ticker"`
}

type depthResponse struct {
	Buy  [][]any `json:"buy"`
	Sell [][]any `json:"sell"`
}

// FetchTicker 获取最新成交价
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	var resp tickerResponse
	if err := c.get(ctx, "/api/ticker/"+symbol, &resp); err != nil {
		return 0, err
	}
	if resp.Ticker.Last == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	price, err := service.ToFloat(resp.Ticker.Last)
	if err != nil {
		return 0, fmt.Errorf("parse ticker %s: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

// FetchOrderBook 获取订单簿，每边最多 depth 档 (depth<=0 表示全部)
func (c *RESTClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error) {
	var resp depthResponse
	if err := c.get(ctx, "/api/depth/"+symbol, &resp); err != nil {
		return nil, err
	}
	bids := parseLevelPairs(resp.Buy)
	asks := parseLevelPairs(resp.Sell)
	sortLevels(bids, asks)
	return &model.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      limitLevels(bids, depth),
		Asks:      limitLevels(asks, depth),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// limitLevels 每边最多 depth 档 (depth<=0 表示全部)
func limitLevels(levels []model.OrderBookLevel, depth int) []model.OrderBookLevel {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}

func (c *RESTClient) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// parseLevelPairs 解析 [[price, volume], ...]，跳过无法解析的档位
func parseLevelPairs(rows [][]any) []model.OrderBookLevel {
	levels := make([]model.OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err := service.ToFloat(row[0])
		if err != nil {
			continue
		}
		vol, err := service.ToFloat(row[1])
		if err != nil {
			continue
		}
		levels = append(levels, model.OrderBookLevel{Price: price, Volume: vol})
	}
	return levels
}
