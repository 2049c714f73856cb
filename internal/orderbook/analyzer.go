package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"crypto-snipper/internal/model"

	"go.uber.org/zap"
)

// ErrNoOrderBook 缓存和 REST 都拿不到可用的订单簿
var ErrNoOrderBook = errors.New("orderbook: no order book available")

// 方向信号
const (
	SignalUp      = "up"
	SignalDown    = "down"
	SignalNeutral = "neutral"

	WhaleBuy  = "buy"
	WhaleSell = "sell"
)

const (
	signalThreshold   = 0.15
	imbalanceTrigger  = 0.1
	imbalanceWeight   = 0.5
	whaleWeight       = 0.2
	ratioWeight       = 0.15
	ratioBullish      = 1.5
	ratioBearish      = 0.67
	spreadPenaltyRate = 0.1
	maxSpreadPenalty  = 0.2
	maxConfidence     = 0.9
	// 卖盘为空时 bid/ask 比值的上限
	maxBidAskRatio = 100.0
)

// SnapshotSource 行情流缓存的订单簿
type SnapshotSource interface {
	OrderBook(symbol string) (*model.OrderBookSnapshot, bool)
}

// BookFetcher 订单簿 REST 兜底
type BookFetcher interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*model.OrderBookSnapshot, error)
}

// Recorder 分析快照的只追加存储
type Recorder interface {
	SaveAnalysis(ctx context.Context, r model.AnalysisRecord) error
	LatestAnalyses(ctx context.Context, symbol string, n int) ([]model.AnalysisRecord, error)
}

// Config 分析参数
type Config struct {
	CacheMaxAge time.Duration
	Depth       int
	BandPercent float64 // 墙聚合的价格带宽度 (%)
	WhaleRatio  float64
	MaxWalls    int
}

func (c *Config) applyDefaults() {
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 5 * time.Second
	}
	if c.Depth <= 0 {
		c.Depth = 50
	}
	if c.BandPercent <= 0 {
		c.BandPercent = 0.1
	}
	if c.WhaleRatio <= 0 {
		c.WhaleRatio = 0.1
	}
	if c.MaxWalls <= 0 {
		c.MaxWalls = 5
	}
}

// Analysis 一次订单簿分析的结果
type Analysis struct {
	Symbol        string
	BidDepth      float64
	AskDepth      float64
	BidAskRatio   float64
	Imbalance     float64
	SpreadPercent float64
	BestBid       float64
	BestAsk       float64
	MidPrice      float64
	Support       float64
	Resistance    float64
	BidWalls      []model.Wall
	AskWalls      []model.Wall
	Whale         string
	NetScore      float64
	Signal        string
	Confidence    float64
	FromCache     bool
	Book          *model.OrderBookSnapshot
	Timestamp     time.Time
}

// Record 转换为持久化记录
func (a *Analysis) Record() model.AnalysisRecord {
	return model.AnalysisRecord{
		Symbol:      a.Symbol,
		BidDepth:    a.BidDepth,
		AskDepth:    a.AskDepth,
		BidAskRatio: a.BidAskRatio,
		Imbalance:   a.Imbalance,
		Spread:      a.SpreadPercent,
		Support:     a.Support,
		Resistance:  a.Resistance,
		Whale:       a.Whale,
		Signal:      a.Signal,
		Confidence:  a.Confidence,
		CreatedAt:   a.Timestamp,
	}
}

// Trend 最近 N 次分析的多数表决
type Trend struct {
	Symbol  string
	Signal  string
	Up      int
	Down    int
	Neutral int
	Samples int
}

// Analyzer 订单簿分析器
type Analyzer struct {
	cfg      Config
	cache    SnapshotSource
	fetcher  BookFetcher
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewAnalyzer cache / fetcher / recorder 都可以为 nil
func NewAnalyzer(cfg Config, cache SnapshotSource, fetcher BookFetcher, recorder Recorder, logger *zap.Logger) *Analyzer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		cfg:      cfg,
		cache:    cache,
		fetcher:  fetcher,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "orderbook")),
		now:      time.Now,
	}
}

// Analyze 优先使用新鲜的缓存快照，否则走 REST
func (a *Analyzer) Analyze(ctx context.Context, symbol string, useCache bool) (*Analysis, error) {
	book, fromCache, err := a.snapshot(ctx, symbol, useCache)
	if err != nil {
		return nil, err
	}

	res := Evaluate(book, a.cfg)
	res.Symbol = symbol
	res.FromCache = fromCache
	res.Timestamp = a.now()

	if a.recorder != nil {
		go a.persist(res.Record())
	}
	return res, nil
}

func (a *Analyzer) snapshot(ctx context.Context, symbol string, useCache bool) (*model.OrderBookSnapshot, bool, error) {
	if useCache && a.cache != nil {
		if ob, ok := a.cache.OrderBook(symbol); ok && ob.Age(a.now()) < a.cfg.CacheMaxAge && hasLevels(ob) {
			return ob, true, nil
		}
	}
	if a.fetcher == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNoOrderBook, symbol)
	}
	ob, err := a.fetcher.FetchOrderBook(ctx, symbol, a.cfg.Depth)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrNoOrderBook, symbol, err)
	}
	if !hasLevels(ob) {
		return nil, false, fmt.Errorf("%w: %s: empty book", ErrNoOrderBook, symbol)
	}
	return ob, false, nil
}

func (a *Analyzer) persist(r model.AnalysisRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.recorder.SaveAnalysis(ctx, r); err != nil {
		a.logger.Warn("Failed to persist analysis", zap.String("symbol", r.Symbol), zap.Error(err))
	}
}

// Trend 最近 n 次分析的多数表决，平票为 neutral
func (a *Analyzer) Trend(ctx context.Context, symbol string, n int) (Trend, error) {
	records, err := a.History(ctx, symbol, n)
	if err != nil {
		return Trend{}, err
	}
	t := Trend{Symbol: symbol, Signal: SignalNeutral, Samples: len(records)}
	for _, r := range records {
		switch r.Signal {
		case SignalUp:
			t.Up++
		case SignalDown:
			t.Down++
		default:
			t.Neutral++
		}
	}
	switch {
	case t.Up > t.Down && t.Up > t.Neutral:
		t.Signal = SignalUp
	case t.Down > t.Up && t.Down > t.Neutral:
		t.Signal = SignalDown
	}
	return t, nil
}

// History 最近 n 次分析 (新的在前)
func (a *Analyzer) History(ctx context.Context, symbol string, n int) ([]model.AnalysisRecord, error) {
	if a.recorder == nil {
		return nil, nil
	}
	return a.recorder.LatestAnalyses(ctx, symbol, n)
}

// Evaluate 对一个快照做纯计算，不访问网络和存储
func Evaluate(book *model.OrderBookSnapshot, cfg Config) *Analysis {
	cfg.applyDefaults()

	res := &Analysis{
		Symbol:        book.Symbol,
		BidDepth:      book.BidDepth(),
		AskDepth:      book.AskDepth(),
		Imbalance:     book.Imbalance(),
		SpreadPercent: book.SpreadPercent(),
		BestBid:       book.BestBid(),
		BestAsk:       book.BestAsk(),
		MidPrice:      book.MidPrice(),
		Book:          book,
	}
	res.BidAskRatio = bidAskRatio(res.BidDepth, res.AskDepth)
	res.Support = maxVolumeLevel(book.Bids).Price
	res.Resistance = maxVolumeLevel(book.Asks).Price
	res.BidWalls, res.AskWalls = DetectWalls(book, cfg.BandPercent, cfg.MaxWalls)
	res.Whale = detectWhale(book, cfg.WhaleRatio)
	res.NetScore, res.Signal, res.Confidence = directionalSignal(res)
	return res
}

func bidAskRatio(bid, ask float64) float64 {
	switch {
	case ask > 0:
		return math.Min(bid/ask, maxBidAskRatio)
	case bid > 0:
		return maxBidAskRatio
	default:
		return 1
	}
}

func maxVolumeLevel(levels []model.OrderBookLevel) model.OrderBookLevel {
	var best model.OrderBookLevel
	for _, l := range levels {
		if l.Volume > best.Volume {
			best = l
		}
	}
	return best
}

// detectWhale 单个档位 >= 本侧总量的 ratio；两侧都满足时取占比更高的一侧
func detectWhale(book *model.OrderBookSnapshot, ratio float64) string {
	bidShare := largestShare(book.Bids)
	askShare := largestShare(book.Asks)
	bidWhale := bidShare >= ratio
	askWhale := askShare >= ratio
	switch {
	case bidWhale && (!askWhale || bidShare > askShare):
		return WhaleBuy
	case askWhale && (!bidWhale || askShare > bidShare):
		return WhaleSell
	default:
		return ""
	}
}

func largestShare(levels []model.OrderBookLevel) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Volume
	}
	if total <= 0 {
		return 0
	}
	return maxVolumeLevel(levels).Volume / total
}

// directionalSignal 正向权重累加后按价差收缩净分数
func directionalSignal(res *Analysis) (float64, string, float64) {
	bullish, bearish := 0.0, 0.0

	if res.Imbalance > imbalanceTrigger {
		bullish += res.Imbalance * imbalanceWeight
	} else if res.Imbalance < -imbalanceTrigger {
		bearish += -res.Imbalance * imbalanceWeight
	}

	switch res.Whale {
	case WhaleBuy:
		bullish += whaleWeight
	case WhaleSell:
		bearish += whaleWeight
	}

	if res.BidAskRatio > ratioBullish {
		bullish += ratioWeight
	} else if res.BidAskRatio < ratioBearish {
		bearish += ratioWeight
	}

	net := bullish - bearish
	penalty := math.Min(res.SpreadPercent*spreadPenaltyRate, maxSpreadPenalty)
	if net > 0 {
		net = math.Max(0, net-penalty)
	} else {
		net = math.Min(0, net+penalty)
	}

	signal := SignalNeutral
	switch {
	case net > signalThreshold:
		signal = SignalUp
	case net < -signalThreshold:
		signal = SignalDown
	}
	return net, signal, math.Min(maxConfidence, 0.5+math.Abs(net))
}

// DetectWalls 按中间价的 bandPercent% 分带聚合，返回每侧最多 maxWalls 个墙
func DetectWalls(book *model.OrderBookSnapshot, bandPercent float64, maxWalls int) (bids, asks []model.Wall) {
	mid := book.MidPrice()
	if mid <= 0 || bandPercent <= 0 {
		return nil, nil
	}
	total := book.BidDepth() + book.AskDepth()
	width := mid * bandPercent / 100

	bids = bandWalls(book.Bids, "bid", mid, width, total)
	asks = bandWalls(book.Asks, "ask", mid, width, total)
	return limitWalls(bids, maxWalls), limitWalls(asks, maxWalls)
}

type band struct {
	volume   float64
	notional float64
}

func bandWalls(levels []model.OrderBookLevel, side string, mid, width, total float64) []model.Wall {
	bands := make(map[int64]*band)
	for _, l := range levels {
		if l.Volume <= 0 || l.Price <= 0 {
			continue
		}
		key := int64(math.Floor(l.Price / width))
		b, ok := bands[key]
		if !ok {
			b = &band{}
			bands[key] = b
		}
		b.volume += l.Volume
		b.notional += l.Price * l.Volume
	}

	walls := make([]model.Wall, 0, len(bands))
	for _, b := range bands {
		strength := model.ClassifyWall(b.volume, total)
		if strength == model.WallNone {
			continue
		}
		price := b.notional / b.volume
		walls = append(walls, model.Wall{
			Price:           price,
			Volume:          b.volume,
			Side:            side,
			Strength:        strength,
			DistancePercent: math.Abs(price-mid) / mid * 100,
			Notional:        b.notional,
		})
	}
	return walls
}

func limitWalls(walls []model.Wall, maxWalls int) []model.Wall {
	sort.Slice(walls, func(i, j int) bool {
		if walls[i].Strength != walls[j].Strength {
			return walls[i].Strength > walls[j].Strength
		}
		return walls[i].DistancePercent < walls[j].DistancePercent
	})
	if maxWalls > 0 && len(walls) > maxWalls {
		walls = walls[:maxWalls]
	}
	return walls
}

func hasLevels(ob *model.OrderBookSnapshot) bool {
	return ob != nil && (len(ob.Bids) > 0 || len(ob.Asks) > 0)
}
