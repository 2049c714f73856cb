package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"crypto-snipper/internal/model"
	"crypto-snipper/internal/service"
)

const (
	authRequestID = 1

	methodSubscribe   = 1
	methodUnsubscribe = 2

	tradeChannelPrefix     = "market:trade-activity-"
	orderBookChannelPrefix = "market:order-book-"
)

// ErrMalformed 单条消息无法解析，直接丢弃
var ErrMalformed = errors.New("api: malformed stream message")

type authParams struct {
	Token string `json:"token"`
}

// authRequest 连接后的第一条消息 {"params":{"token":T},"id":1}
type authRequest struct {
	Params authParams `json:"params"`
	ID     int64      `json:"id"`
}

type channelParams struct {
	Channel string `json:"channel"`
}

// channelRequest 订阅/退订 {"method":1|2,"params":{"channel":C},"id":N}
type channelRequest struct {
	Method int           `json:"method"`
	Params channelParams `json:"params"`
	ID     int64         `json:"id"`
}

// inboundMessage 服务端消息：请求应答带 id，推送只有 result
type inboundMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type pushResult struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func tradeChannel(pair string) string     { return tradeChannelPrefix + pair }
func orderBookChannel(pair string) string { return orderBookChannelPrefix + pair }

// channelsFor 一个交易对对应的两个逻辑频道
func channelsFor(pair string) []string {
	return []string{tradeChannel(pair), orderBookChannel(pair)}
}

// truthy 按 JS 语义判断 result 是否为真
func truthy(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	switch s {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}

func decodeUseNumber(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// unwrapData 推送数据可能是 {"data": X, "offset": N} 的包装，也可能直接是 X
func unwrapData(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return trimmed
	}
	if inner, ok := wrapper["data"]; ok {
		return inner
	}
	return trimmed
}

// parseTrades 解析 [pair, unixSeconds, seq, side, price, quoteVol, baseVol] 行 (单行或多行)
func parseTrades(raw json.RawMessage) ([]model.Trade, error) {
	var rows []any
	if err := decodeUseNumber(unwrapData(raw), &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, nested := rows[0].([]any); !nested {
		rows = []any{rows}
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		row, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: trade row is %T", ErrMalformed, r)
		}
		t, err := parseTradeRow(row)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseTradeRow(row []any) (model.Trade, error) {
	if len(row) < 7 {
		return model.Trade{}, fmt.Errorf("%w: trade row has %d fields", ErrMalformed, len(row))
	}
	pair, ok := row[0].(string)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: pair is %T", ErrMalformed, row[0])
	}
	side, ok := row[3].(string)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: side is %T", ErrMalformed, row[3])
	}

	var (
		t   = model.Trade{Symbol: pair, Side: strings.ToLower(side)}
		err error
		sec int64
	)
	if sec, err = service.ToInt64(row[1]); err != nil {
		return model.Trade{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	t.Timestamp = sec * 1000
	if t.Seq, err = service.ToInt64(row[2]); err != nil {
		return model.Trade{}, fmt.Errorf("%w: seq: %v", ErrMalformed, err)
	}
	if t.Price, err = service.ToFloat(row[4]); err != nil {
		return model.Trade{}, fmt.Errorf("%w: price: %v", ErrMalformed, err)
	}
	if t.QuoteVolume, err = service.ToFloat(row[5]); err != nil {
		return model.Trade{}, fmt.Errorf("%w: quote volume: %v", ErrMalformed, err)
	}
	if t.BaseVolume, err = service.ToFloat(row[6]); err != nil {
		return model.Trade{}, fmt.Errorf("%w: base volume: %v", ErrMalformed, err)
	}
	return t, nil
}

// parseOrderBook 解析 {ask:[...], bid:[...]}，每个档位有 price 和 <base>_volume
func parseOrderBook(pair, quote string, raw json.RawMessage, ts int64) (*model.OrderBookSnapshot, error) {
	var payload struct {
		Ask []map[string]any `json:"ask"`
		Bid []map[string]any `json:"bid"`
	}
	if err := decodeUseNumber(unwrapData(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	volumeKey := strings.TrimSuffix(pair, quote) + "_volume"
	asks, err := parseLevelMaps(payload.Ask, volumeKey, quote+"_volume")
	if err != nil {
		return nil, err
	}
	bids, err := parseLevelMaps(payload.Bid, volumeKey, quote+"_volume")
	if err != nil {
		return nil, err
	}
	sortLevels(bids, asks)

	return &model.OrderBookSnapshot{Symbol: pair, Bids: bids, Asks: asks, Timestamp: ts}, nil
}

// sortLevels 买盘价格降序，卖盘价格升序
func sortLevels(bids, asks []model.OrderBookLevel) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
}

func parseLevelMaps(entries []map[string]any, volumeKey, quoteKey string) ([]model.OrderBookLevel, error) {
	levels := make([]model.OrderBookLevel, 0, len(entries))
	for _, e := range entries {
		price, err := service.ToFloat(e["price"])
		if err != nil {
			return nil, fmt.Errorf("%w: level price: %v", ErrMalformed, err)
		}
		rawVol, ok := e[volumeKey]
		if !ok {
			rawVol, ok = findBaseVolume(e, quoteKey)
		}
		if !ok {
			return nil, fmt.Errorf("%w: level has no %s", ErrMalformed, volumeKey)
		}
		vol, err := service.ToFloat(rawVol)
		if err != nil {
			return nil, fmt.Errorf("%w: level volume: %v", ErrMalformed, err)
		}
		levels = append(levels, model.OrderBookLevel{Price: price, Volume: vol})
	}
	return levels, nil
}

// findBaseVolume 交易对命名不规则时，取第一个不是计价币的 *_volume 字段
func findBaseVolume(e map[string]any, quoteKey string) (any, bool) {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasSuffix(k, "_volume") && k != quoteKey {
			return e[k], true
		}
	}
	return nil, false
}
