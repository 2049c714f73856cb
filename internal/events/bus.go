package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type 事件类型
type Type string

const (
	// 行情流
	Connected    Type = "connected"
	Disconnected Type = "disconnected"
	Error        Type = "error"
	Trade        Type = "trade"
	OrderBook    Type = "orderbook"
	Price        Type = "price"

	// 信号引擎
	Signal Type = "signal"
	Exit   Type = "exit"

	// 持仓风控
	PositionUpdate      Type = "position:update"
	PositionAutoClosed  Type = "position:auto_closed"
	PositionCloseFailed Type = "position:close_failed"
)

// Event 不可变的事件快照，Payload 只放值类型 (或不再被修改的副本)
type Event struct {
	Type      Type
	Symbol    string
	Timestamp time.Time
	Payload   any
}

// Subscription 一个消费者的事件通道
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[Type]struct{} // 为空表示订阅全部
	name  string
}

func (s *Subscription) accepts(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus 多消费者广播：每个订阅者独立的缓冲通道，发布方永不阻塞
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With(zap.String("component", "events")),
	}
}

// Subscribe 注册消费者；types 为空时接收所有事件
func (b *Bus) Subscribe(name string, buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, name: name, types: make(map[Type]struct{}, len(types))}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe 移除消费者并关闭其通道，重复调用是安全的
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish 把事件投递给所有匹配的订阅者；通道满时丢弃并告警
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.accepts(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Subscriber channel full! Dropping event.",
				zap.String("subscriber", sub.name),
				zap.String("type", string(ev.Type)),
				zap.String("symbol", ev.Symbol))
		}
	}
}
