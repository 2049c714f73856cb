package model

// DefaultTradeBufferSize 每个交易对保留的最大成交笔数
const DefaultTradeBufferSize = 100

// TradeBuffer 定长环形缓冲区，满了以后淘汰最旧的成交
// 非并发安全，由持有者 (SymbolMarketState 的锁) 保护
type TradeBuffer struct {
	items []Trade
	head  int // 最旧元素的位置
	size  int
}

// NewTradeBuffer 创建容量为 capacity 的缓冲区
func NewTradeBuffer(capacity int) *TradeBuffer {
	if capacity <= 0 {
		capacity = DefaultTradeBufferSize
	}
	return &TradeBuffer{items: make([]Trade, capacity)}
}

// Push 追加一笔成交
func (b *TradeBuffer) Push(t Trade) {
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = t
		b.size++
		return
	}
	b.items[b.head] = t
	b.head = (b.head + 1) % len(b.items)
}

// Len 当前元素个数
func (b *TradeBuffer) Len() int { return b.size }

// Cap 容量
func (b *TradeBuffer) Cap() int { return len(b.items) }

// Last 返回最近 n 笔成交，按时间从旧到新排列；n<=0 表示全部
func (b *TradeBuffer) Last(n int) []Trade {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Trade, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+start+i)%len(b.items)]
	}
	return out
}

// Clone 深拷贝
func (b *TradeBuffer) Clone() *TradeBuffer {
	cp := &TradeBuffer{items: make([]Trade, len(b.items)), head: b.head, size: b.size}
	copy(cp.items, b.items)
	return cp
}
