package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/pkg/sigchan"
)

// Level 一个价位
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Book 单个交易对的价位簿。快照整体替换，增量按价位覆盖（数量为 0 删除价位）。
type Book struct {
	TradingPair string

	mu        sync.RWMutex
	bids      map[string]Level
	asks      map[string]Level
	updatedAt time.Time
	snapshots int

	// 每次变更后发信号
	C *sigchan.Chan
}

func NewBook(pair string) *Book {
	return &Book{
		TradingPair: pair,
		bids:        map[string]Level{},
		asks:        map[string]Level{},
		C:           sigchan.New(),
	}
}

// ApplySnapshot 整体替换买卖盘
func (b *Book) ApplySnapshot(bids, asks []Level, ts time.Time) {
	b.mu.Lock()
	b.bids = toMap(bids)
	b.asks = toMap(asks)
	b.updatedAt = ts
	b.snapshots++
	b.mu.Unlock()
	b.C.Emit()
}

// ApplyDiff 按价位覆盖
func (b *Book) ApplyDiff(bids, asks []Level, ts time.Time) {
	b.mu.Lock()
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.updatedAt = ts
	b.mu.Unlock()
	b.C.Emit()
}

// Initialized 至少收到过一次快照
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshots > 0
}

func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// BestBid 最高买价
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best Level
	found := false
	for _, l := range b.bids {
		if !found || l.Price.GreaterThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// BestAsk 最低卖价
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best Level
	found := false
	for _, l := range b.asks {
		if !found || l.Price.LessThan(best.Price) {
			best, found = l, true
		}
	}
	return best, found
}

// MidPrice 买一卖一均价；任一侧为空时返回 false
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Bids 从高到低，depth<=0 表示全部
func (b *Book) Bids(depth int) []Level {
	b.mu.RLock()
	out := fromMap(b.bids)
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return trim(out, depth)
}

// Asks 从低到高，depth<=0 表示全部
func (b *Book) Asks(depth int) []Level {
	b.mu.RLock()
	out := fromMap(b.asks)
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return trim(out, depth)
}

func toMap(levels []Level) map[string]Level {
	m := make(map[string]Level, len(levels))
	applyLevels(m, levels)
	return m
}

func applyLevels(m map[string]Level, levels []Level) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Amount.IsZero() {
			delete(m, key)
			continue
		}
		m[key] = l
	}
}

func fromMap(m map[string]Level) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

func trim(levels []Level, depth int) []Level {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}
