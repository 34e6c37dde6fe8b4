package services

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// BalanceView 单币种余额视图
type BalanceView struct {
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// BalanceBook 账户余额与挂单占用。
// 快照来自 /account/balance 与 account_balance 推送；占用来自在途订单。
type BalanceBook struct {
	mu        sync.RWMutex
	total     map[string]decimal.Decimal
	available map[string]decimal.Decimal
	reserved  map[string]decimal.Decimal
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		total:     make(map[string]decimal.Decimal),
		available: make(map[string]decimal.Decimal),
		reserved:  make(map[string]decimal.Decimal),
	}
}

// ApplySnapshot 按币种精度缩放后覆盖余额与可用余额
func (b *BalanceBook) ApplySnapshot(entries map[string]api.BalanceEntry, lookup ports.InstrumentLookup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e.Symbol == "" {
			continue
		}
		var decimals int32
		if lookup != nil {
			decimals = lookup.DecimalsByCurrency(e.Symbol)
		}
		b.total[e.Symbol] = e.Plasma.Shift(-decimals)
		b.available[e.Symbol] = e.Available.Shift(-decimals)
	}
}

// Reserve 增加占用并重算可用余额
func (b *BalanceBook) Reserve(currency string, amount decimal.Decimal) {
	if currency == "" || amount.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved[currency] = b.reserved[currency].Add(amount)
	b.recompute(currency)
}

// Release 释放占用（不低于 0）并重算可用余额
func (b *BalanceBook) Release(currency string, amount decimal.Decimal) {
	if currency == "" || amount.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved[currency] = decimal.Max(b.reserved[currency].Sub(amount), decimal.Zero)
	b.recompute(currency)
}

func (b *BalanceBook) recompute(currency string) {
	b.available[currency] = decimal.Max(b.total[currency].Sub(b.reserved[currency]), decimal.Zero)
}

func (b *BalanceBook) Balance(currency string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total[currency]
}

func (b *BalanceBook) Available(currency string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.available[currency]
}

func (b *BalanceBook) Reserved(currency string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reserved[currency]
}

// Loaded 至少收到过一次余额快照
func (b *BalanceBook) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.total) > 0
}

// All 按币种排序返回
func (b *BalanceBook) All() []BalanceView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{}, len(b.total)+len(b.reserved))
	for c := range b.total {
		seen[c] = struct{}{}
	}
	for c := range b.reserved {
		seen[c] = struct{}{}
	}
	out := make([]BalanceView, 0, len(seen))
	for c := range seen {
		out = append(out, BalanceView{
			Currency:  c,
			Total:     b.total[c],
			Available: b.available[c],
			Reserved:  b.reserved[c],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
