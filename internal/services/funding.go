package services

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// FundingInfo 单个交易对的资金费率信息
type FundingInfo struct {
	TradingPair     string          `json:"trading_pair"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	NextFundingTime int64           `json:"next_funding_time"`
	Rate            decimal.Decimal `json:"rate"`
}

// FundingBook 资金费率表，来自 /all/info
type FundingBook struct {
	mu   sync.RWMutex
	info map[string]FundingInfo
}

func NewFundingBook() *FundingBook {
	return &FundingBook{info: make(map[string]FundingInfo)}
}

// Update 只更新 pairs 中的交易对；rate 按合约精度缩放。返回本次更新的条目。
func (b *FundingBook) Update(markets map[string]api.MarketInfo, pairs []string, lookup ports.InstrumentLookup) []FundingInfo {
	var updated []FundingInfo
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pair := range pairs {
		id, ok := lookup.MarketID(pair)
		if !ok {
			continue
		}
		m, ok := markets[id]
		if !ok {
			continue
		}
		decimals, _ := lookup.Decimals(id)
		fi := FundingInfo{
			TradingPair:     pair,
			IndexPrice:      m.Index.Price,
			NextFundingTime: m.FundingRate.End,
			Rate:            m.FundingRate.Rate.Shift(-decimals),
		}
		b.info[pair] = fi
		updated = append(updated, fi)
	}
	return updated
}

func (b *FundingBook) Get(pair string) (FundingInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fi, ok := b.info[pair]
	return fi, ok
}

func (b *FundingBook) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.info) > 0
}

func (b *FundingBook) All() []FundingInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]FundingInfo, 0, len(b.info))
	for _, fi := range b.info {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}
