package services

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// TradingRuleBook 交易规则与杠杆设置
type TradingRuleBook struct {
	mu       sync.RWMutex
	rules    map[string]domain.TradingRule
	leverage map[string]int
}

func NewTradingRuleBook() *TradingRuleBook {
	return &TradingRuleBook{
		rules:    make(map[string]domain.TradingRule),
		leverage: make(map[string]int),
	}
}

// RuleFromInstrument 最小下单量与数量步长为 10^-baseSignificantDigits，价格步长为 tickSize
func RuleFromInstrument(pair string, inst api.Instrument) domain.TradingRule {
	minSize := decimal.New(1, -inst.BaseSignificantDigits)
	maxLev := int(inst.MaxLeverage.IntPart())
	return domain.TradingRule{
		TradingPair:       pair,
		MinOrderSize:      minSize,
		MinPriceIncrement: inst.TickSize,
		MinBaseIncrement:  minSize,
		MinNotional:       minSize.Mul(inst.TickSize),
		MaxLeverage:       maxLev,
	}
}

// Update 用 /all/config 刷新规则，并把已设置的杠杆压到 maxLeverage 以内。
// symbol 把合约 id 映射到交易对，映射不到的合约跳过。
func (b *TradingRuleBook) Update(cfg *api.ConfigResponse, symbol func(marketID string) (string, bool)) int {
	if cfg == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, inst := range cfg.Instruments {
		pair, ok := symbol(id)
		if !ok {
			continue
		}
		rule := RuleFromInstrument(pair, inst)
		b.rules[pair] = rule
		if lev, ok := b.leverage[pair]; ok {
			b.leverage[pair] = rule.ClampLeverage(lev)
		}
		n++
	}
	return n
}

func (b *TradingRuleBook) Rule(pair string) (domain.TradingRule, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[pair]
	return r, ok
}

func (b *TradingRuleBook) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules) > 0
}

// SetLeverage 记录杠杆；规则已知时立即按 maxLeverage 截断，返回生效值
func (b *TradingRuleBook) SetLeverage(pair string, leverage int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if leverage < 1 {
		leverage = 1
	}
	if r, ok := b.rules[pair]; ok {
		leverage = r.ClampLeverage(leverage)
	}
	b.leverage[pair] = leverage
	return leverage
}

// Leverage 未设置时为 1
func (b *TradingRuleBook) Leverage(pair string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lev, ok := b.leverage[pair]; ok && lev > 0 {
		return lev
	}
	return 1
}

func (b *TradingRuleBook) Rules() []domain.TradingRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.TradingRule, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}
