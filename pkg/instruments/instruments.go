package instruments

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/pkg/sdk/api"
)

var pairRe = regexp.MustCompile(`^([A-Z]*)(USD|DEFI|USDT)$`)

// FromExchangePair "ETHUSD" -> "ETH-DAI"（USD 报价映射为 DAI）
func FromExchangePair(symbol string) (string, error) {
	m := pairRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if m == nil {
		return "", errors.Errorf("无法识别的交易对: %q", symbol)
	}
	quote := m[2]
	if quote == "USD" {
		quote = "DAI"
	}
	return m[1] + "-" + quote, nil
}

// ToExchangePair "ETH-DAI" -> "ETHDAI"
func ToExchangePair(pair string) string {
	return strings.ReplaceAll(pair, "-", "")
}

// ConfigFetcher 拉取 /all/config
type ConfigFetcher interface {
	GetConfig(ctx context.Context) (*api.ConfigResponse, error)
}

// Registry 交易对 <-> 合约 id 映射与精度表
type Registry struct {
	mu                 sync.RWMutex
	marketIDs          map[string]string // pair -> instrument id
	symbols            map[string]string // instrument id -> pair
	decimals           map[string]int32  // instrument id -> 报价币精度
	decimalsByCurrency map[string]int32
	addresses          map[string]string // quote -> 合约地址
	instruments        map[string]api.Instrument
}

func NewRegistry() *Registry {
	return &Registry{
		marketIDs:          map[string]string{},
		symbols:            map[string]string{},
		decimals:           map[string]int32{},
		decimalsByCurrency: map[string]int32{},
		addresses:          map[string]string{},
		instruments:        map[string]api.Instrument{},
	}
}

// Configure 拉取并加载配置
func (r *Registry) Configure(ctx context.Context, f ConfigFetcher) error {
	cfg, err := f.GetConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "拉取合约配置失败")
	}
	r.Load(cfg)
	return nil
}

// Load 用 /all/config 的 instruments 填充映射；已有精度/地址不覆盖
func (r *Registry) Load(cfg *api.ConfigResponse) {
	if cfg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range cfg.Instruments {
		pair := inst.BaseSymbol + "-" + inst.QuoteSymbol
		r.marketIDs[pair] = id
		r.symbols[id] = pair
		r.instruments[id] = inst
		if _, ok := r.decimals[id]; !ok {
			r.decimals[id] = inst.Quote.Decimals
			if _, ok := r.decimalsByCurrency[inst.QuoteSymbol]; !ok {
				r.decimalsByCurrency[inst.QuoteSymbol] = inst.Quote.Decimals
			}
		}
		if _, ok := r.addresses[inst.QuoteSymbol]; !ok {
			r.addresses[inst.QuoteSymbol] = inst.Quote.Address
		}
	}
}

func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.marketIDs) > 0
}

func (r *Registry) MarketID(pair string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.marketIDs[pair]
	return id, ok
}

func (r *Registry) Symbol(marketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.symbols[marketID]
	return s, ok
}

func (r *Registry) Decimals(marketID string) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decimals[marketID]
	return d, ok
}

// DecimalsByCurrency 未知币种返回 0
func (r *Registry) DecimalsByCurrency(currency string) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decimalsByCurrency[currency]
}

func (r *Registry) QuoteAddress(quote string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addresses[quote]
	return a, ok
}

func (r *Registry) Instrument(marketID string) (api.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[marketID]
	return inst, ok
}

// Instruments 按 id 排序返回
func (r *Registry) Instruments() []api.Instrument {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instruments))
	for id := range r.instruments {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]api.Instrument, 0, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		inst := r.instruments[id]
		if inst.ID == "" {
			inst.ID = api.FlexString(id)
		}
		out = append(out, inst)
	}
	return out
}
