package services

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/domain"
)

// PositionAccumulator 按交易对维护净持仓。
// 写入来自对账循环（成交、持仓推送、持仓轮询），读取来自状态 API，因此加锁。
type PositionAccumulator struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

func NewPositionAccumulator() *PositionAccumulator {
	return &PositionAccumulator{positions: make(map[string]*domain.Position)}
}

// ApplyFill 用一笔新成交更新持仓。
// 无仓位时开新仓；仓位归零则移除；被反向穿越时移除旧仓，超出部分按成交价开新仓。
func (a *PositionAccumulator) ApplyFill(pair string, side domain.TradeSide, amount, price decimal.Decimal, leverage int) {
	if !amount.IsPositive() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[pair]
	if !ok {
		a.positions[pair] = domain.PositionFromFill(pair, side, amount, price, leverage)
		return
	}
	if !p.UpdateFromFill(side, price, amount) {
		return
	}
	delete(a.positions, pair)
	if excess := p.Amount.Abs(); excess.IsPositive() {
		a.positions[pair] = domain.PositionFromFill(pair, side, excess, price, leverage)
	}
}

// ApplySnapshot 交易所报告的持仓：size 为 0 移除，否则覆盖数量与方向，开仓均价保持不变
func (a *PositionAccumulator) ApplySnapshot(pair string, size decimal.Decimal, leverage int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size.IsZero() {
		delete(a.positions, pair)
		return
	}
	p, ok := a.positions[pair]
	if !ok {
		p = &domain.Position{TradingPair: pair, Leverage: leverage}
		a.positions[pair] = p
	}
	p.Amount = size
	p.Side = domain.PositionLong
	if size.IsNegative() {
		p.Side = domain.PositionShort
	}
}

// Get 返回副本
func (a *PositionAccumulator) Get(pair string) (domain.Position, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.positions[pair]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// All 按交易对排序返回副本
func (a *PositionAccumulator) All() []domain.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}
