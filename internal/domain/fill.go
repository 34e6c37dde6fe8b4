package domain

import (
	"github.com/shopspring/decimal"
)

// Fill 一笔成交回报，身份只由 ID 决定
type Fill struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// Value 成交额（amount * price）
func (f Fill) Value() decimal.Decimal {
	return f.Amount.Mul(f.Price)
}

// FillLedger 单个订单的成交去重账本。
//
// 同一笔成交可能同时从 WebSocket 推送和 REST 轮询到达，
// Register 对已知 ID 是幂等的。
type FillLedger struct {
	fills         map[string]Fill
	order         []string // 注册顺序
	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	pending       []Fill // 尚未转为事件的新成交
}

func NewFillLedger() *FillLedger {
	return &FillLedger{
		fills: make(map[string]Fill),
	}
}

// Register 返回 true 表示是新成交，此时累加成交量/成交额并记录待发事件
func (l *FillLedger) Register(f Fill) bool {
	if _, ok := l.fills[f.ID]; ok {
		return false
	}
	l.fills[f.ID] = f
	l.order = append(l.order, f.ID)
	l.executedBase = l.executedBase.Add(f.Amount)
	l.executedQuote = l.executedQuote.Add(f.Value())
	l.pending = append(l.pending, f)
	return true
}

func (l *FillLedger) Contains(id string) bool {
	_, ok := l.fills[id]
	return ok
}

func (l *FillLedger) Len() int { return len(l.order) }

func (l *FillLedger) ExecutedBase() decimal.Decimal  { return l.executedBase }
func (l *FillLedger) ExecutedQuote() decimal.Decimal { return l.executedQuote }

// Fills 按注册顺序返回全部成交
func (l *FillLedger) Fills() []Fill {
	out := make([]Fill, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fills[id])
	}
	return out
}

// TakePending 取出并清空待发成交
func (l *FillLedger) TakePending() []Fill {
	out := l.pending
	l.pending = nil
	return out
}

// restore 从持久化记录恢复：成交量/额以记录为准，不重新累加，也不产生待发事件
func (l *FillLedger) restore(fills []Fill, executedBase, executedQuote decimal.Decimal) {
	for _, f := range fills {
		if _, ok := l.fills[f.ID]; ok {
			continue
		}
		l.fills[f.ID] = f
		l.order = append(l.order, f.ID)
	}
	l.executedBase = executedBase
	l.executedQuote = executedQuote
}
