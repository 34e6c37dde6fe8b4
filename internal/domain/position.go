package domain

import (
	"github.com/shopspring/decimal"
)

// PositionSide 持仓方向
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position 单个交易对的净持仓。Amount 为有符号数量：多头为正，空头为负。
type Position struct {
	TradingPair   string          `json:"trading_pair"`
	Side          PositionSide    `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Leverage      int             `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PositionFromFill 用一笔成交开新仓
func PositionFromFill(pair string, side TradeSide, amount, price decimal.Decimal, leverage int) *Position {
	p := &Position{
		TradingPair: pair,
		Side:        PositionLong,
		Amount:      amount,
		EntryPrice:  price,
		Leverage:    leverage,
	}
	if side == SideSell {
		p.Side = PositionShort
		p.Amount = amount.Neg()
	}
	return p
}

// UpdateFromFill 按成交更新持仓。
//
// 同向成交：加仓并按成交量加权重算开仓均价。
// 反向成交：减仓，开仓均价不变。
// 返回 true 表示仓位已归零或被反向穿越，调用方应移除该仓位；
// 穿越后剩余的反向数量仍留在 Amount 中，由调用方决定是否用 PositionFromFill 开新仓。
func (p *Position) UpdateFromFill(side TradeSide, price, amount decimal.Decimal) bool {
	delta := amount
	if side == SideSell {
		delta = amount.Neg()
	}

	sameSide := (p.Side == PositionLong && side == SideBuy) || (p.Side == PositionShort && side == SideSell)
	if sameSide {
		oldAbs := p.Amount.Abs()
		newAbs := oldAbs.Add(amount)
		if newAbs.IsPositive() {
			p.EntryPrice = p.EntryPrice.Mul(oldAbs).Add(price.Mul(amount)).Div(newAbs)
		}
		p.Amount = p.Amount.Add(delta)
		return false
	}

	p.Amount = p.Amount.Add(delta)
	return !p.isOpen()
}

func (p *Position) isOpen() bool {
	switch p.Side {
	case PositionLong:
		return p.Amount.IsPositive()
	case PositionShort:
		return p.Amount.IsNegative()
	}
	return false
}

// Notional 按开仓均价计的名义价值
func (p *Position) Notional() decimal.Decimal {
	return p.Amount.Abs().Mul(p.EntryPrice)
}
