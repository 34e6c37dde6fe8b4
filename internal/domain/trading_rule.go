package domain

import (
	"github.com/shopspring/decimal"
)

// TradingRule 单个交易对的下单约束
type TradingRule struct {
	TradingPair       string          `json:"trading_pair"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MinPriceIncrement decimal.Decimal `json:"min_price_increment"`
	MinBaseIncrement  decimal.Decimal `json:"min_base_amount_increment"`
	MinNotional       decimal.Decimal `json:"min_notional_size"`
	MaxLeverage       int             `json:"max_leverage"`
}

// QuantizePrice 价格向下截断到 tick
func (r TradingRule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	return truncateTo(price, r.MinPriceIncrement)
}

// QuantizeAmount 数量向下截断到最小步长；低于最小下单量或最小名义价值时返回 0
func (r TradingRule) QuantizeAmount(amount, price decimal.Decimal) decimal.Decimal {
	q := truncateTo(amount, r.MinBaseIncrement)
	if q.LessThan(r.MinOrderSize) {
		return decimal.Zero
	}
	if !price.IsZero() && q.Mul(price).LessThan(r.MinNotional) {
		return decimal.Zero
	}
	return q
}

// ClampLeverage 杠杆限制在 [1, MaxLeverage]
func (r TradingRule) ClampLeverage(leverage int) int {
	if leverage < 1 {
		leverage = 1
	}
	if r.MaxLeverage > 0 && leverage > r.MaxLeverage {
		return r.MaxLeverage
	}
	return leverage
}

func truncateTo(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
