package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OrderRecord 在途订单的扁平持久化结构（进程重启后恢复跟踪）
type OrderRecord struct {
	ClientOrderID                     string          `json:"client_order_id"`
	ExchangeOrderID                   *string         `json:"exchange_order_id"`
	TradingPair                       string          `json:"trading_pair"`
	OrderType                         OrderType       `json:"order_type"`
	TradeType                         TradeSide       `json:"trade_type"`
	Price                             decimal.Decimal `json:"price"`
	Amount                            decimal.Decimal `json:"amount"`
	Status                            OrderStatus     `json:"status"`
	ExecutedAmountBase                decimal.Decimal `json:"executed_amount_base"`
	ExecutedAmountQuote               decimal.Decimal `json:"executed_amount_quote"`
	FeePaid                           decimal.Decimal `json:"fee_paid"`
	FeeRate                           decimal.Decimal `json:"fee_rate"`
	CreatedAt                         int64           `json:"created_at"`
	Leverage                          int             `json:"leverage"`
	Position                          PositionAction  `json:"position"`
	Fills                             []Fill          `json:"fills"`
	LastExecutedAmountFromOrderStatus decimal.Decimal `json:"_last_executed_amount_from_order_status"`
	CompletionSent                    bool            `json:"completion_sent"`
}

// ToRecord 导出当前状态（不含排队中的事件）
func (o *Order) ToRecord() OrderRecord {
	var exchangeID *string
	if o.ExchangeID != "" {
		id := o.ExchangeID
		exchangeID = &id
	}
	fills := o.Fills()
	if fills == nil {
		fills = []Fill{}
	}
	return OrderRecord{
		ClientOrderID:                     o.LocalID,
		ExchangeOrderID:                   exchangeID,
		TradingPair:                       o.TradingPair,
		OrderType:                         o.Type,
		TradeType:                         o.Side,
		Price:                             o.Price,
		Amount:                            o.Amount,
		Status:                            o.Status,
		ExecutedAmountBase:                o.ExecutedBase(),
		ExecutedAmountQuote:               o.ExecutedQuote(),
		FeePaid:                           o.FeePaid,
		FeeRate:                           o.FeeRate,
		CreatedAt:                         o.CreatedAt,
		Leverage:                          o.Leverage,
		Position:                          o.Position,
		Fills:                             fills,
		LastExecutedAmountFromOrderStatus: o.lastStatusReportedBase,
		CompletionSent:                    o.completionSent,
	}
}

// OrderFromRecord 从持久化结构重建订单
func OrderFromRecord(r OrderRecord) *Order {
	o := NewOrder(OrderParams{
		LocalID:     r.ClientOrderID,
		TradingPair: r.TradingPair,
		Side:        r.TradeType,
		Type:        r.OrderType,
		Price:       r.Price,
		Amount:      r.Amount,
		Leverage:    r.Leverage,
		Position:    r.Position,
		FeeRate:     r.FeeRate,
		CreatedAt:   r.CreatedAt,
	})
	if r.ExchangeOrderID != nil {
		o.ExchangeID = *r.ExchangeOrderID
	}
	o.Status = r.Status
	o.FeePaid = r.FeePaid
	o.ledger.restore(r.Fills, r.ExecutedAmountBase, r.ExecutedAmountQuote)
	o.lastStatusReportedBase = r.LastExecutedAmountFromOrderStatus
	o.completionSent = r.CompletionSent
	return o
}

// MarshalTrackingState 单个订单序列化为 JSON 字符串
func (o *Order) MarshalTrackingState() (string, error) {
	b, err := json.Marshal(o.ToRecord())
	if err != nil {
		return "", errors.Wrapf(err, "marshal order %s", o.LocalID)
	}
	return string(b), nil
}

// UnmarshalTrackingState 解析 MarshalTrackingState 的输出
func UnmarshalTrackingState(raw string) (*Order, error) {
	var r OrderRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, errors.Wrap(err, "unmarshal tracking state")
	}
	if r.ClientOrderID == "" {
		return nil, errors.New("tracking state missing client_order_id")
	}
	return OrderFromRecord(r), nil
}
