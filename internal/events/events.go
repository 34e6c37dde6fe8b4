package events

import (
	"time"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/shopspring/decimal"
)

// Kind 宿主侧事件类型
type Kind string

const (
	KindBuyOrderCreated    Kind = "BuyOrderCreated"
	KindSellOrderCreated   Kind = "SellOrderCreated"
	KindOrderFilled        Kind = "OrderFilled"
	KindOrderCancelled     Kind = "OrderCancelled"
	KindOrderExpired       Kind = "OrderExpired"
	KindOrderFailure       Kind = "OrderFailure"
	KindBuyOrderCompleted  Kind = "BuyOrderCompleted"
	KindSellOrderCompleted Kind = "SellOrderCompleted"
	KindFundingInfoUpdated Kind = "FundingInfoUpdated"
)

// Event 所有发往宿主的事件
type Event interface {
	EventKind() Kind
	EventTime() time.Time
	// EventOrderID 订单类事件返回本地订单 ID，其余为空
	EventOrderID() string
}

// OrderCreatedEvent 下单已提交（买/卖由 Side 区分）
type OrderCreatedEvent struct {
	Timestamp       time.Time
	OrderID         string
	ExchangeOrderID string
	TradingPair     string
	Side            domain.TradeSide
	Type            domain.OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
	Leverage        int
	Position        domain.PositionAction
}

func (e OrderCreatedEvent) EventKind() Kind {
	if e.Side == domain.SideSell {
		return KindSellOrderCreated
	}
	return KindBuyOrderCreated
}
func (e OrderCreatedEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderCreatedEvent) EventOrderID() string { return e.OrderID }

// OrderFilledEvent 单笔成交
type OrderFilledEvent struct {
	Timestamp   time.Time
	OrderID     string
	TradingPair string
	Side        domain.TradeSide
	Type        domain.OrderType
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	TradeID     string
	Leverage    int
	Position    domain.PositionAction
}

func (e OrderFilledEvent) EventKind() Kind { return KindOrderFilled }
func (e OrderFilledEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderFilledEvent) EventOrderID() string { return e.OrderID }

// OrderCancelledEvent 订单已撤
type OrderCancelledEvent struct {
	Timestamp       time.Time
	OrderID         string
	ExchangeOrderID string
}

func (e OrderCancelledEvent) EventKind() Kind { return KindOrderCancelled }
func (e OrderCancelledEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderCancelledEvent) EventOrderID() string { return e.OrderID }

// OrderExpiredEvent 订单过期
type OrderExpiredEvent struct {
	Timestamp time.Time
	OrderID   string
}

func (e OrderExpiredEvent) EventKind() Kind { return KindOrderExpired }
func (e OrderExpiredEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderExpiredEvent) EventOrderID() string { return e.OrderID }

// OrderFailedEvent 下单失败或交易所报告失败
type OrderFailedEvent struct {
	Timestamp time.Time
	OrderID   string
	Type      domain.OrderType
	Reason    string
}

func (e OrderFailedEvent) EventKind() Kind { return KindOrderFailure }
func (e OrderFailedEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderFailedEvent) EventOrderID() string { return e.OrderID }

// OrderCompletedEvent 订单全部成交（买/卖由 Side 区分）
type OrderCompletedEvent struct {
	Timestamp   time.Time
	OrderID     string
	Side        domain.TradeSide
	Type        domain.OrderType
	BaseAsset   string
	QuoteAsset  string
	FeeAsset    string
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Fee         decimal.Decimal
}

func (e OrderCompletedEvent) EventKind() Kind {
	if e.Side == domain.SideSell {
		return KindSellOrderCompleted
	}
	return KindBuyOrderCompleted
}
func (e OrderCompletedEvent) EventTime() time.Time { return e.Timestamp }
func (e OrderCompletedEvent) EventOrderID() string { return e.OrderID }

// FundingInfoUpdatedEvent 资金费率刷新
type FundingInfoUpdatedEvent struct {
	Timestamp       time.Time
	TradingPair     string
	IndexPrice      decimal.Decimal
	Rate            decimal.Decimal
	NextFundingTime int64
}

func (e FundingInfoUpdatedEvent) EventKind() Kind { return KindFundingInfoUpdated }
func (e FundingInfoUpdatedEvent) EventTime() time.Time { return e.Timestamp }
func (e FundingInfoUpdatedEvent) EventOrderID() string { return "" }

// FromPending 把订单内排队的事件转换为宿主事件
func FromPending(o *domain.Order, pe domain.PendingEvent, now time.Time) Event {
	switch pe.Kind {
	case domain.EventFilled:
		return OrderFilledEvent{
			Timestamp:   now,
			OrderID:     o.LocalID,
			TradingPair: o.TradingPair,
			Side:        o.Side,
			Type:        o.Type,
			Price:       pe.Price,
			Amount:      pe.Amount,
			Fee:         pe.Fee,
			FeeAsset:    o.FeeAsset(),
			TradeID:     pe.TradeID,
			Leverage:    o.Leverage,
			Position:    o.Position,
		}
	case domain.EventCancelled:
		return OrderCancelledEvent{Timestamp: now, OrderID: o.LocalID, ExchangeOrderID: o.ExchangeID}
	case domain.EventExpired:
		return OrderExpiredEvent{Timestamp: now, OrderID: o.LocalID}
	case domain.EventFailed:
		return OrderFailedEvent{Timestamp: now, OrderID: o.LocalID, Type: o.Type, Reason: "exchange reported failure"}
	case domain.EventBuyCompleted, domain.EventSellCompleted:
		return OrderCompletedEvent{
			Timestamp:   now,
			OrderID:     o.LocalID,
			Side:        o.Side,
			Type:        o.Type,
			BaseAsset:   o.BaseAsset(),
			QuoteAsset:  o.QuoteAsset(),
			FeeAsset:    o.FeeAsset(),
			BaseAmount:  pe.Amount,
			QuoteAmount: pe.QuoteAmount,
			Fee:         pe.Fee,
		}
	}
	return nil
}
