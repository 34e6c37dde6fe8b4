package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// TradeSide 订单方向
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	OrderTypeMarket     OrderType = "MARKET"
)

// IsLimit LIMIT 与 LIMIT_MAKER 都按限价单处理
func (t OrderType) IsLimit() bool {
	return t == OrderTypeLimit || t == OrderTypeLimitMaker
}

// PositionAction 开仓/平仓意图
type PositionAction string

const (
	PositionOpen  PositionAction = "OPEN"
	PositionClose PositionAction = "CLOSE"
)

// EventKind 订单生命周期事件类型
type EventKind string

const (
	EventFilled        EventKind = "filled"
	EventCancelled     EventKind = "cancelled"
	EventExpired       EventKind = "expired"
	EventFailed        EventKind = "failed"
	EventBuyCompleted  EventKind = "buy_completed"
	EventSellCompleted EventKind = "sell_completed"
)

// IsTerminal 发出后订单应停止跟踪
func (k EventKind) IsTerminal() bool {
	return k != EventFilled
}

// PendingEvent 订单内排队、等待 drain 的事件
type PendingEvent struct {
	Kind        EventKind
	TradeID     string          // filled: 交易所成交 ID
	Amount      decimal.Decimal // filled: 本次成交量；completed: 累计成交量
	Price       decimal.Decimal // filled: 成交价
	QuoteAmount decimal.Decimal // completed: 累计成交额
	Fee         decimal.Decimal
}

// OrderParams 创建订单所需字段
type OrderParams struct {
	LocalID     string
	TradingPair string // BASE-QUOTE
	Side        TradeSide
	Type        OrderType
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Leverage    int
	Position    PositionAction
	FeeRate     decimal.Decimal // 小数形式，例如 0.0004
	CreatedAt   int64           // 秒
}

// Order 在途订单的生命周期状态机。
//
// 只允许在 Reconciler 的单一 goroutine 中修改，内部不加锁。
type Order struct {
	LocalID     string
	ExchangeID  string
	TradingPair string
	Side        TradeSide
	Type        OrderType
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Leverage    int
	Position    PositionAction
	Status      OrderStatus
	FeePaid     decimal.Decimal
	FeeRate     decimal.Decimal
	CreatedAt   int64

	// 最近一次状态更新中交易所报告的均价（仅展示用）
	ReportedAveragePrice decimal.Decimal

	ledger                 *FillLedger
	lastStatusReportedBase decimal.Decimal
	queuedFillEvents       []PendingEvent
	queuedEvents           []PendingEvent
	completionSent         bool
}

// NewOrder 创建处于 PENDING 状态、尚无交易所 ID 的订单
func NewOrder(p OrderParams) *Order {
	return &Order{
		LocalID:     p.LocalID,
		TradingPair: p.TradingPair,
		Side:        p.Side,
		Type:        p.Type,
		Price:       p.Price,
		Amount:      p.Amount,
		Leverage:    p.Leverage,
		Position:    p.Position,
		Status:      OrderStatusPending,
		FeeRate:     p.FeeRate,
		CreatedAt:   p.CreatedAt,
		ledger:      NewFillLedger(),
	}
}

func (o *Order) BaseAsset() string {
	base, _ := SplitTradingPair(o.TradingPair)
	return base
}

func (o *Order) QuoteAsset() string {
	_, quote := SplitTradingPair(o.TradingPair)
	return quote
}

// FeeAsset 手续费以报价币计
func (o *Order) FeeAsset() string { return o.QuoteAsset() }

// ReservedAsset 买单占用报价币，卖单占用基础币
func (o *Order) ReservedAsset() string {
	if o.Side == SideBuy {
		return o.QuoteAsset()
	}
	return o.BaseAsset()
}

func (o *Order) ExecutedBase() decimal.Decimal  { return o.ledger.ExecutedBase() }
func (o *Order) ExecutedQuote() decimal.Decimal { return o.ledger.ExecutedQuote() }

func (o *Order) AmountRemaining() decimal.Decimal {
	return o.Amount.Sub(o.ExecutedBase())
}

// ReservedBalance 按当前剩余量计算的占用：卖单为剩余数量，买单为剩余数量 * 价格
func (o *Order) ReservedBalance() decimal.Decimal {
	if o.Side == SideSell {
		return o.AmountRemaining()
	}
	return o.AmountRemaining().Mul(o.Price)
}

func (o *Order) LastStatusReportedBase() decimal.Decimal { return o.lastStatusReportedBase }

func (o *Order) Fills() []Fill { return o.ledger.Fills() }

func (o *Order) HasFill(id string) bool { return o.ledger.Contains(id) }

func (o *Order) IsDone() bool     { return o.Status.IsDone() }
func (o *Order) IsFailure() bool  { return o.Status.IsFailure() }
func (o *Order) IsTerminal() bool { return o.Status.IsTerminal() }

// ApplyStatusUpdate 应用一次订单状态更新。
//
// 返回 true 表示交易所报告的成交量超过本地已知成交量，调用方需要先补拉成交再 drain。
// 只有“前进”且当前非终态时才改写状态；落后的状态更新只刷新 lastStatusReportedBase。
func (o *Order) ApplyStatusUpdate(newStatus OrderStatus, reportedBase, averagePrice decimal.Decimal) bool {
	needFillPoll := reportedBase.GreaterThan(o.ExecutedBase())

	if !o.Status.IsTerminal() && newStatus.Rank() > o.Status.Rank() {
		switch newStatus {
		case OrderStatusCancelled, OrderStatusDeleted:
			o.queuedEvents = append(o.queuedEvents, PendingEvent{Kind: EventCancelled})
		case OrderStatusExpired:
			o.queuedEvents = append(o.queuedEvents, PendingEvent{Kind: EventExpired})
		case OrderStatusFailed:
			o.queuedEvents = append(o.queuedEvents, PendingEvent{Kind: EventFailed})
		}
		o.Status = newStatus
	}

	o.lastStatusReportedBase = reportedBase
	if !averagePrice.IsZero() {
		o.ReportedAveragePrice = averagePrice
	}

	o.enqueueCompletion()
	return needFillPoll
}

// RegisterFill 注册成交；新成交会排队 filled 事件，并在成交量达到委托量时排队一次 completed 事件
func (o *Order) RegisterFill(f Fill) bool {
	if !o.ledger.Register(f) {
		return false
	}
	for _, nf := range o.ledger.TakePending() {
		fee := nf.Value().Mul(o.FeeRate)
		o.FeePaid = o.FeePaid.Add(fee)
		o.queuedFillEvents = append(o.queuedFillEvents, PendingEvent{
			Kind:    EventFilled,
			TradeID: nf.ID,
			Amount:  nf.Amount,
			Price:   nf.Price,
			Fee:     fee,
		})
	}
	o.enqueueCompletion()
	return true
}

// Overfilled 成交量超过委托量（交易所为准，仅用于告警）
func (o *Order) Overfilled() bool {
	return o.ExecutedBase().GreaterThan(o.Amount)
}

func (o *Order) enqueueCompletion() {
	if o.completionSent || o.Amount.IsZero() || o.ExecutedBase().LessThan(o.Amount) {
		return
	}
	kind := EventBuyCompleted
	if o.Side == SideSell {
		kind = EventSellCompleted
	}
	o.queuedEvents = append(o.queuedEvents, PendingEvent{
		Kind:        kind,
		Amount:      o.ExecutedBase(),
		QuoteAmount: o.ExecutedQuote(),
		Fee:         o.FeePaid,
	})
	if !o.Status.IsTerminal() || o.Status == OrderStatusDone {
		o.Status = OrderStatusFilled
	}
	o.completionSent = true
}

// FillsCovered 本地成交量恰好等于最近一次状态更新报告的成交量
func (o *Order) FillsCovered() bool {
	return o.ExecutedBase().Equal(o.lastStatusReportedBase)
}

// DrainIssuableEvents 取出可发出的事件。
//
// filled 事件总是可发；状态类事件（撤单/过期/失败/完成）要等本地成交追上
// 状态更新报告的成交量后才放行，保证 completed 不会先于它依赖的成交发出。
func (o *Order) DrainIssuableEvents() []PendingEvent {
	events := o.queuedFillEvents
	o.queuedFillEvents = nil

	if o.ExecutedBase().GreaterThanOrEqual(o.lastStatusReportedBase) {
		events = append(events, o.queuedEvents...)
		o.queuedEvents = nil
	}
	return events
}

// MarkDeleted 交易所已查无此单且订单足够老：强制置为 deleted 并排队撤单事件
func (o *Order) MarkDeleted() {
	o.Status = OrderStatusDeleted
	o.queuedEvents = append(o.queuedEvents, PendingEvent{Kind: EventCancelled})
}

// SplitTradingPair "BTC-DAI" -> ("BTC", "DAI")
func SplitTradingPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}
