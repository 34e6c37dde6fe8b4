package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newBuy(amount, price string) *Order {
	return NewOrder(OrderParams{
		LocalID:     "buy-ETH-DAI-1",
		TradingPair: "ETH-DAI",
		Side:        SideBuy,
		Type:        OrderTypeLimit,
		Price:       d(price),
		Amount:      d(amount),
		Leverage:    2,
		Position:    PositionOpen,
		FeeRate:     d("0.0004"),
		CreatedAt:   1000,
	})
}

func kinds(events []PendingEvent) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestFillLedger_DuplicateRegistration(t *testing.T) {
	for dup := 1; dup <= 4; dup++ {
		l := NewFillLedger()
		for i := 0; i < dup; i++ {
			l.Register(Fill{ID: "f1", Amount: d("2"), Price: d("10")})
		}
		assert.True(t, l.ExecutedBase().Equal(d("2")), "dup=%d", dup)
		assert.True(t, l.ExecutedQuote().Equal(d("20")), "dup=%d", dup)
		assert.Equal(t, 1, l.Len())
		assert.Len(t, l.TakePending(), 1)
	}
}

func TestFillLedger_MonotonicOutOfOrder(t *testing.T) {
	l := NewFillLedger()
	seq := []Fill{
		{ID: "c", Amount: d("1"), Price: d("10")},
		{ID: "a", Amount: d("0.5"), Price: d("11")},
		{ID: "c", Amount: d("1"), Price: d("10")},
		{ID: "b", Amount: d("2"), Price: d("9")},
		{ID: "a", Amount: d("0.5"), Price: d("11")},
	}
	prev := decimal.Zero
	for _, f := range seq {
		l.Register(f)
		require.True(t, l.ExecutedBase().GreaterThanOrEqual(prev))
		prev = l.ExecutedBase()
	}
	assert.True(t, l.ExecutedBase().Equal(d("3.5")))

	// 按注册顺序返回
	ids := []string{}
	for _, f := range l.Fills() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestOrderStatus_RankAndParse(t *testing.T) {
	assert.True(t, OrderStatusOpen.Rank() > OrderStatusActive.Rank())
	assert.True(t, OrderStatusExpired.IsFailure())
	assert.True(t, OrderStatusFilled.IsDone())
	assert.False(t, OrderStatusFilled.IsFailure())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusCancelled.IsDone())
	assert.False(t, OrderStatusOpen.IsTerminal())

	s, err := ParseOrderStatus("OPEN")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, s)
	s, err = ParseOrderStatus("filled")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, s)
	_, err = ParseOrderStatus("bogus")
	assert.EqualError(t, err, `unknown order status "bogus"`)
}

// 成交先于任何状态更新到达并补满订单：completed 照常发出
func TestOrder_FillCompletesBeforeStatus(t *testing.T) {
	o := newBuy("5", "10")
	require.True(t, o.RegisterFill(Fill{ID: "f1", Amount: d("5"), Price: d("10")}))

	assert.False(t, o.FillsCovered())
	assert.Equal(t, OrderStatusFilled, o.Status)

	events := o.DrainIssuableEvents()
	assert.Equal(t, []EventKind{EventFilled, EventBuyCompleted}, kinds(events))
	assert.True(t, events[1].Amount.Equal(d("5")))
	assert.True(t, events[1].QuoteAmount.Equal(d("50")))
	assert.True(t, events[0].Fee.Equal(d("0.02")))
	assert.True(t, o.FeePaid.Equal(d("0.02")))

	// completed 只发一次
	o.ApplyStatusUpdate(OrderStatusFilled, d("5"), d("10"))
	assert.Empty(t, o.DrainIssuableEvents())
}

// 状态更新报告 filled=3，补拉到一笔 3 的成交后覆盖
func TestOrder_StatusThenFillPollCovers(t *testing.T) {
	o := newBuy("5", "10")
	needPoll := o.ApplyStatusUpdate(OrderStatusOpen, d("3"), d("10"))
	assert.True(t, needPoll)
	assert.False(t, o.FillsCovered())

	o.RegisterFill(Fill{ID: "f1", Amount: d("3"), Price: d("10")})
	assert.True(t, o.FillsCovered())
	assert.Equal(t, []EventKind{EventFilled}, kinds(o.DrainIssuableEvents()))
	assert.Equal(t, OrderStatusOpen, o.Status)
}

func TestOrder_TerminalHeldUntilFillsCatchUp(t *testing.T) {
	o := newBuy("5", "10")
	o.ApplyStatusUpdate(OrderStatusDeleted, d("2"), decimal.Zero)

	// 撤单事件要等成交追上
	assert.Empty(t, o.DrainIssuableEvents())

	o.RegisterFill(Fill{ID: "f1", Amount: d("2"), Price: d("10")})
	assert.Equal(t, []EventKind{EventFilled, EventCancelled}, kinds(o.DrainIssuableEvents()))
}

func TestOrder_TerminalSticky(t *testing.T) {
	o := newBuy("10", "100")
	o.ApplyStatusUpdate(OrderStatusOpen, decimal.Zero, decimal.Zero)
	o.ApplyStatusUpdate(OrderStatusCancelled, decimal.Zero, decimal.Zero)
	require.Equal(t, OrderStatusCancelled, o.Status)

	o.ApplyStatusUpdate(OrderStatusOpen, decimal.Zero, decimal.Zero)
	assert.Equal(t, OrderStatusCancelled, o.Status)

	// 终态之后的成交仍然记账
	o.RegisterFill(Fill{ID: "late", Amount: d("1"), Price: d("100")})
	assert.True(t, o.ExecutedBase().Equal(d("1")))
	assert.Equal(t, []EventKind{EventFilled, EventCancelled}, kinds(o.DrainIssuableEvents()))
}

func TestOrder_StaleStatusIgnored(t *testing.T) {
	o := newBuy("10", "100")
	o.ApplyStatusUpdate(OrderStatusOpen, decimal.Zero, decimal.Zero)
	o.ApplyStatusUpdate(OrderStatusActive, decimal.Zero, decimal.Zero)
	o.ApplyStatusUpdate(OrderStatusPending, decimal.Zero, decimal.Zero)
	assert.Equal(t, OrderStatusOpen, o.Status)
	assert.Empty(t, o.DrainIssuableEvents())
}

func TestOrder_CompletionNeverBeforeItsFills(t *testing.T) {
	o := newBuy("4", "10")
	o.ApplyStatusUpdate(OrderStatusFilled, d("4"), d("10"))

	o.RegisterFill(Fill{ID: "f1", Amount: d("1"), Price: d("10")})
	first := o.DrainIssuableEvents()
	assert.Equal(t, []EventKind{EventFilled}, kinds(first))

	o.RegisterFill(Fill{ID: "f2", Amount: d("3"), Price: d("10")})
	second := o.DrainIssuableEvents()
	assert.Equal(t, []EventKind{EventFilled, EventBuyCompleted}, kinds(second))
}

func TestOrder_MarkDeleted(t *testing.T) {
	o := newBuy("1", "10")
	o.MarkDeleted()
	assert.Equal(t, OrderStatusDeleted, o.Status)
	assert.Equal(t, []EventKind{EventCancelled}, kinds(o.DrainIssuableEvents()))
}

func TestOrder_ExpiredAndFailedEvents(t *testing.T) {
	o := newBuy("1", "10")
	o.ApplyStatusUpdate(OrderStatusExpired, decimal.Zero, decimal.Zero)
	assert.Equal(t, []EventKind{EventExpired}, kinds(o.DrainIssuableEvents()))

	o2 := newBuy("1", "10")
	o2.ApplyStatusUpdate(OrderStatusFailed, decimal.Zero, decimal.Zero)
	assert.Equal(t, []EventKind{EventFailed}, kinds(o2.DrainIssuableEvents()))
	assert.True(t, o2.IsFailure())
}

func TestOrder_ReservedBalance(t *testing.T) {
	o := newBuy("10", "100")
	assert.True(t, o.ReservedBalance().Equal(d("1000")))
	assert.Equal(t, "DAI", o.ReservedAsset())
	o.RegisterFill(Fill{ID: "f", Amount: d("4"), Price: d("100")})
	assert.True(t, o.ReservedBalance().Equal(d("600")))

	s := NewOrder(OrderParams{LocalID: "s", TradingPair: "ETH-DAI", Side: SideSell, Price: d("100"), Amount: d("3")})
	assert.True(t, s.ReservedBalance().Equal(d("3")))
	assert.Equal(t, "ETH", s.ReservedAsset())
}

func TestOrder_TrackingStateRoundTrip(t *testing.T) {
	o := newBuy("5", "10")
	o.ExchangeID = "0xabc"
	o.ApplyStatusUpdate(OrderStatusOpen, d("2"), d("10"))
	o.RegisterFill(Fill{ID: "f1", Amount: d("2"), Price: d("10")})
	o.DrainIssuableEvents()

	raw, err := o.MarshalTrackingState()
	require.NoError(t, err)
	assert.Contains(t, raw, `"_last_executed_amount_from_order_status":"2"`)
	assert.Contains(t, raw, `"status":"open"`)

	restored, err := UnmarshalTrackingState(raw)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", restored.ExchangeID)
	assert.Equal(t, OrderStatusOpen, restored.Status)
	assert.True(t, restored.ExecutedBase().Equal(d("2")))
	assert.True(t, restored.FillsCovered())
	assert.True(t, restored.HasFill("f1"))
	assert.Empty(t, restored.DrainIssuableEvents())

	// 重复成交不会重复记账，新成交补满后完成
	assert.False(t, restored.RegisterFill(Fill{ID: "f1", Amount: d("2"), Price: d("10")}))
	restored.RegisterFill(Fill{ID: "f2", Amount: d("3"), Price: d("10")})
	assert.Equal(t, []EventKind{EventFilled, EventBuyCompleted}, kinds(restored.DrainIssuableEvents()))
}

func TestUnmarshalTrackingState_Invalid(t *testing.T) {
	_, err := UnmarshalTrackingState("{")
	assert.Error(t, err)
	_, err = UnmarshalTrackingState(`{"trading_pair":"ETH-DAI"}`)
	assert.EqualError(t, err, "tracking state missing client_order_id")
}
