package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/internal/risk"
	"github.com/betbot/perpbridge/pkg/instruments"
	"github.com/betbot/perpbridge/pkg/logger"
	"github.com/betbot/perpbridge/pkg/persistence"
	"github.com/betbot/perpbridge/pkg/sdk/api"
	"github.com/betbot/perpbridge/pkg/signing"
)

// 固定测试私钥（勿用于真实资金）
const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type connectorFixture struct {
	c     *Connector
	ex    *fakeExchange
	sink  *recordingSink
	clock *testClock
}

// newConnectorFixture 不调用 Start：手动运行对账循环并加载交易规则
func newConnectorFixture(t *testing.T) *connectorFixture {
	t.Helper()
	signer, err := signing.NewSigner(testSignerKey)
	require.NoError(t, err)

	f := &connectorFixture{ex: newFakeExchange(), sink: &recordingSink{}, clock: newTestClock()}
	reg := testRegistry()
	f.c = NewConnector(ConnectorConfig{
		Exchange:     f.ex,
		Instruments:  reg,
		Credentials:  signing.NewCredentials("0x1234", "0xabcd", signer),
		TradingPairs: []string{"ETH-DAI"},
		Sink:         f.sink,
		Logger:       logger.Discard(),
		Now:          f.clock.Now,
	})
	f.c.rules.Update(testConfig(), reg.Symbol)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.c.reconciler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func limitBuy(amount, price string) OrderRequest {
	return OrderRequest{
		TradingPair: "ETH-DAI",
		Amount:      d(amount),
		Price:       d(price),
		Type:        domain.OrderTypeLimit,
		Position:    domain.PositionOpen,
	}
}

// placeAcked 下单成功并清空事件
func (f *connectorFixture) placeAcked(t *testing.T, id string) string {
	t.Helper()
	require.NoError(t, f.c.PlaceOrder(context.Background(), id, domain.SideBuy, limitBuy("1", "100")))
	view, ok, err := f.c.reconciler.Order(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, view.ExchangeID)
	f.sink.Reset()
	return view.ExchangeID
}

func TestConnector_PlaceOrderQuantizesAndSigns(t *testing.T) {
	f := newConnectorFixture(t)
	req := limitBuy("1.234", "100.07")
	req.Type = domain.OrderTypeLimitMaker

	require.NoError(t, f.c.PlaceOrder(context.Background(), "buy-ETH-DAI-1", domain.SideBuy, req))

	require.Len(t, f.ex.placed, 1)
	sent := f.ex.placed[0]
	assert.Equal(t, "1", sent.Instrument)
	assert.Equal(t, "buy", sent.Side)
	assert.Equal(t, "LMT", sent.OrderType)
	assert.True(t, sent.IsPostOnly)
	assert.InDelta(t, 1.23, sent.Quantity, 1e-9)
	assert.InDelta(t, 100.0, sent.Price, 1e-9)
	assert.Equal(t, "100000000000000000000", sent.MarginPerFraction)
	assert.Equal(t, "buy-ETH-DAI-1", sent.ClientOrderID)
	assert.True(t, strings.HasPrefix(sent.Signature, "0x"), "signature=%s", sent.Signature)

	require.Equal(t, []events.Kind{events.KindBuyOrderCreated}, f.sink.Kinds())
	created := f.sink.All()[0].(events.OrderCreatedEvent)
	assert.Equal(t, "ex-buy-ETH-DAI-1", created.ExchangeOrderID)
	assert.True(t, created.Amount.Equal(d("1.23")))
	assert.True(t, created.Price.Equal(d("100")))
	assert.Equal(t, 1, created.Leverage)

	view, ok, err := f.c.reconciler.Order(context.Background(), "buy-ETH-DAI-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, view.PendingAck)
	assert.True(t, view.FeePaid.IsZero())
}

func TestConnector_BuyReturnsClientOrderID(t *testing.T) {
	f := newConnectorFixture(t)
	id := f.c.Buy(context.Background(), limitBuy("1", "100"))
	assert.True(t, strings.HasPrefix(id, "buy-ETH-DAI-"), id)

	require.Eventually(t, func() bool {
		return len(f.sink.Kinds()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, f.sink.All()[0].EventOrderID())

	// 同一时刻生成的 ID 也不重复
	other := f.c.clientOrderID(domain.SideSell, "ETH-DAI")
	assert.NotEqual(t, strings.TrimPrefix(id, "buy-"), strings.TrimPrefix(other, "sell-"))
}

func TestConnector_PlaceOrderRejectedLocally(t *testing.T) {
	cases := []struct {
		name string
		req  OrderRequest
	}{
		{name: "below min size", req: limitBuy("0.001", "100")},
		{name: "market order", req: OrderRequest{TradingPair: "ETH-DAI", Amount: d("1"), Price: d("100"), Type: domain.OrderTypeMarket, Position: domain.PositionOpen}},
		{name: "missing position action", req: OrderRequest{TradingPair: "ETH-DAI", Amount: d("1"), Price: d("100"), Type: domain.OrderTypeLimit}},
		{name: "unknown pair", req: OrderRequest{TradingPair: "BTC-DAI", Amount: d("1"), Price: d("100"), Type: domain.OrderTypeLimit, Position: domain.PositionOpen}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newConnectorFixture(t)
			err := f.c.PlaceOrder(context.Background(), "buy-x-1", domain.SideBuy, tc.req)
			require.Error(t, err)
			require.Empty(t, f.ex.placed)
			require.Equal(t, []events.Kind{events.KindOrderFailure}, f.sink.Kinds())

			stats, err := f.c.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Tracked)
		})
	}
}

func TestConnector_PlaceOrderErrorResponse(t *testing.T) {
	f := newConnectorFixture(t)
	f.ex.placeResp = &api.PlaceOrderResponse{Error: "insufficient margin"}

	err := f.c.PlaceOrder(context.Background(), "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100"))
	require.Error(t, err)
	require.Equal(t, []events.Kind{events.KindOrderFailure}, f.sink.Kinds())
	failed := f.sink.All()[0].(events.OrderFailedEvent)
	assert.Equal(t, "insufficient margin", failed.Reason)

	_, ok, err := f.c.reconciler.Order(context.Background(), "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnector_PlaceOrderUnexpectedStatus(t *testing.T) {
	f := newConnectorFixture(t)
	f.ex.placeResp = &api.PlaceOrderResponse{Orders: []api.Order{{UUID: "ex-1", Status: "rejected"}}}

	require.Error(t, f.c.PlaceOrder(context.Background(), "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100")))
	require.Equal(t, []events.Kind{events.KindOrderFailure}, f.sink.Kinds())
}

func TestConnector_PlaceOrderTimeoutKeepsTracking(t *testing.T) {
	f := newConnectorFixture(t)
	f.ex.placeErr = api.ErrTimeout

	require.NoError(t, f.c.PlaceOrder(context.Background(), "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100")))
	require.Equal(t, []events.Kind{events.KindBuyOrderCreated}, f.sink.Kinds())

	view, ok, err := f.c.reconciler.Order(context.Background(), "buy-ETH-DAI-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, view.PendingAck)
	assert.Empty(t, view.ExchangeID)
}

func TestConnector_CancelUntracked(t *testing.T) {
	f := newConnectorFixture(t)
	ok, err := f.c.Cancel(context.Background(), "buy-ETH-DAI-404")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Equal(t, []events.Kind{events.KindOrderCancelled}, f.sink.Kinds())
	assert.Empty(t, f.ex.cancelled)
}

func TestConnector_CancelWithoutExchangeID(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.ex.placeErr = api.ErrTimeout
	require.NoError(t, f.c.PlaceOrder(ctx, "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100")))
	f.sink.Reset()

	ok, err := f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.True(t, errors.Is(err, ErrNoExchangeID), "err=%v", err)
	assert.False(t, ok)
	assert.Empty(t, f.sink.Kinds())

	f.clock.Advance(UnrecognizedOrderDebounce + time.Second)
	ok, err = f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Equal(t, []events.Kind{events.KindOrderCancelled}, f.sink.Kinds())
	assert.Empty(t, f.ex.cancelled)
}

func TestConnector_CancelNotFoundOnExchange(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.placeAcked(t, "buy-ETH-DAI-1")
	f.ex.cancelErr = errors.New("DELETE /order/ex-buy-ETH-DAI-1: http 400: order could not be found")

	ok, err := f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.True(t, errors.Is(err, ErrOrderNotFoundOnExchange), "err=%v", err)
	assert.False(t, ok)

	f.clock.Advance(UnrecognizedOrderDebounce + time.Second)
	ok, err = f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Equal(t, []events.Kind{events.KindOrderCancelled}, f.sink.Kinds())
}

func TestConnector_CancelOtherErrorKeepsOrder(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.placeAcked(t, "buy-ETH-DAI-1")
	f.ex.cancelErr = errors.New("POST /order: http 502: bad gateway")

	ok, err := f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.sink.Kinds())

	_, tracked, err := f.c.reconciler.Order(ctx, "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.True(t, tracked)
}

func TestConnector_CancelAccepted(t *testing.T) {
	f := newConnectorFixture(t)
	exID := f.placeAcked(t, "buy-ETH-DAI-1")

	ok, err := f.c.Cancel(context.Background(), "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{exID}, f.ex.cancelled)
	// 撤单确认要等推送或轮询
	assert.Empty(t, f.sink.Kinds())
}

func TestConnector_CancelAllWaitsForConfirmations(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	exA := f.placeAcked(t, "buy-ETH-DAI-a")
	exB := f.placeAcked(t, "buy-ETH-DAI-b")

	f.ex.onCancel = func(id string) error {
		if id == exB {
			return errors.New("POST /order: http 502: bad gateway")
		}
		payload := streamEvent(t, ports.StreamOrderCancelled, []api.Order{{UUID: id, Status: "cancelled"}})
		return f.c.HandleUserEvent(ctx, payload)
	}

	results, err := f.c.CancelAll(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]bool{}
	for _, r := range results {
		byID[r.OrderID] = r.Success
	}
	assert.True(t, byID["buy-ETH-DAI-a"])
	assert.False(t, byID["buy-ETH-DAI-b"])
	assert.ElementsMatch(t, []string{exA, exB}, f.ex.cancelled)
}

func TestConnector_CancelAllTimesOut(t *testing.T) {
	f := newConnectorFixture(t)
	f.placeAcked(t, "buy-ETH-DAI-a")

	start := time.Now()
	results, err := f.c.CancelAll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []CancellationResult{{OrderID: "buy-ETH-DAI-a", Success: false}}, results)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnector_CancelAllNothingTracked(t *testing.T) {
	f := newConnectorFixture(t)
	results, err := f.c.CancelAll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConnector_StatusAndNetwork(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()

	status := f.c.StatusDict()
	assert.False(t, status["order_books_initialized"])
	assert.True(t, status["account_balances"], "非交易模式不要求余额")
	assert.False(t, f.c.Ready())

	f.ex.book = &api.OrderBookSnapshot{
		Buy:  []api.BookLevel{{Price: d("99"), TotalQuantity: d("1")}},
		Sell: []api.BookLevel{{Price: d("101"), TotalQuantity: d("2")}},
	}
	require.NoError(t, f.c.books.Seed(ctx, f.ex))
	assert.True(t, f.c.Ready())
	mid, ok := f.c.MidPrice("ETH-DAI")
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100")))

	assert.Equal(t, NetworkConnected, f.c.CheckNetwork(ctx))
	f.ex.infoErr = errors.New("dial tcp: connection refused")
	assert.Equal(t, NetworkNotConnected, f.c.CheckNetwork(ctx))
}

func TestConnector_SetLeverageClamped(t *testing.T) {
	f := newConnectorFixture(t)
	assert.Equal(t, 20, f.c.SetLeverage("ETH-DAI", 50))
	assert.Equal(t, 20, f.c.Leverage("ETH-DAI"))
	assert.Equal(t, 5, f.c.SetLeverage("ETH-DAI", 5))

	require.NoError(t, f.c.PlaceOrder(context.Background(), "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100")))
	// 100 * 10^18 / 5
	assert.Equal(t, "20000000000000000000", f.ex.placed[0].MarginPerFraction)
}

func TestConnector_TrackingStatesRestore(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.placeAcked(t, "buy-ETH-DAI-1")

	states, err := f.c.TrackingStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)

	g := newConnectorFixture(t)
	n, err := g.c.RestoreTrackingStates(ctx, states)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orders, err := g.c.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ex-buy-ETH-DAI-1", orders[0].ExchangeID)
}

func TestConnector_BreakerStopsPlacementAfterRepeatedRejects(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.c.breaker.SetConfig(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 2})
	f.ex.placeResp = &api.PlaceOrderResponse{Error: "insufficient margin"}

	require.Error(t, f.c.PlaceOrder(ctx, "buy-ETH-DAI-1", domain.SideBuy, limitBuy("1", "100")))
	require.Error(t, f.c.PlaceOrder(ctx, "buy-ETH-DAI-2", domain.SideBuy, limitBuy("1", "100")))
	f.sink.Reset()

	err := f.c.PlaceOrder(ctx, "buy-ETH-DAI-3", domain.SideBuy, limitBuy("1", "100"))
	require.ErrorIs(t, err, risk.ErrCircuitBreakerOpen)
	assert.Len(t, f.ex.placed, 2, "熔断后不再请求交易所")
	require.Equal(t, []events.Kind{events.KindOrderFailure}, f.sink.Kinds())
	assert.True(t, f.c.TradingHalted())

	f.c.ResumeTrading()
	f.ex.placeResp = nil
	f.sink.Reset()
	require.NoError(t, f.c.PlaceOrder(ctx, "buy-ETH-DAI-4", domain.SideBuy, limitBuy("1", "100")))
	assert.Equal(t, []events.Kind{events.KindBuyOrderCreated}, f.sink.Kinds())
}

func TestConnector_HaltTradingKeepsCancels(t *testing.T) {
	f := newConnectorFixture(t)
	ctx := context.Background()
	f.placeAcked(t, "buy-ETH-DAI-1")

	f.c.HaltTrading()
	require.ErrorIs(t, f.c.PlaceOrder(ctx, "buy-ETH-DAI-2", domain.SideBuy, limitBuy("1", "100")), risk.ErrCircuitBreakerOpen)

	ok, err := f.c.Cancel(ctx, "buy-ETH-DAI-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnector_ShutdownWorksAfterStartContextCancelled(t *testing.T) {
	signer, err := signing.NewSigner(testSignerKey)
	require.NoError(t, err)
	ex := newFakeExchange()
	sink := &recordingSink{}
	clock := newTestClock()
	reg := instruments.NewRegistry()
	store := persistence.NewJSONFileService(t.TempDir()).NewStore("state", "perp", "tracking_states")

	c := NewConnector(ConnectorConfig{
		Exchange:     ex,
		Instruments:  reg,
		Credentials:  signing.NewCredentials("0x1234", "0xabcd", signer),
		TradingPairs: []string{"ETH-DAI"},
		Sink:         sink,
		States:       store,
		Logger:       logger.Discard(),
		Now:          clock.Now,
	})

	// 模拟进程：Start 使用信号 context
	rootCtx, rootCancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(rootCtx))
	c.rules.Update(testConfig(), reg.Symbol)

	ctx := context.Background()
	require.NoError(t, c.PlaceOrder(ctx, "buy-ETH-DAI-a", domain.SideBuy, limitBuy("1", "100")))
	require.NoError(t, c.PlaceOrder(ctx, "buy-ETH-DAI-b", domain.SideBuy, limitBuy("1", "100")))

	rootCancel()
	time.Sleep(20 * time.Millisecond)

	ex.mu.Lock()
	ex.onCancel = func(id string) error {
		if id == "ex-buy-ETH-DAI-b" {
			return errors.New("DELETE /order: http 502: bad gateway")
		}
		return c.HandleUserEvent(ctx, streamEvent(t, ports.StreamOrderCancelled, []api.Order{{UUID: id, Status: "cancelled"}}))
	}
	ex.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	results, err := c.CancelAll(shutdownCtx, 2*time.Second)
	require.NoError(t, err, "信号到达后对账循环仍在运行")
	byID := map[string]bool{}
	for _, r := range results {
		byID[r.OrderID] = r.Success
	}
	assert.Equal(t, map[string]bool{"buy-ETH-DAI-a": true, "buy-ETH-DAI-b": false}, byID)

	require.NoError(t, c.Stop(shutdownCtx))
	require.NoError(t, c.Stop(shutdownCtx))

	var states map[string]string
	require.NoError(t, store.Load(&states))
	assert.Contains(t, states, "buy-ETH-DAI-b")
	assert.NotContains(t, states, "buy-ETH-DAI-a")
}
