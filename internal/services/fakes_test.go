package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/instruments"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// testConfig 一个 ETH-DAI 合约：报价币 18 位精度，数量步长 0.01，价格步长 0.1
func testConfig() *api.ConfigResponse {
	return &api.ConfigResponse{Instruments: map[string]api.Instrument{
		"1": {
			ID:                    "1",
			Symbol:                "ETHDAI",
			BaseSymbol:            "ETH",
			QuoteSymbol:           "DAI",
			Quote:                 api.QuoteConfig{Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
			BaseSignificantDigits: 2,
			TickSize:              d("0.1"),
			MaxLeverage:           d("20"),
		},
	}}
}

func testRegistry() *instruments.Registry {
	r := instruments.NewRegistry()
	r.Load(testConfig())
	return r
}

// fakeExchange 内存版交易所
type fakeExchange struct {
	mu sync.Mutex

	config     *api.ConfigResponse
	info       map[string]api.MarketInfo
	orders     map[string]*api.Order
	orderErr   map[string]error
	executions []api.Execution
	balances   map[string]api.BalanceEntry
	positions  []api.PositionEntry
	book       *api.OrderBookSnapshot

	placeResp *api.PlaceOrderResponse
	placeErr  error
	placed    []api.PlaceOrderRequest
	cancelErr error
	cancelled []string
	// onCancel 设置后替代 cancelErr，在锁外调用
	onCancel func(id string) error
	infoErr   error

	executionCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		config:   testConfig(),
		info:     map[string]api.MarketInfo{},
		orders:   map[string]*api.Order{},
		orderErr: map[string]error{},
		balances: map[string]api.BalanceEntry{},
	}
}

func (f *fakeExchange) GetConfig(context.Context) (*api.ConfigResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, nil
}

func (f *fakeExchange) GetInfo(context.Context) (map[string]api.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.info, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req api.PlaceOrderRequest) (*api.PlaceOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.placeResp != nil {
		return f.placeResp, nil
	}
	return &api.PlaceOrderResponse{Orders: []api.Order{{UUID: "ex-" + req.ClientOrderID, Status: "open"}}}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	hook, err := f.onCancel, f.cancelErr
	f.mu.Unlock()
	if hook != nil {
		return hook(id)
	}
	return err
}

func (f *fakeExchange) GetOrder(_ context.Context, id string) (*api.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.orderErr[id]; ok {
		return nil, err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, api.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) GetExecutions(context.Context) ([]api.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executionCalls++
	return append([]api.Execution(nil), f.executions...), nil
}

func (f *fakeExchange) GetBalances(context.Context) (map[string]api.BalanceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeExchange) GetPositions(context.Context) ([]api.PositionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeExchange) GetOrderBook(context.Context, string) (*api.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.book == nil {
		return &api.OrderBookSnapshot{}, nil
	}
	return f.book, nil
}

func (f *fakeExchange) setOrder(o api.Order) {
	f.mu.Lock()
	f.orders[o.UUID] = &o
	f.mu.Unlock()
}

func (f *fakeExchange) addExecution(e api.Execution) {
	f.mu.Lock()
	f.executions = append(f.executions, e)
	f.mu.Unlock()
}

// recordingSink 记录所有事件
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(ev events.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventKind())
	}
	return out
}

func (s *recordingSink) All() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func streamEvent(t *testing.T, kind string, payload interface{}) ports.StreamEvent {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	return ports.StreamEvent{Kind: kind, Payload: b}
}

// startReconciler 启动对账循环，测试结束时停止
func startReconciler(t *testing.T, cfg ReconcilerConfig) *Reconciler {
	t.Helper()
	r := NewReconciler(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}
