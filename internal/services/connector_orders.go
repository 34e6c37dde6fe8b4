package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/execution"
	"github.com/betbot/perpbridge/internal/ports"
)

// OrderRequest 宿主下单意图
type OrderRequest struct {
	TradingPair string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	Type        domain.OrderType
	Position    domain.PositionAction
}

// CancellationResult 批量撤单结果
type CancellationResult struct {
	OrderID string `json:"order_id"`
	Success bool   `json:"success"`
}

// Buy 立即返回客户端订单 ID，下单在后台完成；结果通过事件通知
func (c *Connector) Buy(ctx context.Context, req OrderRequest) string {
	id := c.clientOrderID(domain.SideBuy, req.TradingPair)
	go c.PlaceOrder(context.WithoutCancel(ctx), id, domain.SideBuy, req)
	return id
}

func (c *Connector) Sell(ctx context.Context, req OrderRequest) string {
	id := c.clientOrderID(domain.SideSell, req.TradingPair)
	go c.PlaceOrder(context.WithoutCancel(ctx), id, domain.SideSell, req)
	return id
}

func (c *Connector) clientOrderID(side domain.TradeSide, pair string) string {
	return fmt.Sprintf("%s-%s-%d", strings.ToLower(string(side)), pair, c.nonce.next(c.now()))
}

// PlaceOrder 同步下单。
// 参数校验失败的订单不进入跟踪，直接发出 OrderFailed；其余订单先开始跟踪再提交。
// 返回的错误仅供调用方记录，失败已经通过事件通知宿主。
func (c *Connector) PlaceOrder(ctx context.Context, localID string, side domain.TradeSide, req OrderRequest) error {
	o, err := c.prepareOrder(localID, side, req)
	if err == nil {
		err = c.breaker.AllowTrading()
	}
	if err != nil {
		c.log.Warnf("Failed to place %s on exchange. %v", localID, err)
		if ferr := c.reconciler.FailPlacement(ctx, localID, req.Type, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	if err := c.reconciler.StartTracking(ctx, o); err != nil {
		return errors.Wrapf(err, "start tracking %s", localID)
	}

	created := events.OrderCreatedEvent{
		Timestamp:   c.now(),
		OrderID:     localID,
		TradingPair: o.TradingPair,
		Side:        o.Side,
		Type:        o.Type,
		Amount:      o.Amount,
		Price:       o.Price,
		Leverage:    o.Leverage,
		Position:    o.Position,
	}

	res := c.executor.PlaceOrder(ctx, o)
	// 下单结果必须送达对账循环，不随调用方 ctx 取消
	replyCtx := context.WithoutCancel(ctx)
	switch {
	case res.TimedOut:
		return c.reconciler.PlacementTimedOut(replyCtx, localID, created)
	case res.Error != nil:
		c.log.Warnf("Error submitting %s %s order for %s %s at %s: %v",
			side, o.Type, o.Amount, o.TradingPair, o.Price, res.Error)
		c.breaker.OnError()
		if err := c.reconciler.FailPlacement(replyCtx, localID, o.Type, res.Error.Error()); err != nil {
			return err
		}
		return res.Error
	default:
		c.breaker.OnSuccess()
		return c.reconciler.AckPlacement(replyCtx, localID, res.ExchangeID, created)
	}
}

// prepareOrder 量化价格与数量并按交易规则校验
func (c *Connector) prepareOrder(localID string, side domain.TradeSide, req OrderRequest) (*domain.Order, error) {
	if !req.Type.IsLimit() {
		return nil, errors.Errorf("%s orders are not supported", req.Type)
	}
	if req.Position != domain.PositionOpen && req.Position != domain.PositionClose {
		return nil, errors.New("specify either OPEN or CLOSE position action")
	}
	rule, ok := c.rules.Rule(req.TradingPair)
	if !ok {
		return nil, errors.Errorf("trading rule for %s not found", req.TradingPair)
	}
	price := rule.QuantizePrice(req.Price)
	amount := rule.QuantizeAmount(req.Amount, price)
	if amount.LessThan(rule.MinOrderSize) || amount.IsZero() {
		return nil, errors.Errorf("order amount(%s) is less than the minimum allowable amount(%s)", req.Amount, rule.MinOrderSize)
	}
	if amount.Mul(price).LessThan(rule.MinNotional) {
		return nil, errors.Errorf("order notional value(%s) is less than the minimum allowable notional value(%s)",
			amount.Mul(price), rule.MinNotional)
	}

	fee := c.cfg.Fees.Taker
	if req.Type.IsLimit() {
		fee = c.cfg.Fees.Maker
	}
	return domain.NewOrder(domain.OrderParams{
		LocalID:     localID,
		TradingPair: req.TradingPair,
		Side:        side,
		Type:        req.Type,
		Price:       price,
		Amount:      amount,
		Leverage:    c.rules.Leverage(req.TradingPair),
		Position:    req.Position,
		FeeRate:     fee,
		CreatedAt:   c.now().Unix(),
	}), nil
}

// Cancel 撤单，返回撤单请求是否已被交易所接受。
//
//   - 未跟踪的订单：直接发出 OrderCancelled，返回 false
//   - 无交易所 ID：超过去抖窗口按已撤处理，否则返回 ErrNoExchangeID
//   - 交易所报告找不到订单：同上，未过窗口返回 ErrOrderNotFoundOnExchange
//   - 其它错误只记录日志，返回 false
func (c *Connector) Cancel(ctx context.Context, localID string) (bool, error) {
	release, err := c.cancels.Acquire(localID)
	if err != nil {
		c.log.Debugf("订单 %s 撤单请求处理中，忽略重复撤单", localID)
		return false, err
	}
	defer release()

	view, ok, err := c.reconciler.Order(ctx, localID)
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Warnf("Cancelled an untracked order %s", localID)
		c.listeners.Emit(events.OrderCancelledEvent{Timestamp: c.now(), OrderID: localID})
		return false, nil
	}

	if view.ExchangeID == "" {
		if c.stale(view.CreatedAt) {
			_, err := c.reconciler.CancelLocally(ctx, localID)
			return false, err
		}
		return false, errors.Wrapf(ErrNoExchangeID, "order %s", localID)
	}

	if err := c.executor.CancelOrder(ctx, view.ExchangeID); err != nil {
		if strings.Contains(err.Error(), "could not be found") {
			if c.stale(view.CreatedAt) {
				_, err := c.reconciler.CancelLocally(ctx, localID)
				return false, err
			}
			return false, errors.Wrapf(ErrOrderNotFoundOnExchange, "order %s", localID)
		}
		c.log.Warnf("Unable to cancel order %s: %v", view.ExchangeID, err)
		return false, nil
	}
	return true, nil
}

func (c *Connector) stale(createdAt int64) bool {
	return c.now().Sub(time.Unix(createdAt, 0)) > c.cfg.Debounce
}

// CancelAll 撤销所有在途订单，等待 OrderCancelled 确认直到超时。
// 已完成的订单、撤单返回 false 或出错的订单立即计数；Success 表示确实观察到撤单。
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) ([]CancellationResult, error) {
	if timeout <= 0 {
		timeout = c.cfg.CancelAllTimeout
	}
	views, err := c.reconciler.Orders(ctx)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, nil
	}

	latch := execution.NewCountdownLatch(len(views))
	var mu sync.Mutex
	counted := make(map[string]bool, len(views))
	success := make(map[string]bool, len(views))
	resolve := func(id string, ok bool) {
		mu.Lock()
		if ok {
			success[id] = true
		}
		first := !counted[id]
		counted[id] = true
		mu.Unlock()
		if first {
			latch.CountDown()
		}
	}

	unsubscribe := c.listeners.Subscribe(func(ev events.Event) {
		ce, ok := ev.(events.OrderCancelledEvent)
		if !ok {
			return
		}
		if isTracked(views, ce.OrderID) {
			resolve(ce.OrderID, true)
		}
	})
	defer unsubscribe()

	for _, v := range views {
		if v.Done {
			resolve(v.LocalID, true)
			continue
		}
		accepted, err := c.Cancel(ctx, v.LocalID)
		if err != nil || !accepted {
			resolve(v.LocalID, false)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !latch.Wait(waitCtx) {
		c.log.Warnf("批量撤单等待确认超时: 剩余 %d 个", latch.Count())
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]CancellationResult, 0, len(views))
	for _, v := range views {
		out = append(out, CancellationResult{OrderID: v.LocalID, Success: success[v.LocalID]})
	}
	return out, nil
}

func isTracked(views []OrderView, id string) bool {
	for _, v := range views {
		if v.LocalID == id {
			return true
		}
	}
	return false
}

// listenerSink 把事件转发给宿主 sink，同时通知临时订阅者（批量撤单确认）
type listenerSink struct {
	next ports.EventSink

	mu     sync.RWMutex
	seq    int
	listen map[int]func(events.Event)
}

func newListenerSink(next ports.EventSink) *listenerSink {
	return &listenerSink{next: next, listen: make(map[int]func(events.Event))}
}

func (s *listenerSink) Emit(ev events.Event) {
	s.mu.RLock()
	fns := make([]func(events.Event), 0, len(s.listen))
	for _, fn := range s.listen {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	s.next.Emit(ev)
}

// Subscribe 返回取消订阅函数
func (s *listenerSink) Subscribe(fn func(events.Event)) func() {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.listen[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listen, id)
		s.mu.Unlock()
	}
}
