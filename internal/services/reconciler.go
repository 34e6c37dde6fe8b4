package services

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
)

// UnrecognizedOrderDebounce 下单后超过该时长仍拿不到交易所确认的订单视为不存在
const UnrecognizedOrderDebounce = 10 * time.Second

// ReconcilerConfig 对账循环依赖
type ReconcilerConfig struct {
	Exchange    ports.ExchangeAPI
	Instruments ports.InstrumentLookup
	Sink        ports.EventSink
	Balances    *BalanceBook
	Positions   *PositionAccumulator
	// Leverage 返回交易对当前杠杆，用于持仓快照；nil 时为 1
	Leverage func(pair string) int
	Logger   *logrus.Entry
	Debounce time.Duration
	Now      func() time.Time
}

// Reconciler 订单对账循环（Actor 模型）。
//
// 所有订单状态只在 Run 的 goroutine 中修改：实时流消息、下单结果、轮询都以命令形式进入 cmdChan，
// 顺序处理。成交补拉等 REST 调用在循环内同步执行，保证同一订单的事件顺序确定。
type Reconciler struct {
	cmdChan chan Command

	registry  *OrderRegistry
	positions *PositionAccumulator
	balances  *BalanceBook

	exchange ports.ExchangeAPI
	lookup   ports.InstrumentLookup
	sink     ports.EventSink
	leverage func(pair string) int

	log      *logrus.Entry
	debounce time.Duration
	now      func() time.Time

	stats ReconcilerStats
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Balances == nil {
		cfg.Balances = NewBalanceBook()
	}
	if cfg.Positions == nil {
		cfg.Positions = NewPositionAccumulator()
	}
	if cfg.Sink == nil {
		cfg.Sink = ports.Discard
	}
	if cfg.Leverage == nil {
		cfg.Leverage = func(string) int { return 1 }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "reconciler")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = UnrecognizedOrderDebounce
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		cmdChan:   make(chan Command, 1000), // 缓冲1000避免阻塞
		registry:  NewOrderRegistry(cfg.Balances),
		positions: cfg.Positions,
		balances:  cfg.Balances,
		exchange:  cfg.Exchange,
		lookup:    cfg.Instruments,
		sink:      cfg.Sink,
		leverage:  cfg.Leverage,
		log:       cfg.Logger,
		debounce:  cfg.Debounce,
		now:       cfg.Now,
	}
}

// SubmitCommand 非阻塞提交；通道满时丢弃并返回 false
func (r *Reconciler) SubmitCommand(cmd Command) bool {
	select {
	case r.cmdChan <- cmd:
		return true
	default:
		metrics.DroppedCommands.Add(1)
		r.log.Errorf("命令通道已满，命令被丢弃: %s, ID: %s", cmd.CommandType(), cmd.ID())
		return false
	}
}

// submit 阻塞提交，直到被接受或 ctx 结束
func (r *Reconciler) submit(ctx context.Context, cmd Command) error {
	select {
	case r.cmdChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call 提交命令并等待回复
func call[T any](ctx context.Context, r *Reconciler, cmd Command, reply <-chan T) (T, error) {
	var zero T
	if err := r.submit(ctx, cmd); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run 对账主循环（必须在独立 goroutine 中运行）
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("🚀 Reconciler 启动")
	for {
		select {
		case cmd := <-r.cmdChan:
			r.stats.TotalCommands++
			r.handleCommand(ctx, cmd)
		case <-ctx.Done():
			r.log.Info("🛑 Reconciler 停止")
			return
		}
	}
}

// handleCommand 顺序处理命令；单条命令 panic 不影响循环
func (r *Reconciler) handleCommand(ctx context.Context, cmd Command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.stats.Errors++
			metrics.HandlerPanics.Add(1)
			r.log.Errorf("❌ Reconciler 处理命令时发生 panic: %v, 命令类型: %s, ID: %s\n%s",
				rec, cmd.CommandType(), cmd.ID(), debug.Stack())
		}
	}()

	switch c := cmd.(type) {
	case *StreamEventCommand:
		if err := r.handleStreamEvent(ctx, c.Event); err != nil {
			r.stats.Errors++
			r.log.Errorf("处理推送消息失败: kind=%s err=%+v", c.Event.Kind, err)
		}
	case *StartTrackingCommand:
		c.Reply <- r.registry.StartTracking(c.Order)
	case *PlacementAckCommand:
		r.onPlacementAck(c.LocalID, c.ExchangeID, c.Created)
		close(c.Reply)
	case *PlacementFailedCommand:
		r.onPlacementFailed(c.LocalID, c.Type, c.Reason)
		close(c.Reply)
	case *PlacementTimeoutCommand:
		r.onPlacementTimeout(c.LocalID, c.Created)
		close(c.Reply)
	case *LocalCancelCommand:
		c.Reply <- r.cancelLocally(c.LocalID)
	case *PollOrdersCommand:
		c.Reply <- r.pollOrderStatus(ctx)
	case *QueryOrdersCommand:
		c.Reply <- r.queryOrders(c.LocalID)
	case *TrackingStatesCommand:
		c.Reply <- r.trackingStates()
	case *RestoreCommand:
		c.Reply <- r.restore(c.States)
	case *QueryStatsCommand:
		c.Reply <- r.snapshotStats()
	default:
		r.log.Errorf("未知命令类型: %s", cmd.CommandType())
	}
}

// ---- 对外 API（线程安全，经由命令通道） ----

// HandleStreamEvent 投递一条推送消息；通道满时阻塞直到 ctx 结束
func (r *Reconciler) HandleStreamEvent(ctx context.Context, ev ports.StreamEvent) error {
	return r.submit(ctx, &StreamEventCommand{cmdID: newCmdID(), Event: ev})
}

func (r *Reconciler) StartTracking(ctx context.Context, o *domain.Order) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, r, &StartTrackingCommand{cmdID: newCmdID(), Order: o, Reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (r *Reconciler) AckPlacement(ctx context.Context, localID, exchangeID string, created events.OrderCreatedEvent) error {
	reply := make(chan struct{})
	_, err := call(ctx, r, &PlacementAckCommand{cmdID: newCmdID(), LocalID: localID, ExchangeID: exchangeID, Created: created, Reply: reply}, reply)
	return err
}

func (r *Reconciler) FailPlacement(ctx context.Context, localID string, typ domain.OrderType, reason string) error {
	reply := make(chan struct{})
	_, err := call(ctx, r, &PlacementFailedCommand{cmdID: newCmdID(), LocalID: localID, Type: typ, Reason: reason, Reply: reply}, reply)
	return err
}

func (r *Reconciler) PlacementTimedOut(ctx context.Context, localID string, created events.OrderCreatedEvent) error {
	reply := make(chan struct{})
	_, err := call(ctx, r, &PlacementTimeoutCommand{cmdID: newCmdID(), LocalID: localID, Created: created, Reply: reply}, reply)
	return err
}

// CancelLocally 返回订单此前是否在跟踪中
func (r *Reconciler) CancelLocally(ctx context.Context, localID string) (bool, error) {
	reply := make(chan bool, 1)
	return call(ctx, r, &LocalCancelCommand{cmdID: newCmdID(), LocalID: localID, Reply: reply}, reply)
}

func (r *Reconciler) PollOrders(ctx context.Context) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, r, &PollOrdersCommand{cmdID: newCmdID(), Reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (r *Reconciler) Order(ctx context.Context, localID string) (OrderView, bool, error) {
	if localID == "" {
		return OrderView{}, false, nil
	}
	reply := make(chan []OrderView, 1)
	views, err := call(ctx, r, &QueryOrdersCommand{cmdID: newCmdID(), LocalID: localID, Reply: reply}, reply)
	if err != nil || len(views) == 0 {
		return OrderView{}, false, err
	}
	return views[0], true, nil
}

func (r *Reconciler) Orders(ctx context.Context) ([]OrderView, error) {
	reply := make(chan []OrderView, 1)
	return call(ctx, r, &QueryOrdersCommand{cmdID: newCmdID(), Reply: reply}, reply)
}

func (r *Reconciler) TrackingStates(ctx context.Context) (map[string]string, error) {
	reply := make(chan map[string]string, 1)
	return call(ctx, r, &TrackingStatesCommand{cmdID: newCmdID(), Reply: reply}, reply)
}

// Restore 恢复持久化的在途订单，返回恢复数量
func (r *Reconciler) Restore(ctx context.Context, states map[string]string) (int, error) {
	reply := make(chan int, 1)
	return call(ctx, r, &RestoreCommand{cmdID: newCmdID(), States: states, Reply: reply}, reply)
}

func (r *Reconciler) Stats(ctx context.Context) (ReconcilerStats, error) {
	reply := make(chan ReconcilerStats, 1)
	return call(ctx, r, &QueryStatsCommand{cmdID: newCmdID(), Reply: reply}, reply)
}

// ---- 命令处理（只在循环 goroutine 中调用） ----

func (r *Reconciler) onPlacementAck(localID, exchangeID string, created events.OrderCreatedEvent) {
	o, ok := r.registry.ByLocalID(localID)
	if !ok {
		r.log.Infof("Created order %s (已不在跟踪中), exchange_id=%s", localID, exchangeID)
		created.ExchangeOrderID = exchangeID
		r.emit(created)
		return
	}
	replayed, err := r.registry.SetExchangeID(localID, exchangeID)
	if err != nil {
		r.log.Warnf("绑定交易所订单ID失败: %v", err)
	}
	for _, f := range replayed {
		r.afterFill(o, f)
	}
	r.log.Infof("✅ Created %s %s order %s for %s %s, exchange_id=%s",
		o.Side, o.Type, localID, o.Amount, o.TradingPair, exchangeID)

	created.ExchangeOrderID = exchangeID
	r.emit(created)
	r.issueOrderEvents(o)
}

func (r *Reconciler) onPlacementFailed(localID string, typ domain.OrderType, reason string) {
	r.registry.StopTracking(localID)
	r.log.Warnf("❌ 下单失败: orderID=%s, reason=%s", localID, reason)
	r.emit(events.OrderFailedEvent{Timestamp: r.now(), OrderID: localID, Type: typ, Reason: reason})
}

// onPlacementTimeout 订单可能已生效，保持待确认，之后由轮询按去抖规则处理
func (r *Reconciler) onPlacementTimeout(localID string, created events.OrderCreatedEvent) {
	r.log.Warnf("下单请求超时，订单 %s 保持待确认", localID)
	r.emit(created)
}

func (r *Reconciler) cancelLocally(localID string) bool {
	o := r.registry.StopTracking(localID)
	if o == nil {
		return false
	}
	r.log.Infof("Successfully cancelled order %s (本地)", localID)
	r.emit(events.OrderCancelledEvent{Timestamp: r.now(), OrderID: localID, ExchangeOrderID: o.ExchangeID})
	return true
}

// registerFill 注册成交并更新持仓；重复成交返回 false
func (r *Reconciler) registerFill(o *domain.Order, f domain.Fill) bool {
	if !o.RegisterFill(f) {
		return false
	}
	r.afterFill(o, f)
	return true
}

func (r *Reconciler) afterFill(o *domain.Order, f domain.Fill) {
	r.stats.FillsRegistered++
	metrics.FillsRegistered.Add(1)
	r.positions.ApplyFill(o.TradingPair, o.Side, f.Amount, f.Price, o.Leverage)
	if o.Overfilled() {
		r.log.Warnf("订单 %s 成交量 %s 超过委托量 %s", o.LocalID, o.ExecutedBase(), o.Amount)
	}
}

// issueOrderEvents 发出订单内可发的事件；终态事件先结束跟踪再发出
func (r *Reconciler) issueOrderEvents(o *domain.Order) {
	for _, pe := range o.DrainIssuableEvents() {
		ev := events.FromPending(o, pe, r.now())
		if ev == nil {
			continue
		}
		if pe.Kind.IsTerminal() {
			r.registry.StopTracking(o.LocalID)
			r.log.Infof("订单 %s 结束跟踪: %s", o.LocalID, pe.Kind)
		}
		r.emit(ev)
	}
}

func (r *Reconciler) emit(ev events.Event) {
	r.stats.EventsEmitted++
	metrics.EventsEmitted.Add(1)
	r.sink.Emit(ev)
}

// stale 下单超过去抖窗口
func (r *Reconciler) stale(o *domain.Order) bool {
	return r.now().Sub(time.Unix(o.CreatedAt, 0)) > r.debounce
}

func (r *Reconciler) queryOrders(localID string) []OrderView {
	if localID != "" {
		o, ok := r.registry.ByLocalID(localID)
		if !ok {
			return nil
		}
		return []OrderView{viewOf(o, r.registry.IsPendingAck(localID))}
	}
	orders := r.registry.Orders()
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOf(o, r.registry.IsPendingAck(o.LocalID)))
	}
	return out
}

func (r *Reconciler) trackingStates() map[string]string {
	out := make(map[string]string, r.registry.Len())
	for _, o := range r.registry.Orders() {
		raw, err := o.MarshalTrackingState()
		if err != nil {
			r.log.Warnf("序列化订单 %s 失败: %v", o.LocalID, err)
			continue
		}
		out[o.LocalID] = raw
	}
	return out
}

// restore 只恢复未完成的订单；没有交易所 ID 的订单重新进入待确认集合
func (r *Reconciler) restore(states map[string]string) int {
	n := 0
	for key, raw := range states {
		o, err := domain.UnmarshalTrackingState(raw)
		if err != nil {
			r.log.Warnf("恢复订单 %s 失败: %v", key, err)
			continue
		}
		// 终态订单（含 cancelled）被搁置的事件不会重放，不再恢复
		if o.IsTerminal() {
			r.log.Debugf("跳过已终结订单 %s: status=%s", key, o.Status)
			continue
		}
		if err := r.registry.StartTracking(o); err != nil {
			r.log.Debugf("跳过恢复订单 %s: %v", key, err)
			continue
		}
		n++
	}
	if n > 0 {
		r.log.Infof("恢复了 %d 个在途订单", n)
	}
	return n
}

func (r *Reconciler) snapshotStats() ReconcilerStats {
	s := r.stats
	s.Tracked = r.registry.Len()
	s.PendingAck = r.registry.PendingAckCount()
	s.Unclaimed = r.registry.UnclaimedCount()
	return s
}
