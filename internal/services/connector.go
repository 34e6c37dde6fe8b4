package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/execution"
	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/internal/risk"
	"github.com/betbot/perpbridge/pkg/instruments"
	"github.com/betbot/perpbridge/pkg/persistence"
	"github.com/betbot/perpbridge/pkg/signing"
)

var (
	// ErrNoExchangeID 订单还在去抖窗口内且尚未拿到交易所 ID，暂时无法撤单
	ErrNoExchangeID = errors.New("order has no exchange id yet")
	// ErrOrderNotFoundOnExchange 交易所查无此单，且订单还在去抖窗口内
	ErrOrderNotFoundOnExchange = errors.New("order does not yet exist on the exchange")
)

// NetworkStatus 网络检查结果
type NetworkStatus string

const (
	NetworkConnected    NetworkStatus = "CONNECTED"
	NetworkNotConnected NetworkStatus = "NOT_CONNECTED"
)

// FeeRates 手续费率（小数形式）
type FeeRates struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// ConnectorConfig 连接器配置
type ConnectorConfig struct {
	Exchange     ports.ExchangeAPI
	Instruments  *instruments.Registry
	Credentials  *signing.Credentials
	TradingPairs []string
	// Leverage 交易对初始杠杆，未配置为 1
	Leverage        map[string]int
	PollInterval    time.Duration
	Fees            FeeRates
	TradingRequired bool
	DryRun          bool
	Sink            ports.EventSink
	// States 在途订单快照存储，可为 nil
	States           persistence.Store
	CancelAllTimeout time.Duration
	Debounce         time.Duration
	// Breaker 连续下单失败熔断，零值关闭
	Breaker          risk.CircuitBreakerConfig
	Logger           *logrus.Entry
	Now              func() time.Time
}

// Connector 对宿主暴露的交易所连接器
type Connector struct {
	cfg ConnectorConfig
	log *logrus.Entry
	now func() time.Time

	instruments *instruments.Registry
	balances    *BalanceBook
	positions   *PositionAccumulator
	rules       *TradingRuleBook
	funding     *FundingBook
	books       *OrderBookTracker
	reconciler  *Reconciler
	poller      *Poller
	executor    *IOExecutor
	cancels     *execution.KeyGuard
	breaker     *risk.CircuitBreaker
	listeners   *listenerSink
	nonce       *trackingNonce

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Instruments == nil {
		cfg.Instruments = instruments.NewRegistry()
	}
	if cfg.Sink == nil {
		cfg.Sink = ports.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "connector")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = UnrecognizedOrderDebounce
	}
	if cfg.CancelAllTimeout <= 0 {
		cfg.CancelAllTimeout = 10 * time.Second
	}
	if cfg.Fees.Maker.IsZero() && cfg.Fees.Taker.IsZero() {
		cfg.Fees = FeeRates{Maker: decimal.RequireFromString("0.0004"), Taker: decimal.RequireFromString("0.0002")}
	}

	c := &Connector{
		cfg:         cfg,
		log:         cfg.Logger,
		now:         cfg.Now,
		instruments: cfg.Instruments,
		balances:    NewBalanceBook(),
		positions:   NewPositionAccumulator(),
		rules:       NewTradingRuleBook(),
		funding:     NewFundingBook(),
		cancels:     execution.NewKeyGuard(5 * time.Second),
		breaker:     risk.NewCircuitBreaker(cfg.Breaker),
		listeners:   newListenerSink(cfg.Sink),
		nonce:       &trackingNonce{},
	}
	for pair, lev := range cfg.Leverage {
		c.rules.SetLeverage(pair, lev)
	}
	c.books = NewOrderBookTracker(cfg.TradingPairs, cfg.Instruments, cfg.Logger.WithField("component", "orderbook"))
	c.reconciler = NewReconciler(ReconcilerConfig{
		Exchange:    cfg.Exchange,
		Instruments: cfg.Instruments,
		Sink:        c.listeners,
		Balances:    c.balances,
		Positions:   c.positions,
		Leverage:    c.rules.Leverage,
		Logger:      cfg.Logger.WithField("component", "reconciler"),
		Debounce:    cfg.Debounce,
		Now:         cfg.Now,
	})
	c.poller = NewPoller(PollerConfig{
		Interval:   cfg.PollInterval,
		Exchange:   cfg.Exchange,
		Lookup:     cfg.Instruments,
		Pairs:      cfg.TradingPairs,
		Reconciler: c.reconciler,
		Balances:   c.balances,
		Rules:      c.rules,
		Funding:    c.funding,
		Books:      c.books,
		Sink:       c.listeners,
		OnConfig:   cfg.Instruments.Load,
		States:     cfg.States,
		Logger:     cfg.Logger.WithField("component", "poller"),
		Now:        cfg.Now,
	})
	c.executor = NewIOExecutor(cfg.Exchange, cfg.Instruments, cfg.Credentials, cfg.DryRun, cfg.Logger.WithField("component", "io_executor"))
	return c
}

// Start 加载合约配置、恢复在途订单、启动对账循环与轮询。
// ctx 只约束启动阶段的请求；对账循环与轮询一直运行到 Stop，
// 以便退出信号到达后仍能执行 CancelAll 与快照保存。
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if err := c.instruments.Configure(ctx, c.cfg.Exchange); err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "configure instruments")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		c.reconciler.Run(runCtx)
	}()

	if c.cfg.States != nil {
		var states map[string]string
		switch err := c.cfg.States.Load(&states); {
		case errors.Is(err, persistence.ErrNotExists):
		case err != nil:
			c.log.Warnf("加载在途订单快照失败: %v", err)
		default:
			metrics.SnapshotLoads.Add(1)
			if _, err := c.RestoreTrackingStates(ctx, states); err != nil {
				c.log.Warnf("恢复在途订单失败: %v", err)
			}
		}
	}

	if err := c.books.Seed(ctx, c.cfg.Exchange); err != nil {
		c.log.Warnf("价位簿初始化不完整，等待行情流快照: %v", err)
	}
	c.poller.Start(runCtx)
	c.log.Infof("🚀 连接器已启动: pairs=%v, dryRun=%v", c.cfg.TradingPairs, c.cfg.DryRun)
	return nil
}

// Stop 停止轮询，保存在途订单快照，再停止对账循环
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.poller.Stop()
	var saveErr error
	if c.cfg.States != nil {
		saveErr = saveTrackingStates(ctx, c.reconciler, c.cfg.States)
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("🛑 连接器已停止")
	return saveErr
}

// HandleUserEvent 用户流消息入口
func (c *Connector) HandleUserEvent(ctx context.Context, ev ports.StreamEvent) error {
	return c.reconciler.HandleStreamEvent(ctx, ev)
}

// HandleMarketEvent 行情流消息入口
func (c *Connector) HandleMarketEvent(ev ports.StreamEvent) error {
	return c.books.HandleMarketEvent(ev)
}

// Tick 宿主时钟驱动轮询（后台循环之外的额外触发）
func (c *Connector) Tick(now time.Time) { c.poller.Tick(now) }

// StatusDict 各项就绪状态
func (c *Connector) StatusDict() map[string]bool {
	trading := c.cfg.TradingRequired
	return map[string]bool{
		"order_books_initialized":  c.books.Ready(),
		"account_balances":         !trading || c.balances.Loaded(),
		"trading_rule_initialized": !trading || c.rules.Loaded(),
		"funding_info_available":   !trading || c.funding.Loaded(),
	}
}

func (c *Connector) Ready() bool {
	for _, ok := range c.StatusDict() {
		if !ok {
			return false
		}
	}
	return true
}

// CheckNetwork GET /all/info 成功即视为连通
func (c *Connector) CheckNetwork(ctx context.Context) NetworkStatus {
	if _, err := c.cfg.Exchange.GetInfo(ctx); err != nil {
		c.log.Debugf("网络检查失败: %v", err)
		return NetworkNotConnected
	}
	return NetworkConnected
}

func (c *Connector) MidPrice(pair string) (decimal.Decimal, bool) { return c.books.MidPrice(pair) }

func (c *Connector) GetBalance(currency string) decimal.Decimal { return c.balances.Balance(currency) }

func (c *Connector) GetAvailableBalance(currency string) decimal.Decimal {
	return c.balances.Available(currency)
}

func (c *Connector) Balances() []BalanceView { return c.balances.All() }

// SetLeverage 返回按 maxLeverage 截断后的生效杠杆
func (c *Connector) SetLeverage(pair string, leverage int) int {
	eff := c.rules.SetLeverage(pair, leverage)
	if eff != leverage {
		c.log.Warnf("%s 杠杆 %d 超出范围，已调整为 %d", pair, leverage, eff)
	}
	return eff
}

func (c *Connector) Leverage(pair string) int { return c.rules.Leverage(pair) }

func (c *Connector) TradingRule(pair string) (domain.TradingRule, bool) { return c.rules.Rule(pair) }

func (c *Connector) FundingInfo(pair string) (FundingInfo, bool) { return c.funding.Get(pair) }

func (c *Connector) AllFundingInfo() []FundingInfo { return c.funding.All() }

func (c *Connector) Positions() []domain.Position { return c.positions.All() }

func (c *Connector) Orders(ctx context.Context) ([]OrderView, error) { return c.reconciler.Orders(ctx) }

func (c *Connector) Stats(ctx context.Context) (ReconcilerStats, error) { return c.reconciler.Stats(ctx) }

// TrackingStates 在途订单快照（本地订单 ID -> JSON）
func (c *Connector) TrackingStates(ctx context.Context) (map[string]string, error) {
	return c.reconciler.TrackingStates(ctx)
}

// RestoreTrackingStates 恢复在途订单，返回恢复数量
func (c *Connector) RestoreTrackingStates(ctx context.Context, states map[string]string) (int, error) {
	return c.reconciler.Restore(ctx, states)
}

// PollNow 立即执行一轮轮询
func (c *Connector) PollNow(ctx context.Context) error { return c.poller.PollOnce(ctx) }

// HaltTrading 手动暂停下单，已跟踪的订单照常对账与撤单
func (c *Connector) HaltTrading() {
	c.breaker.Halt()
	c.log.Warn("🛑 已暂停下单")
}

// ResumeTrading 解除暂停与熔断
func (c *Connector) ResumeTrading() {
	c.breaker.Resume()
	c.log.Info("✅ 已恢复下单")
}

func (c *Connector) TradingHalted() bool { return c.breaker.Halted() }

// trackingNonce 单调递增的微秒级 nonce
type trackingNonce struct {
	mu   sync.Mutex
	last int64
}

func (n *trackingNonce) next(now time.Time) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := now.UnixMicro()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}
