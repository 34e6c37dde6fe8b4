package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/common"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/persistence"
	"github.com/betbot/perpbridge/pkg/sdk/api"
	"github.com/betbot/perpbridge/pkg/sigchan"
	"github.com/betbot/perpbridge/pkg/syncgroup"
)

// PollerConfig 轮询依赖
type PollerConfig struct {
	Interval   time.Duration
	Exchange   ports.ExchangeAPI
	Lookup     ports.InstrumentLookup
	Pairs      []string
	Reconciler *Reconciler
	Balances   *BalanceBook
	Rules      *TradingRuleBook
	Funding    *FundingBook
	Books      *OrderBookTracker
	Sink       ports.EventSink
	// OnConfig 每次拉到 /all/config 后回调（刷新合约映射），可为 nil
	OnConfig func(cfg *api.ConfigResponse)
	// States 在途订单快照存储，可为 nil
	States persistence.Store
	Logger *logrus.Entry
	Now    func() time.Time
}

// Poller REST 轮询：余额、交易规则、订单状态、持仓、资金费率并发刷新。
// Tick 跨过轮询间隔边界时发出信号，后台循环收到信号执行一轮。
type Poller struct {
	cfg    PollerConfig
	gate   *common.Debouncer
	warn   *common.Debouncer
	notify *sigchan.Chan
	log    *logrus.Entry

	once   sync.Once
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = ports.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "poller")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{
		cfg:    cfg,
		gate:   common.NewDebouncer(cfg.Interval),
		warn:   common.NewDebouncer(time.Minute),
		notify: sigchan.New(),
		log:    cfg.Logger,
	}
}

// Tick 由时钟驱动；跨过轮询边界时通知后台循环
func (p *Poller) Tick(now time.Time) {
	if p.gate.Tick(now) && !p.notify.Emit() {
		p.log.Debug("上一轮轮询未完成，合并本次触发")
	}
}

// Start 启动后台循环（只启动一次）：每秒 Tick，收到信号执行一轮轮询
func (p *Poller) Start(ctx context.Context) {
	common.StartLoopOnce(ctx, &p.once, p.setCancel, time.Second, func(loopCtx context.Context, tickC <-chan time.Time) {
		p.log.Infof("🚀 轮询启动: interval=%s", p.cfg.Interval)
		p.Tick(p.cfg.Now())
		_ = common.RunWithBackoff(loopCtx, p.log, "poller", 5*time.Second, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tickC:
					p.Tick(p.cfg.Now())
				case <-p.notify.C():
					_ = p.PollOnce(ctx)
				}
			}
		})
		p.log.Info("🛑 轮询停止")
	})
}

func (p *Poller) setCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// PollOnce 执行一轮轮询；失败项记录日志，下一轮重试
func (p *Poller) PollOnce(ctx context.Context) error {
	metrics.PollRuns.Add(1)

	g := syncgroup.NewSyncGroup()
	g.Add("balances", func() error { return p.updateBalances(ctx) })
	g.Add("trading_rules", func() error { return p.updateTradingRules(ctx) })
	g.Add("order_status", func() error { return p.updateOrderStatus(ctx) })
	g.Add("positions", func() error { return p.updatePositions(ctx) })
	g.Add("funding", func() error { return p.updateFunding(ctx) })
	g.Run()
	errs := g.Wait()

	p.SaveStates(ctx)

	if len(errs) == 0 {
		return nil
	}
	metrics.PollErrors.Add(int64(len(errs)))
	now := p.cfg.Now()
	if p.warn.Ready(now) {
		p.warn.Mark(now)
		p.log.Warn("Failed to fetch updates from exchange. Check network connection.")
	}
	for _, err := range errs {
		p.log.Warnf("轮询失败: %v", err)
	}
	return errs[0]
}

func (p *Poller) updateBalances(ctx context.Context) error {
	if p.cfg.Balances == nil {
		return nil
	}
	entries, err := p.cfg.Exchange.GetBalances(ctx)
	if err != nil {
		return err
	}
	p.cfg.Balances.ApplySnapshot(entries, p.cfg.Lookup)
	return nil
}

func (p *Poller) updateTradingRules(ctx context.Context) error {
	cfg, err := p.cfg.Exchange.GetConfig(ctx)
	if err != nil {
		return err
	}
	if p.cfg.OnConfig != nil {
		p.cfg.OnConfig(cfg)
	}
	if p.cfg.Rules != nil {
		n := p.cfg.Rules.Update(cfg, p.cfg.Lookup.Symbol)
		p.log.Debugf("交易规则已刷新: %d 个合约", n)
	}
	return nil
}

func (p *Poller) updateOrderStatus(ctx context.Context) error {
	if p.cfg.Reconciler == nil {
		return nil
	}
	return p.cfg.Reconciler.PollOrders(ctx)
}

func (p *Poller) updatePositions(ctx context.Context) error {
	if p.cfg.Reconciler == nil {
		return nil
	}
	entries, err := p.cfg.Exchange.GetPositions(ctx)
	if err != nil {
		return err
	}
	p.cfg.Reconciler.ApplyPositionSnapshot(entries)
	return nil
}

func (p *Poller) updateFunding(ctx context.Context) error {
	if p.cfg.Funding == nil {
		return nil
	}
	markets, err := p.cfg.Exchange.GetInfo(ctx)
	if err != nil {
		return err
	}
	now := p.cfg.Now()
	for _, fi := range p.cfg.Funding.Update(markets, p.cfg.Pairs, p.cfg.Lookup) {
		if p.cfg.Books != nil {
			p.cfg.Books.SetIndexPrice(fi.TradingPair, fi.IndexPrice)
		}
		p.cfg.Sink.Emit(events.FundingInfoUpdatedEvent{
			Timestamp:       now,
			TradingPair:     fi.TradingPair,
			IndexPrice:      fi.IndexPrice,
			Rate:            fi.Rate,
			NextFundingTime: fi.NextFundingTime,
		})
	}
	return nil
}

// SaveStates 保存在途订单快照；没有在途订单时删除旧快照
func (p *Poller) SaveStates(ctx context.Context) {
	if p.cfg.States == nil || p.cfg.Reconciler == nil {
		return
	}
	if err := saveTrackingStates(ctx, p.cfg.Reconciler, p.cfg.States); err != nil {
		p.log.Warnf("保存在途订单快照失败: %v", err)
	}
}

func saveTrackingStates(ctx context.Context, r *Reconciler, store persistence.Store) error {
	states, err := r.TrackingStates(ctx)
	if err != nil {
		return errors.Wrap(err, "collect tracking states")
	}
	if len(states) == 0 {
		return errors.Wrap(store.Clear(), "clear tracking states")
	}
	if err := store.Save(states); err != nil {
		return errors.Wrap(err, "save tracking states")
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}
