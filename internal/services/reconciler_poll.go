package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

var errNoExchange = errors.New("reconciler has no exchange client")

// pollOrderStatus 逐个查询在途订单。
//
//   - 无交易所 ID 且超过去抖窗口：本地撤单
//   - 交易所查无此单且超过去抖窗口：补拉成交，未完成则标记 deleted
//   - 其余：应用状态并在需要时补拉成交
//
// 单个订单失败只记录日志，下一次轮询重试。
func (r *Reconciler) pollOrderStatus(ctx context.Context) error {
	if r.exchange == nil {
		return errNoExchange
	}
	var failed int
	for _, o := range r.registry.Orders() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.ExchangeID == "" {
			if r.stale(o) {
				r.log.Infof("订单 %s 超过 %s 仍无交易所ID，按已撤处理", o.LocalID, r.debounce)
				r.cancelLocally(o.LocalID)
			}
			continue
		}

		remote, err := r.exchange.GetOrder(ctx, o.ExchangeID)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				if r.stale(o) {
					r.pollFills(ctx, o)
					if !o.IsDone() {
						o.MarkDeleted()
					}
					r.issueOrderEvents(o)
				}
				continue
			}
			failed++
			r.log.Warnf("Failed to fetch tracked order %s(%s) from api: %v", o.LocalID, o.ExchangeID, err)
			continue
		}
		r.applyRemoteOrder(ctx, o, *remote)
		r.issueOrderEvents(o)
	}
	if failed > 0 {
		r.stats.Errors += int64(failed)
		return errors.Errorf("%d 个订单状态查询失败", failed)
	}
	return nil
}

// pollFills 拉取账户成交并注册属于该订单的部分
func (r *Reconciler) pollFills(ctx context.Context, o *domain.Order) {
	if r.exchange == nil || o.ExchangeID == "" {
		return
	}
	execs, err := r.exchange.GetExecutions(ctx)
	if err != nil {
		r.log.Warnf("Unable to poll for fills for order %s(%s): %v", o.LocalID, o.ExchangeID, err)
		return
	}
	for _, e := range execs {
		if e.OrderID == o.ExchangeID {
			r.registerFill(o, fillFromExecution(e))
		}
	}
}
