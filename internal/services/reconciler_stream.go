package services

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// handleStreamEvent 处理一条用户流消息
func (r *Reconciler) handleStreamEvent(ctx context.Context, ev ports.StreamEvent) error {
	r.stats.StreamEvents++
	metrics.StreamEvents.Add(1)

	switch ev.Kind {
	case ports.StreamAccountBalance:
		var entries map[string]api.BalanceEntry
		if err := json.Unmarshal(ev.Payload, &entries); err != nil {
			return errors.Wrap(err, "decode account_balance")
		}
		r.balances.ApplySnapshot(entries, r.lookup)

	case ports.StreamOrderAdd, ports.StreamOrderUpdate, ports.StreamOrderCancelled:
		orders, err := decodeOrders(ev.Payload)
		if err != nil {
			return errors.Wrapf(err, "decode %s", ev.Kind)
		}
		for _, remote := range orders {
			o, ok := r.registry.ByExchangeID(remote.UUID)
			if !ok {
				r.log.Debugf("Unrecognized order ID from user stream: %s (%s)", remote.UUID, ev.Kind)
				continue
			}
			r.applyRemoteOrder(ctx, o, remote)
			r.issueOrderEvents(o)
		}

	case ports.StreamOrderDel:
		ids, err := decodeOrderIDs(ev.Payload)
		if err != nil {
			return errors.Wrap(err, "decode order_del")
		}
		for _, id := range ids {
			o, ok := r.registry.ByExchangeID(id)
			if !ok {
				r.log.Debugf("Unrecognized order ID from user stream: %s (order_del)", id)
				continue
			}
			r.pollFills(ctx, o)
			if !o.IsDone() {
				o.MarkDeleted()
			}
			r.issueOrderEvents(o)
		}

	case ports.StreamOrderExecution:
		execs, err := decodeExecutions(ev.Payload)
		if err != nil {
			return errors.Wrap(err, "decode order_execution")
		}
		for _, e := range execs {
			r.applyExecution(e)
		}

	case ports.StreamPosition:
		entries, err := decodePositions(ev.Payload)
		if err != nil {
			return errors.Wrap(err, "decode position")
		}
		r.applyPositionEntries(entries)

	default:
		r.log.Debugf("忽略未处理的推送类型: %s", ev.Kind)
	}
	return nil
}

// applyExecution 成交推送；订单尚未拿到交易所 ID 时先缓冲
func (r *Reconciler) applyExecution(e api.Execution) {
	fill := fillFromExecution(e)
	o, ok := r.registry.ByExchangeID(e.OrderID)
	if !ok {
		if r.registry.BufferUnclaimed(e.OrderID, fill) {
			r.stats.UnclaimedBuffered++
			metrics.UnclaimedFills.Add(1)
			r.log.Debugf("缓冲无主成交: order=%s fill=%s", e.OrderID, fill.ID)
		} else {
			r.log.Debugf("Unrecognized order ID from user stream: %s (order_execution)", e.OrderID)
		}
		return
	}
	r.registerFill(o, fill)
	r.issueOrderEvents(o)
}

// applyRemoteOrder 应用交易所报告的订单状态；本地成交落后时补拉成交
func (r *Reconciler) applyRemoteOrder(ctx context.Context, o *domain.Order, remote api.Order) {
	status, err := domain.ParseOrderStatus(remote.Status)
	if err != nil {
		r.log.Warnf("订单 %s 状态无法识别: %v", o.LocalID, err)
		return
	}
	if o.ApplyStatusUpdate(status, remote.Filled, remote.AveragePrice) {
		r.pollFills(ctx, o)
	}
}

// ApplyPositionSnapshot 应用 REST 持仓快照；只触及加锁的持仓表，可在循环外调用
func (r *Reconciler) ApplyPositionSnapshot(entries []api.PositionEntry) {
	r.applyPositionEntries(entries)
}

func (r *Reconciler) applyPositionEntries(entries []api.PositionEntry) {
	for _, e := range entries {
		if r.lookup == nil {
			return
		}
		pair, ok := r.lookup.Symbol(e.Instrument.String())
		if !ok {
			r.log.Debugf("持仓推送中的合约无法识别: %s", e.Instrument)
			continue
		}
		r.positions.ApplySnapshot(pair, e.Size, r.leverage(pair))
	}
}

func fillFromExecution(e api.Execution) domain.Fill {
	return domain.Fill{ID: e.ExecutionID.String(), Amount: e.Quantity, Price: e.Price}
}

// decodeOrders 兼容 {"result":[...]}、[...] 与单个对象
func decodeOrders(raw json.RawMessage) ([]api.Order, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []api.Order
		err := json.Unmarshal(raw, &out)
		return out, err
	}
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if len(env.Result) > 0 {
		return decodeOrders(env.Result)
	}
	var one api.Order
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []api.Order{one}, nil
}

// decodeOrderIDs order_del 的 result 是 uuid 字符串数组，也兼容订单对象
func decodeOrderIDs(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var env struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace(env.Result)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var o api.Order
		if err := json.Unmarshal(item, &o); err != nil {
			return nil, err
		}
		ids = append(ids, o.UUID)
	}
	return ids, nil
}

func decodeExecutions(raw json.RawMessage) ([]api.Execution, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var out []api.Execution
		err := json.Unmarshal(raw, &out)
		return out, err
	}
	var one api.Execution
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []api.Execution{one}, nil
}

func decodePositions(raw json.RawMessage) ([]api.PositionEntry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var out []api.PositionEntry
		err := json.Unmarshal(raw, &out)
		return out, err
	}
	var one api.PositionEntry
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []api.PositionEntry{one}, nil
}
