package services

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/internal/domain"
)

// ErrOrderNotTracked 本地没有该订单
var ErrOrderNotTracked = errors.New("order not tracked")

// OrderRegistry 在途订单索引。
//
// 只在 Reconciler 的 goroutine 中访问，内部不加锁。
// 负责：本地 ID / 交易所 ID 双索引、待确认集合、无主成交缓冲、挂单占用。
type OrderRegistry struct {
	orders     map[string]*domain.Order
	byExchange map[string]*domain.Order
	pendingAck map[string]struct{}
	// 交易所 ID -> 按到达顺序的成交（已去重）
	unclaimed map[string][]domain.Fill

	balances *BalanceBook
}

func NewOrderRegistry(balances *BalanceBook) *OrderRegistry {
	if balances == nil {
		balances = NewBalanceBook()
	}
	return &OrderRegistry{
		orders:     make(map[string]*domain.Order),
		byExchange: make(map[string]*domain.Order),
		pendingAck: make(map[string]struct{}),
		unclaimed:  make(map[string][]domain.Fill),
		balances:   balances,
	}
}

// StartTracking 登记新订单：加入待确认集合并占用余额
func (r *OrderRegistry) StartTracking(o *domain.Order) error {
	if o == nil || o.LocalID == "" {
		return errors.New("order without local id")
	}
	if _, ok := r.orders[o.LocalID]; ok {
		return errors.Errorf("order %s already tracked", o.LocalID)
	}
	r.orders[o.LocalID] = o
	if o.ExchangeID == "" {
		r.pendingAck[o.LocalID] = struct{}{}
	} else {
		r.byExchange[o.ExchangeID] = o
	}
	r.balances.Reserve(o.ReservedAsset(), o.ReservedBalance())
	return nil
}

// SetExchangeID 绑定交易所 ID，并回放该 ID 下缓冲的无主成交。
// 返回本次新注册的成交（调用方据此更新持仓）。
// 待确认集合清空后，剩余的无主成交不可能再被认领，一并丢弃。
func (r *OrderRegistry) SetExchangeID(localID, exchangeID string) ([]domain.Fill, error) {
	o, ok := r.orders[localID]
	if !ok {
		return nil, errors.Wrapf(ErrOrderNotTracked, "set exchange id %s", exchangeID)
	}
	o.ExchangeID = exchangeID
	r.byExchange[exchangeID] = o

	var registered []domain.Fill
	for _, f := range r.unclaimed[exchangeID] {
		if o.RegisterFill(f) {
			registered = append(registered, f)
		}
	}
	delete(r.unclaimed, exchangeID)

	delete(r.pendingAck, localID)
	if len(r.pendingAck) == 0 {
		r.unclaimed = make(map[string][]domain.Fill)
	}
	return registered, nil
}

// StopTracking 移除订单并释放占用；未跟踪的订单返回 nil
func (r *OrderRegistry) StopTracking(localID string) *domain.Order {
	o, ok := r.orders[localID]
	if !ok {
		return nil
	}
	// 按当前剩余占用释放：部分成交后只释放未成交部分
	r.balances.Release(o.ReservedAsset(), o.ReservedBalance())
	if o.ExchangeID != "" {
		if cur, ok := r.byExchange[o.ExchangeID]; ok && cur == o {
			delete(r.byExchange, o.ExchangeID)
		}
	}
	delete(r.orders, localID)
	delete(r.pendingAck, localID)
	if len(r.pendingAck) == 0 && len(r.unclaimed) > 0 {
		r.unclaimed = make(map[string][]domain.Fill)
	}
	return o
}

func (r *OrderRegistry) ByLocalID(localID string) (*domain.Order, bool) {
	o, ok := r.orders[localID]
	return o, ok
}

// ByExchangeID 先查索引，未命中时线性扫描
func (r *OrderRegistry) ByExchangeID(exchangeID string) (*domain.Order, bool) {
	if exchangeID == "" {
		return nil, false
	}
	if o, ok := r.byExchange[exchangeID]; ok {
		return o, true
	}
	for _, o := range r.orders {
		if o.ExchangeID == exchangeID {
			r.byExchange[exchangeID] = o
			return o, true
		}
	}
	return nil, false
}

// BufferUnclaimed 缓冲一笔找不到订单的成交。
// 没有任何订单在等交易所 ID 时不缓冲，返回 false。
func (r *OrderRegistry) BufferUnclaimed(exchangeID string, f domain.Fill) bool {
	if exchangeID == "" || len(r.pendingAck) == 0 {
		return false
	}
	for _, existing := range r.unclaimed[exchangeID] {
		if existing.ID == f.ID {
			return false
		}
	}
	r.unclaimed[exchangeID] = append(r.unclaimed[exchangeID], f)
	return true
}

func (r *OrderRegistry) UnclaimedCount() int {
	n := 0
	for _, fills := range r.unclaimed {
		n += len(fills)
	}
	return n
}

func (r *OrderRegistry) PendingAckCount() int { return len(r.pendingAck) }

func (r *OrderRegistry) IsPendingAck(localID string) bool {
	_, ok := r.pendingAck[localID]
	return ok
}

func (r *OrderRegistry) Len() int { return len(r.orders) }

// Orders 按创建时间、本地 ID 排序
func (r *OrderRegistry) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}
