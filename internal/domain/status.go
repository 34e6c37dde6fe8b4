package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// OrderStatus 交易所订单状态。
// 数值即 rank，只有 rank 更高的状态才算“前进”。
type OrderStatus int

const (
	OrderStatusPending   OrderStatus = 0
	OrderStatusActive    OrderStatus = 100
	OrderStatusOpen      OrderStatus = 101
	OrderStatusCancelled OrderStatus = 200
	OrderStatusDone      OrderStatus = 300
	OrderStatusFilled    OrderStatus = 301
	OrderStatusFailed    OrderStatus = 400
	OrderStatusDeleted   OrderStatus = 402
	OrderStatusExpired   OrderStatus = 403
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusPending:   "PENDING",
	OrderStatusActive:    "ACTIVE",
	OrderStatusOpen:      "open",
	OrderStatusCancelled: "cancelled",
	OrderStatusDone:      "done",
	OrderStatusFilled:    "FILLED",
	OrderStatusFailed:    "failed",
	OrderStatusDeleted:   "deleted",
	OrderStatusExpired:   "expired",
}

// Rank 返回状态在生命周期中的序号
func (s OrderStatus) Rank() int { return int(s) }

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

// IsDone done 及之后（含 FILLED/failed/deleted/expired）
func (s OrderStatus) IsDone() bool { return s >= OrderStatusDone }

// IsFailure failed 及之后
func (s OrderStatus) IsFailure() bool { return s >= OrderStatusFailed }

// IsTerminal 终态不可再被状态更新改写（cancelled 也算终态）
func (s OrderStatus) IsTerminal() bool { return s >= OrderStatusCancelled }

// ParseOrderStatus 解析交易所返回的状态字符串（大小写不敏感）
func ParseOrderStatus(v string) (OrderStatus, error) {
	key := strings.ToLower(strings.TrimSpace(v))
	for status, name := range orderStatusNames {
		if strings.ToLower(name) == key {
			return status, nil
		}
	}
	return OrderStatusPending, errors.Errorf("unknown order status %q", v)
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseOrderStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
