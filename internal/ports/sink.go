package ports

import (
	"encoding/json"
	"time"

	"github.com/betbot/perpbridge/internal/events"
)

// EventSink 宿主事件出口。订单事件由对账 goroutine 同步发出，资金费率等由轮询 goroutine 发出，
// 实现需并发安全且不应阻塞。
type EventSink interface {
	Emit(ev events.Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(ev events.Event)

func (f EventSinkFunc) Emit(ev events.Event) { f(ev) }

// FanOut 依次转发给多个 sink（nil 跳过）
type FanOut []EventSink

func (s FanOut) Emit(ev events.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ev)
		}
	}
}

// Discard 丢弃所有事件
var Discard EventSink = EventSinkFunc(func(events.Event) {})

// StreamEvent 实时流推送的一条带类型消息，Payload 保持原始 JSON 由对账循环解析
type StreamEvent struct {
	Kind       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// 用户流事件类型
const (
	StreamAccountBalance = "account_balance"
	StreamOrderAdd       = "order_add"
	StreamOrderUpdate    = "order_update"
	StreamOrderDel       = "order_del"
	StreamOrderExecution = "order_execution"
	StreamOrderCancelled = "order_cancelled"
	StreamPosition       = "position"
)

// 行情流事件类型
const (
	StreamOrderBook     = "orderbook"
	StreamDiffOrderBook = "difforderbook"
	StreamIndex         = "index"
)
