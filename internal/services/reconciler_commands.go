package services

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/ports"
)

// Command 对账循环命令
type Command interface {
	CommandType() CommandType
	ID() string // 命令唯一ID，用于追踪
}

// CommandType 命令类型
type CommandType string

const (
	CmdStreamEvent      CommandType = "stream_event"
	CmdStartTracking    CommandType = "start_tracking"
	CmdPlacementAck     CommandType = "placement_ack"
	CmdPlacementFailed  CommandType = "placement_failed"
	CmdPlacementTimeout CommandType = "placement_timeout"
	CmdLocalCancel      CommandType = "local_cancel"
	CmdPollOrders       CommandType = "poll_orders"
	CmdQueryOrders      CommandType = "query_orders"
	CmdTrackingStates   CommandType = "tracking_states"
	CmdRestore          CommandType = "restore"
	CmdQueryStats       CommandType = "query_stats"
)

type cmdID string

func (c cmdID) ID() string { return string(c) }

func newCmdID() cmdID { return cmdID(uuid.NewString()) }

// StreamEventCommand 一条实时流消息
type StreamEventCommand struct {
	cmdID
	Event ports.StreamEvent
}

func (c *StreamEventCommand) CommandType() CommandType { return CmdStreamEvent }

// StartTrackingCommand 下单前登记订单
type StartTrackingCommand struct {
	cmdID
	Order *domain.Order
	Reply chan error
}

func (c *StartTrackingCommand) CommandType() CommandType { return CmdStartTracking }

// PlacementAckCommand 交易所已接受订单
type PlacementAckCommand struct {
	cmdID
	LocalID    string
	ExchangeID string
	Created    events.OrderCreatedEvent
	Reply      chan struct{}
}

func (c *PlacementAckCommand) CommandType() CommandType { return CmdPlacementAck }

// PlacementFailedCommand 下单被拒或请求出错
type PlacementFailedCommand struct {
	cmdID
	LocalID string
	Type    domain.OrderType
	Reason  string
	Reply   chan struct{}
}

func (c *PlacementFailedCommand) CommandType() CommandType { return CmdPlacementFailed }

// PlacementTimeoutCommand 下单请求超时，订单可能已在交易所生效
type PlacementTimeoutCommand struct {
	cmdID
	LocalID string
	Created events.OrderCreatedEvent
	Reply   chan struct{}
}

func (c *PlacementTimeoutCommand) CommandType() CommandType { return CmdPlacementTimeout }

// LocalCancelCommand 不经交易所直接结束跟踪并发出撤单事件
type LocalCancelCommand struct {
	cmdID
	LocalID string
	Reply   chan bool
}

func (c *LocalCancelCommand) CommandType() CommandType { return CmdLocalCancel }

// PollOrdersCommand 轮询所有在途订单状态
type PollOrdersCommand struct {
	cmdID
	Reply chan error
}

func (c *PollOrdersCommand) CommandType() CommandType { return CmdPollOrders }

// QueryOrdersCommand LocalID 为空时返回全部
type QueryOrdersCommand struct {
	cmdID
	LocalID string
	Reply   chan []OrderView
}

func (c *QueryOrdersCommand) CommandType() CommandType { return CmdQueryOrders }

type TrackingStatesCommand struct {
	cmdID
	Reply chan map[string]string
}

func (c *TrackingStatesCommand) CommandType() CommandType { return CmdTrackingStates }

type RestoreCommand struct {
	cmdID
	States map[string]string
	Reply  chan int
}

func (c *RestoreCommand) CommandType() CommandType { return CmdRestore }

type QueryStatsCommand struct {
	cmdID
	Reply chan ReconcilerStats
}

func (c *QueryStatsCommand) CommandType() CommandType { return CmdQueryStats }

// OrderView 在途订单的只读视图
type OrderView struct {
	LocalID       string                `json:"local_id"`
	ExchangeID    string                `json:"exchange_id,omitempty"`
	TradingPair   string                `json:"trading_pair"`
	Side          domain.TradeSide      `json:"side"`
	Type          domain.OrderType      `json:"type"`
	Price         decimal.Decimal       `json:"price"`
	Amount        decimal.Decimal       `json:"amount"`
	ExecutedBase  decimal.Decimal       `json:"executed_base"`
	ExecutedQuote decimal.Decimal       `json:"executed_quote"`
	FeePaid       decimal.Decimal       `json:"fee_paid"`
	Status        string                `json:"status"`
	Leverage      int                   `json:"leverage"`
	Position      domain.PositionAction `json:"position"`
	CreatedAt     int64                 `json:"created_at"`
	PendingAck    bool                  `json:"pending_ack"`
	Done          bool                  `json:"done"`
}

func viewOf(o *domain.Order, pendingAck bool) OrderView {
	return OrderView{
		LocalID:       o.LocalID,
		ExchangeID:    o.ExchangeID,
		TradingPair:   o.TradingPair,
		Side:          o.Side,
		Type:          o.Type,
		Price:         o.Price,
		Amount:        o.Amount,
		ExecutedBase:  o.ExecutedBase(),
		ExecutedQuote: o.ExecutedQuote(),
		FeePaid:       o.FeePaid,
		Status:        o.Status.String(),
		Leverage:      o.Leverage,
		Position:      o.Position,
		CreatedAt:     o.CreatedAt,
		PendingAck:    pendingAck,
		Done:          o.IsDone(),
	}
}

// ReconcilerStats 对账循环统计
type ReconcilerStats struct {
	TotalCommands     int64 `json:"total_commands"`
	StreamEvents      int64 `json:"stream_events"`
	FillsRegistered   int64 `json:"fills_registered"`
	UnclaimedBuffered int64 `json:"unclaimed_buffered"`
	EventsEmitted     int64 `json:"events_emitted"`
	Errors            int64 `json:"errors"`

	Tracked    int `json:"tracked"`
	PendingAck int `json:"pending_ack"`
	Unclaimed  int `json:"unclaimed"`
}
