package api

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexString 兼容 JSON 字符串或数字（交易所的 id 字段两种形式都会出现）
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	*s = FlexString(strings.TrimSpace(string(b)))
	return nil
}

func (s FlexString) String() string { return string(s) }

// Order 订单状态（/order/{id}、order_add、order_update、order_cancelled 共用）
type Order struct {
	UUID          string          `json:"uuid"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Instrument    FlexString      `json:"instrument,omitempty"`
	Status        string          `json:"status"`
	Side          string          `json:"side,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Filled        decimal.Decimal `json:"filled"`
	AveragePrice  decimal.Decimal `json:"averagePrice"`
}

// Execution 成交回报（/account/execution 与 order_execution 共用）
type Execution struct {
	OrderID     string          `json:"orderId"`
	ExecutionID FlexString      `json:"executionId"`
	Instrument  FlexString      `json:"instrument,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// BalanceEntry 原始余额（整数精度，需按币种小数位缩放）
type BalanceEntry struct {
	Symbol    string          `json:"symbol"`
	Plasma    decimal.Decimal `json:"plasma"`
	Available decimal.Decimal `json:"available"`
}

// PositionEntry 持仓快照，size 为有符号数量
type PositionEntry struct {
	Instrument FlexString      `json:"instrument"`
	Size       decimal.Decimal `json:"size"`
}

type QuoteConfig struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// Instrument /all/config 中的合约配置
type Instrument struct {
	ID                    FlexString      `json:"id"`
	Symbol                string          `json:"symbol"`
	Name                  string          `json:"name"`
	BaseSymbol            string          `json:"baseSymbol"`
	QuoteSymbol           string          `json:"quoteSymbol"`
	Quote                 QuoteConfig     `json:"quote"`
	BaseSignificantDigits int32           `json:"baseSignificantDigits"`
	TickSize              decimal.Decimal `json:"tickSize"`
	MaxLeverage           decimal.Decimal `json:"maxLeverage"`
}

type ConfigResponse struct {
	Instruments map[string]Instrument `json:"instruments"`
}

type IndexInfo struct {
	Price decimal.Decimal `json:"price"`
	Topic string          `json:"topic"`
}

type FundingRateInfo struct {
	End  int64           `json:"end"`
	Rate decimal.Decimal `json:"rate"`
}

// MarketInfo /all/info 中单个合约的行情与资金费率
type MarketInfo struct {
	Index       IndexInfo       `json:"index"`
	FundingRate FundingRateInfo `json:"fundingRate"`
}

// BookLevel REST 快照与 difforderbook 的价位
type BookLevel struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
}

// StreamBookLevel 推送快照（orderbook 事件）的价位
type StreamBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot GET /instrument/{id}/orderbook/
type OrderBookSnapshot struct {
	Buy  []BookLevel `json:"buy"`
	Sell []BookLevel `json:"sell"`
}

// StreamOrderBook orderbook 推送中单个合约的快照
type StreamOrderBook struct {
	Bids []StreamBookLevel `json:"bids"`
	Asks []StreamBookLevel `json:"asks"`
}

// OrderBookDiff difforderbook 推送
type OrderBookDiff struct {
	Instrument FlexString           `json:"instrument"`
	Buy        map[string]BookLevel `json:"buy"`
	Sell       map[string]BookLevel `json:"sell"`
}

// IndexUpdate index 推送
type IndexUpdate struct {
	Topic string          `json:"topic"`
	Price decimal.Decimal `json:"price"`
}

// PlaceOrderRequest 下单请求体中的单个订单，字段顺序与交易所一致
type PlaceOrderRequest struct {
	AccountID         string  `json:"accountId"`
	Originator        string  `json:"originator"`
	Instrument        string  `json:"instrument"`
	Price             float64 `json:"price"`
	TriggerPrice      string  `json:"triggerPrice"`
	Quantity          float64 `json:"quantity"`
	MarginPerFraction string  `json:"marginPerFraction"`
	Side              string  `json:"side"`
	OrderType         string  `json:"orderType"`
	Timestamp         string  `json:"timestamp"`
	Quote             string  `json:"quote"`
	IsPostOnly        bool    `json:"isPostOnly"`
	ReduceOnly        bool    `json:"reduceOnly"`
	ClientOrderID     string  `json:"clientOrderId"`
	Signature         string  `json:"signature"`
}

// PlaceOrderResponse 成功时为订单数组，失败时为带 error 字段的对象
type PlaceOrderResponse struct {
	Orders []Order
	Error  string
}

func (r *PlaceOrderResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &r.Orders)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if raw, ok := obj["error"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		if s == "" {
			s = "unknown error"
		}
		r.Error = s
		return nil
	}
	var one Order
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	r.Orders = []Order{one}
	return nil
}
