package ports

import (
	"context"

	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// ExchangeAPI 对账和下单所需的交易所 REST 能力。
// 生产实现是 *api.Client，测试里用内存假实现替换。
type ExchangeAPI interface {
	GetConfig(ctx context.Context) (*api.ConfigResponse, error)
	GetInfo(ctx context.Context) (map[string]api.MarketInfo, error)
	PlaceOrder(ctx context.Context, req api.PlaceOrderRequest) (*api.PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	// GetOrder 交易所查无此单时返回 api.ErrNotFound
	GetOrder(ctx context.Context, exchangeOrderID string) (*api.Order, error)
	GetExecutions(ctx context.Context) ([]api.Execution, error)
	GetBalances(ctx context.Context) (map[string]api.BalanceEntry, error)
	GetPositions(ctx context.Context) ([]api.PositionEntry, error)
	GetOrderBook(ctx context.Context, instrumentID string) (*api.OrderBookSnapshot, error)
}

// InstrumentLookup 交易对与合约 id、精度、报价币地址之间的映射
type InstrumentLookup interface {
	MarketID(pair string) (string, bool)
	Symbol(marketID string) (string, bool)
	Decimals(marketID string) (int32, bool)
	// DecimalsByCurrency 未知币种返回 0
	DecimalsByCurrency(currency string) int32
	QuoteAddress(quote string) (string, bool)
}

var _ ExchangeAPI = (*api.Client)(nil)
