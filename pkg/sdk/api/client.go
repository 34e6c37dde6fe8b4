package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/pkg/ratelimit"
	sdkhttp "github.com/betbot/perpbridge/pkg/sdk/http"
)

const (
	RouteConfig     = "/all/config"
	RouteInfo       = "/all/info"
	RouteOrder      = "/order"
	RouteExecutions = "/account/execution"
	RouteBalance    = "/account/balance"
	RoutePosition   = "/account/position"
)

// ErrNotFound / ErrTimeout 见 sdkhttp
var (
	ErrNotFound = sdkhttp.ErrNotFound
	ErrTimeout  = sdkhttp.ErrTimeout
)

const (
	MainnetURL = "https://live.leverj.io/futures/api/v1"
	TestnetURL = "https://kovan.leverj.io/futures/api/v1"
)

// BaseURLForDomain "kovan" 为测试网，其余为主网
func BaseURLForDomain(domain string) string {
	if domain == "kovan" {
		return TestnetURL
	}
	return MainnetURL
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Headers sdkhttp.HeaderProvider
	// 每秒请求数上限；<=0 时使用默认 10
	RequestsPerSecond float64
}

// Client 交易所 REST 路由封装
type Client struct {
	http    *sdkhttp.Client
	timeout time.Duration
}

func NewClient(opt Options) *Client {
	rps := opt.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	return &Client{
		http: sdkhttp.NewClient(sdkhttp.Config{
			BaseURL:    opt.BaseURL,
			Timeout:    opt.Timeout,
			RetryCount: 2,
			Limiter:    ratelimit.NewTokenBucket(int(rps), rps),
			Headers:    opt.Headers,
		}),
		timeout: opt.Timeout,
	}
}

func (c *Client) do(ctx context.Context, method, path string, opt *sdkhttp.RequestOptions, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.http.Do(ctx, method, path, opt, out)
}

func (c *Client) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	var out ConfigResponse
	if err := c.do(ctx, http.MethodGet, RouteConfig, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInfo 按合约 id 返回行情/资金费率
func (c *Client) GetInfo(ctx context.Context) (map[string]MarketInfo, error) {
	out := map[string]MarketInfo{}
	if err := c.do(ctx, http.MethodGet, RouteInfo, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrder 下单请求体为单元素数组；错误响应同样以 JSON 返回
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	var out PlaceOrderResponse
	err := c.do(ctx, http.MethodPost, RouteOrder, &sdkhttp.RequestOptions{
		Body:            []PlaceOrderRequest{req},
		AcceptErrorBody: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	return c.do(ctx, http.MethodDelete, RouteOrder+"/"+url.PathEscape(exchangeOrderID), nil, nil)
}

// GetOrder 查询单个订单；交易所不认识时返回 ErrNotFound
func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (*Order, error) {
	var out []Order
	if err := c.do(ctx, http.MethodGet, RouteOrder+"/"+url.PathEscape(exchangeOrderID), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "order %s", exchangeOrderID)
	}
	return &out[0], nil
}

func (c *Client) GetExecutions(ctx context.Context) ([]Execution, error) {
	var out []Execution
	if err := c.do(ctx, http.MethodGet, RouteExecutions, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalances(ctx context.Context) (map[string]BalanceEntry, error) {
	out := map[string]BalanceEntry{}
	if err := c.do(ctx, http.MethodGet, RouteBalance, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]PositionEntry, error) {
	var out []PositionEntry
	if err := c.do(ctx, http.MethodGet, RoutePosition, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrderBook(ctx context.Context, instrumentID string) (*OrderBookSnapshot, error) {
	var out OrderBookSnapshot
	path := "/instrument/" + url.PathEscape(instrumentID) + "/orderbook/"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
