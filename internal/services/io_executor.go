package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/sdk/api"
	"github.com/betbot/perpbridge/pkg/signing"
)

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	ExchangeID string
	Status     string
	// TimedOut 请求超时，订单是否已生效未知
	TimedOut bool
	Error    error
}

// IOExecutor 下单/撤单的 REST 执行器，负责组装签名请求
type IOExecutor struct {
	exchange ports.ExchangeAPI
	lookup   ports.InstrumentLookup
	creds    *signing.Credentials
	dryRun   bool
	log      *logrus.Entry
	now      func() time.Time
}

func NewIOExecutor(exchange ports.ExchangeAPI, lookup ports.InstrumentLookup, creds *signing.Credentials, dryRun bool, log *logrus.Entry) *IOExecutor {
	if log == nil {
		log = logrus.WithField("component", "io_executor")
	}
	return &IOExecutor{
		exchange: exchange,
		lookup:   lookup,
		creds:    creds,
		dryRun:   dryRun,
		log:      log,
		now:      time.Now,
	}
}

// MarginPerFraction int(price * 10^decimals / leverage)
func MarginPerFraction(price decimal.Decimal, decimals int32, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	return price.Shift(decimals).Div(decimal.NewFromInt(int64(leverage))).Truncate(0)
}

// BuildPlaceRequest 组装并签名下单请求
func (e *IOExecutor) BuildPlaceRequest(o *domain.Order) (api.PlaceOrderRequest, error) {
	if e.creds == nil || e.creds.Signer == nil {
		return api.PlaceOrderRequest{}, errors.New("缺少签名凭证")
	}
	instrument, ok := e.lookup.MarketID(o.TradingPair)
	if !ok {
		return api.PlaceOrderRequest{}, errors.Errorf("未知交易对 %s", o.TradingPair)
	}
	decimals, _ := e.lookup.Decimals(instrument)
	quote, _ := e.lookup.QuoteAddress(o.QuoteAsset())

	side := "buy"
	if o.Side == domain.SideSell {
		side = "sell"
	}
	orderType := "MKT"
	if o.Type.IsLimit() {
		orderType = "LMT"
	}
	mpf := MarginPerFraction(o.Price, decimals, o.Leverage)
	ts := e.now().UnixMicro()

	fields := signing.OrderFields{
		AccountID:         e.creds.AccountID,
		Originator:        e.creds.APIKey,
		Instrument:        instrument,
		Side:              side,
		OrderType:         orderType,
		Price:             o.Price,
		Quantity:          o.Amount,
		MarginPerFraction: mpf.BigInt(),
		Timestamp:         ts,
		Quote:             quote,
		IsPostOnly:        o.Type == domain.OrderTypeLimitMaker,
	}
	sig, err := e.creds.Signer.SignOrder(fields, decimals)
	if err != nil {
		return api.PlaceOrderRequest{}, err
	}
	return api.PlaceOrderRequest{
		AccountID:         e.creds.AccountID,
		Originator:        e.creds.APIKey,
		Instrument:        instrument,
		Price:             o.Price.InexactFloat64(),
		Quantity:          o.Amount.InexactFloat64(),
		MarginPerFraction: mpf.String(),
		Side:              side,
		OrderType:         orderType,
		Timestamp:         strconv.FormatInt(ts, 10),
		Quote:             quote,
		IsPostOnly:        fields.IsPostOnly,
		ClientOrderID:     o.LocalID,
		Signature:         sig,
	}, nil
}

// PlaceOrder 同步下单
func (e *IOExecutor) PlaceOrder(ctx context.Context, o *domain.Order) *PlaceOrderResult {
	if e.dryRun {
		id := "dry-" + uuid.NewString()
		e.log.Infof("📝 [纸交易] 模拟下单: orderID=%s, pair=%s, side=%s, price=%s, amount=%s",
			o.LocalID, o.TradingPair, o.Side, o.Price, o.Amount)
		return &PlaceOrderResult{ExchangeID: id, Status: "open"}
	}

	req, err := e.BuildPlaceRequest(o)
	if err != nil {
		return &PlaceOrderResult{Error: err}
	}
	resp, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, api.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			e.log.Warnf("下单请求超时: orderID=%s", o.LocalID)
			return &PlaceOrderResult{TimedOut: true, Error: err}
		}
		e.log.Errorf("❌ 下单失败: orderID=%s, error=%v", o.LocalID, err)
		return &PlaceOrderResult{Error: err}
	}
	if resp.Error != "" {
		return &PlaceOrderResult{Error: errors.New(resp.Error)}
	}
	if len(resp.Orders) == 0 {
		return &PlaceOrderResult{Error: errors.New("下单响应为空")}
	}
	created := resp.Orders[0]
	status := strings.ToLower(created.Status)
	if status != "pending" && status != "open" {
		return &PlaceOrderResult{Status: created.Status, Error: errors.Errorf("unexpected order status %q", created.Status)}
	}
	e.log.Infof("✅ 下单成功: orderID=%s, exchangeID=%s", o.LocalID, created.UUID)
	return &PlaceOrderResult{ExchangeID: created.UUID, Status: created.Status}
}

// CancelOrder 撤单
func (e *IOExecutor) CancelOrder(ctx context.Context, exchangeID string) error {
	if e.dryRun {
		e.log.Infof("📝 [纸交易] 模拟取消订单: exchangeID=%s", exchangeID)
		return nil
	}
	if err := e.exchange.CancelOrder(ctx, exchangeID); err != nil {
		return err
	}
	e.log.Infof("✅ 取消订单请求已提交: exchangeID=%s", exchangeID)
	return nil
}
