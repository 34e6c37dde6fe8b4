package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/services"
)

type statusResponse struct {
	Ready  bool                     `json:"ready"`
	Status map[string]bool          `json:"status"`
	Stats  services.ReconcilerStats `json:"stats"`
	Time   string                   `json:"time"`
}

// snapshot 一次刷新拉到的全部数据
type snapshot struct {
	Status    statusResponse
	Orders    []services.OrderView
	Positions []domain.Position
	Balances  []services.BalanceView
	FetchedAt time.Time
}

type statusClient struct {
	http *resty.Client
}

func newStatusClient(baseURL string, timeout time.Duration) *statusClient {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")
	return &statusClient{http: c}
}

func (c *statusClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	if resp.IsError() {
		return errors.Errorf("GET %s: http %d: %s", path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (c *statusClient) fetch(ctx context.Context) (snapshot, error) {
	var (
		s        snapshot
		orders   struct{ Orders []services.OrderView }
		pos      struct{ Positions []domain.Position }
		balances struct{ Balances []services.BalanceView }
	)
	if err := c.get(ctx, "/api/status", &s.Status); err != nil {
		return s, err
	}
	if err := c.get(ctx, "/api/orders", &orders); err != nil {
		return s, err
	}
	if err := c.get(ctx, "/api/positions", &pos); err != nil {
		return s, err
	}
	if err := c.get(ctx, "/api/balances", &balances); err != nil {
		return s, err
	}
	s.Orders, s.Positions, s.Balances = orders.Orders, pos.Positions, balances.Balances
	s.FetchedAt = time.Now()
	return s, nil
}
