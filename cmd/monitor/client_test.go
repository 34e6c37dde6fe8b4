package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpbridge/internal/domain"
)

func TestStatusClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"ready":true,"status":{"account_balances":true},"stats":{"tracked":2}}`))
		case "/api/orders":
			_, _ = w.Write([]byte(`{"orders":[{"local_id":"buy-ETH-DAI-1","side":"BUY","amount":"1","price":"100","status":"open"}]}`))
		case "/api/positions":
			_, _ = w.Write([]byte(`{"positions":[{"trading_pair":"ETH-DAI","side":"SHORT","amount":"-1","entry_price":"100","leverage":2}]}`))
		case "/api/balances":
			_, _ = w.Write([]byte(`{"balances":[{"currency":"DAI","total":"5","available":"4","reserved":"1"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newStatusClient(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	snap, err := c.fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Status.Ready)
	assert.Equal(t, 2, snap.Status.Stats.Tracked)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, domain.SideBuy, snap.Orders[0].Side)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, domain.PositionShort, snap.Positions[0].Side)
	require.Len(t, snap.Balances, 1)
	assert.Equal(t, "DAI", snap.Balances[0].Currency)
	assert.False(t, snap.FetchedAt.IsZero())

	// 渲染不应 panic，且包含关键字段
	m := initialModel(c, time.Second)
	next, _ := m.Update(snapshotMsg{snap: snap})
	view := next.(model).View()
	assert.Contains(t, view, "buy-ETH-DAI-1")
	assert.Contains(t, view, "ETH-DAI")
	assert.Contains(t, view, "account_balances")
}

func TestStatusClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"connector not attached"}`))
	}))
	defer srv.Close()

	c := newStatusClient(srv.URL, time.Second)
	_, err := c.fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
