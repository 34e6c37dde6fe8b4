package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// parseLimit 解析 ?limit=，非法值使用默认值，超出上限截断
func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// source 未挂载时返回 503
func (s *Server) requireSource(w http.ResponseWriter) (StatusSource, bool) {
	src := s.getSource()
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "connector not attached")
		return nil, false
	}
	return src, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	src, ok := s.requireSource(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := src.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":  src.Ready(),
		"status": src.StatusDict(),
		"stats":  stats,
		"time":   s.cfg.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	src, ok := s.requireSource(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	orders, err := src.Orders(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	src, ok := s.requireSource(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": src.Balances()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	src, ok := s.requireSource(w)
	if !ok {
		return
	}
	positions := src.Positions()
	views := make([]positionView, 0, len(positions))
	for i := range positions {
		views = append(views, positionView{Position: positions[i], Notional: positions[i].Notional()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}

// positionView 持仓附带按开仓均价计的名义价值
type positionView struct {
	domain.Position
	Notional decimal.Decimal `json:"notional"`
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	src, ok := s.requireSource(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"funding": src.AllFundingInfo()})
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := s.RecentFills(ctx, strings.TrimSpace(r.URL.Query().Get("order_id")), parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := s.RecentEvents(ctx, strings.TrimSpace(r.URL.Query().Get("kind")), parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
