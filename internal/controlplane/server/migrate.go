package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

func (s *Server) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS fills (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  trading_pair TEXT NOT NULL,
  side TEXT NOT NULL,
  order_type TEXT NOT NULL,
  price TEXT NOT NULL,
  amount TEXT NOT NULL,
  fee TEXT NOT NULL,
  fee_asset TEXT NOT NULL,
  trade_id TEXT NOT NULL,
  leverage INTEGER NOT NULL DEFAULT 1,
  position TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);`,
		`
CREATE TABLE IF NOT EXISTS order_events (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  order_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_ts ON order_events(ts_ms);`,
	}

	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate stmt[%d]", i)
		}
	}
	return nil
}
