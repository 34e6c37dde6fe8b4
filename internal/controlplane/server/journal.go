package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/ports"
)

const journalWriteTimeout = 2 * time.Second

// Journal 事件日志：先转发给下游 sink，再把事件写入 order_events，成交额外写入 fills。
// 写库失败只记日志，不影响事件流。
type Journal struct {
	db   *sql.DB
	next ports.EventSink
	log  *logrus.Entry
}

// Journal 返回写入本库的 EventSink 装饰器，next 为 nil 时只记日志
func (s *Server) Journal(next ports.EventSink) *Journal {
	if next == nil {
		next = ports.Discard
	}
	return &Journal{db: s.db, next: next, log: s.log.WithField("sub", "journal")}
}

func (j *Journal) Emit(ev events.Event) {
	j.next.Emit(ev)

	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.write(ctx, ev); err != nil {
		j.log.Warnf("写入事件日志失败: kind=%s order=%s err=%v", ev.EventKind(), ev.EventOrderID(), err)
	}
}

func (j *Journal) write(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	ts := ev.EventTime().UnixMilli()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_events(id, kind, order_id, payload, ts_ms) VALUES(?, ?, ?, ?, ?)`,
		uuid.NewString(), string(ev.EventKind()), ev.EventOrderID(), string(payload), ts,
	); err != nil {
		return errors.Wrap(err, "insert order_event")
	}

	if f, ok := ev.(events.OrderFilledEvent); ok {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO fills(id, order_id, trading_pair, side, order_type, price, amount, fee, fee_asset, trade_id, leverage, position, ts_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), f.OrderID, f.TradingPair, string(f.Side), string(f.Type),
			f.Price.String(), f.Amount.String(), f.Fee.String(), f.FeeAsset, f.TradeID,
			f.Leverage, string(f.Position), ts,
		); err != nil {
			return errors.Wrap(err, "insert fill")
		}
	}
	return tx.Commit()
}

// FillRow fills 表的一行
type FillRow struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	TradingPair string `json:"trading_pair"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	FeeAsset    string `json:"fee_asset"`
	TradeID     string `json:"trade_id"`
	Leverage    int    `json:"leverage"`
	Position    string `json:"position"`
	TimestampMs int64  `json:"ts_ms"`
}

// EventRow order_events 表的一行
type EventRow struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	OrderID     string          `json:"order_id"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"ts_ms"`
}

// RecentFills 最新的成交，按时间倒序
func (s *Server) RecentFills(ctx context.Context, orderID string, limit int) ([]FillRow, error) {
	q := `SELECT id, order_id, trading_pair, side, order_type, price, amount, fee, fee_asset, trade_id, leverage, position, ts_ms FROM fills`
	args := []any{}
	if orderID != "" {
		q += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	q += ` ORDER BY ts_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query fills")
	}
	defer rows.Close()

	out := make([]FillRow, 0, limit)
	for rows.Next() {
		var f FillRow
		if err := rows.Scan(&f.ID, &f.OrderID, &f.TradingPair, &f.Side, &f.OrderType, &f.Price, &f.Amount,
			&f.Fee, &f.FeeAsset, &f.TradeID, &f.Leverage, &f.Position, &f.TimestampMs); err != nil {
			return nil, errors.Wrap(err, "scan fill")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecentEvents 最新的宿主事件，按时间倒序；kind 为空不过滤
func (s *Server) RecentEvents(ctx context.Context, kind string, limit int) ([]EventRow, error) {
	q := `SELECT id, kind, order_id, payload, ts_ms FROM order_events`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY ts_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query order_events")
	}
	defer rows.Close()

	out := make([]EventRow, 0, limit)
	for rows.Next() {
		var (
			e       EventRow
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrderID, &payload, &e.TimestampMs); err != nil {
			return nil, errors.Wrap(err, "scan order_event")
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune 删除早于 cutoff 的日志
func (s *Server) prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"fills", "order_events"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts_ms < ?`, cutoff.UnixMilli())
		if err != nil {
			return total, errors.Wrapf(err, "prune %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
