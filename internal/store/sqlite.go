package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grocer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// PRAGMAs apply per connection, so the pool holds exactly one.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS orders (
	idempotency_key TEXT PRIMARY KEY,
	retailer_id     TEXT NOT NULL,
	mode            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'created',
	status_rank     INTEGER NOT NULL DEFAULT 0,
	draft           TEXT NOT NULL,
	confirmation    TEXT,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS attempts (
	id         TEXT PRIMARY KEY,
	order_key  TEXT NOT NULL REFERENCES orders(idempotency_key),
	seq        INTEGER NOT NULL,
	backend    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	item       TEXT NOT NULL DEFAULT '',
	product_id TEXT NOT NULL DEFAULT '',
	quantity   REAL NOT NULL DEFAULT 0,
	outcome    TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	replay     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	UNIQUE (order_key, seq)
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);
CREATE INDEX IF NOT EXISTS idx_attempts_order_key ON attempts(order_key, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureOrder(ctx context.Context, order model.GroceryOrder) (*model.GroceryOrder, bool, error) {
	now := time.Now().UTC()
	if order.Status == "" {
		order.Status = model.OrderStatusCreated
	}
	order.CreatedAt, order.UpdatedAt = now, now

	draftJSON, err := json.Marshal(order.Draft)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal draft")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (idempotency_key, retailer_id, mode, status, status_rank, draft, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		order.IdempotencyKey, order.RetailerID, string(order.Mode), string(order.Status),
		order.Status.Rank(), string(draftJSON), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert order %s", order.IdempotencyKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return &order, true, nil
	}

	stored, err := s.GetOrder(ctx, order.IdempotencyKey)
	return stored, false, err
}

const sqliteOrderColumns = `idempotency_key, retailer_id, mode, status, draft, confirmation, last_error, created_at, updated_at`

func (s *SQLiteStore) GetOrder(ctx context.Context, key string) (*model.GroceryOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE idempotency_key = ?`, key)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return o, err
}

func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.GroceryOrder, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY created_at DESC, idempotency_key`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list orders")
	}
	defer rows.Close() //nolint:errcheck

	var orders []model.GroceryOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, eris.Wrap(rows.Err(), "sqlite: list orders iterate")
}

func (s *SQLiteStore) AdvanceStatus(ctx context.Context, key string, status model.OrderStatus) error {
	if status.Rank() < 0 {
		return eris.Errorf("sqlite: unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			status = CASE WHEN status_rank < ? THEN ? ELSE status END,
			status_rank = MAX(status_rank, ?),
			last_error = '',
			updated_at = ?
		 WHERE idempotency_key = ?`,
		status.Rank(), string(status), status.Rank(), time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance order %s", key)
	}
	return checkRowsAffected(res, key)
}

func (s *SQLiteStore) ClaimCheckout(ctx context.Context, key string) (bool, error) {
	sent := model.OrderStatusCheckoutSent
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, status_rank = ?, last_error = '', updated_at = ?
		 WHERE idempotency_key = ? AND status_rank < ?`,
		string(sent), sent.Rank(), time.Now().UTC(), key, sent.Rank(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim checkout %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE idempotency_key = ?`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim checkout %s", key)
	}
	return false, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, key string, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET last_error = ?, updated_at = ? WHERE idempotency_key = ?`,
		msg, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record failure %s", key)
	}
	return checkRowsAffected(res, key)
}

func (s *SQLiteStore) SetConfirmation(ctx context.Context, key string, conf model.OrderConfirmation) error {
	confJSON, err := json.Marshal(conf)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal confirmation")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET confirmation = ?, status = ?, status_rank = ?, last_error = '', updated_at = ?
		 WHERE idempotency_key = ?`,
		string(confJSON), string(model.OrderStatusCompleted), model.OrderStatusCompleted.Rank(), time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set confirmation %s", key)
	}
	return checkRowsAffected(res, key)
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO attempts (id, order_key, seq, backend, operation, item, product_id, quantity, outcome, error, replay, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM attempts WHERE order_key = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		uuid.New().String(), a.OrderKey, a.OrderKey, string(a.Backend), string(a.Operation), a.Item,
		a.ProductID, a.Quantity, string(a.Outcome), a.Error, a.Replay, a.Timestamp,
	).Scan(&a.Seq)
	if err != nil {
		return model.Attempt{}, eris.Wrapf(err, "sqlite: append attempt for %s", a.OrderKey)
	}
	return a, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, key string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, order_key, backend, operation, item, product_id, quantity, outcome, error, replay, created_at
		 FROM attempts WHERE order_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts %s", key)
	}
	defer rows.Close() //nolint:errcheck

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.Seq, &a.OrderKey, &a.Backend, &a.Operation, &a.Item, &a.ProductID,
			&a.Quantity, &a.Outcome, &a.Error, &a.Replay, &a.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrder(row scannable) (*model.GroceryOrder, error) {
	var o model.GroceryOrder
	var draftJSON string
	var confJSON sql.NullString

	err := row.Scan(&o.IdempotencyKey, &o.RetailerID, &o.Mode, &o.Status, &draftJSON, &confJSON,
		&o.LastError, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan order")
	}
	if err := decodeOrderJSON(&o, []byte(draftJSON), confJSON.Valid, []byte(confJSON.String)); err != nil {
		return nil, err
	}
	return &o, nil
}

func decodeOrderJSON(o *model.GroceryOrder, draft []byte, hasConf bool, conf []byte) error {
	if err := json.Unmarshal(draft, &o.Draft); err != nil {
		return eris.Wrap(err, "store: unmarshal draft")
	}
	if hasConf && len(conf) > 0 {
		o.Confirmation = &model.OrderConfirmation{}
		if err := json.Unmarshal(conf, o.Confirmation); err != nil {
			return eris.Wrap(err, "store: unmarshal confirmation")
		}
	}
	return nil
}
