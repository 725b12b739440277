package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grocer/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_order":      `SELECT ` + pgOrderColumns + ` FROM orders WHERE idempotency_key = $1`,
	"append_attempt": pgAppendAttempt,
	"list_attempts":  pgListAttempts,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS orders (
	idempotency_key TEXT PRIMARY KEY,
	retailer_id     TEXT NOT NULL,
	mode            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'created',
	status_rank     INTEGER NOT NULL DEFAULT 0,
	draft           JSONB NOT NULL,
	confirmation    JSONB,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attempts (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	order_key  TEXT NOT NULL REFERENCES orders(idempotency_key),
	seq        INTEGER NOT NULL,
	backend    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	item       TEXT NOT NULL DEFAULT '',
	product_id TEXT NOT NULL DEFAULT '',
	quantity   DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome    TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	replay     BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (order_key, seq)
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_order_key ON attempts(order_key, seq);
`

const pgOrderColumns = `idempotency_key, retailer_id, mode, status, draft, confirmation, last_error, created_at, updated_at`

const pgAppendAttempt = `INSERT INTO attempts (id, order_key, seq, backend, operation, item, product_id, quantity, outcome, error, replay, created_at)
	VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM attempts WHERE order_key = $2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING seq`

const pgListAttempts = `SELECT seq, order_key, backend, operation, item, product_id, quantity, outcome, error, replay, created_at
	FROM attempts WHERE order_key = $1 ORDER BY seq`

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) EnsureOrder(ctx context.Context, order model.GroceryOrder) (*model.GroceryOrder, bool, error) {
	now := time.Now().UTC()
	if order.Status == "" {
		order.Status = model.OrderStatusCreated
	}
	order.CreatedAt, order.UpdatedAt = now, now

	draftJSON, err := json.Marshal(order.Draft)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal draft")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO orders (idempotency_key, retailer_id, mode, status, status_rank, draft, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		order.IdempotencyKey, order.RetailerID, string(order.Mode), string(order.Status),
		order.Status.Rank(), draftJSON, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert order %s", order.IdempotencyKey)
	}
	if tag.RowsAffected() == 1 {
		return &order, true, nil
	}

	stored, err := s.GetOrder(ctx, order.IdempotencyKey)
	return stored, false, err
}

func (s *PostgresStore) GetOrder(ctx context.Context, key string) (*model.GroceryOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	o, err := scanPgOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get order %s", key)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.GroceryOrder, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM orders WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(` AND mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, idempotency_key`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list orders")
	}
	defer rows.Close()

	var orders []model.GroceryOrder
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan order")
		}
		orders = append(orders, *o)
	}
	return orders, eris.Wrap(rows.Err(), "postgres: list orders iterate")
}

func (s *PostgresStore) AdvanceStatus(ctx context.Context, key string, status model.OrderStatus) error {
	if status.Rank() < 0 {
		return eris.Errorf("postgres: unknown status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET
			status = CASE WHEN status_rank < $1 THEN $2 ELSE status END,
			status_rank = GREATEST(status_rank, $1),
			last_error = '',
			updated_at = $3
		 WHERE idempotency_key = $4`,
		status.Rank(), string(status), time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance order %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return nil
}

func (s *PostgresStore) ClaimCheckout(ctx context.Context, key string) (bool, error) {
	sent := model.OrderStatusCheckoutSent
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, status_rank = $2, last_error = '', updated_at = $3
		 WHERE idempotency_key = $4 AND status_rank < $2`,
		string(sent), sent.Rank(), time.Now().UTC(), key,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim checkout %s", key)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE idempotency_key = $1)`, key,
	).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "postgres: claim checkout %s", key)
	}
	if !exists {
		return false, eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return false, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, key string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET last_error = $1, updated_at = $2 WHERE idempotency_key = $3`,
		msg, time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record failure %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return nil
}

func (s *PostgresStore) SetConfirmation(ctx context.Context, key string, conf model.OrderConfirmation) error {
	confJSON, err := json.Marshal(conf)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal confirmation")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET confirmation = $1, status = $2, status_rank = $3, last_error = '', updated_at = $4
		 WHERE idempotency_key = $5`,
		confJSON, string(model.OrderStatusCompleted), model.OrderStatusCompleted.Rank(), time.Now().UTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set confirmation %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "key %s", key)
	}
	return nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, pgAppendAttempt,
		uuid.New().String(), a.OrderKey, string(a.Backend), string(a.Operation), a.Item,
		a.ProductID, a.Quantity, string(a.Outcome), a.Error, a.Replay, a.Timestamp,
	).Scan(&a.Seq)
	if err != nil {
		return model.Attempt{}, eris.Wrapf(err, "postgres: append attempt for %s", a.OrderKey)
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, key string) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx, pgListAttempts, key)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts %s", key)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var backend, op, outcome string
		if err := rows.Scan(&a.Seq, &a.OrderKey, &backend, &op, &a.Item, &a.ProductID,
			&a.Quantity, &outcome, &a.Error, &a.Replay, &a.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Backend = model.BackendName(backend)
		a.Operation = model.Operation(op)
		a.Outcome = model.AttemptOutcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func scanPgOrder(row pgx.Row) (*model.GroceryOrder, error) {
	var o model.GroceryOrder
	var mode, status string
	var draftJSON []byte
	var confJSON *[]byte

	if err := row.Scan(&o.IdempotencyKey, &o.RetailerID, &mode, &status, &draftJSON, &confJSON,
		&o.LastError, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Mode = model.OrderMode(mode)
	o.Status = model.OrderStatus(status)

	var conf []byte
	if confJSON != nil {
		conf = *confJSON
	}
	if err := decodeOrderJSON(&o, draftJSON, confJSON != nil, conf); err != nil {
		return nil, err
	}
	return &o, nil
}
