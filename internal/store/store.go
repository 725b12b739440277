// Package store persists grocery orders and their append-only attempt logs.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grocer/internal/config"
	"github.com/sells-group/grocer/internal/model"
)

// ErrNotFound is returned when an order key is unknown.
var ErrNotFound = eris.New("store: order not found")

// OrderFilter specifies criteria for listing orders.
type OrderFilter struct {
	Status model.OrderStatus `json:"status,omitempty"`
	Mode   model.OrderMode   `json:"mode,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for orders.
type Store interface {
	// EnsureOrder inserts order when its idempotency key is new. Otherwise it
	// returns the stored order untouched and created is false.
	EnsureOrder(ctx context.Context, order model.GroceryOrder) (stored *model.GroceryOrder, created bool, err error)
	GetOrder(ctx context.Context, key string) (*model.GroceryOrder, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]model.GroceryOrder, error)

	// AdvanceStatus moves the order's status forward to status (never
	// backward) and clears LastError.
	AdvanceStatus(ctx context.Context, key string, status model.OrderStatus) error
	// ClaimCheckout moves the order to checkout_sent only if it has not
	// reached that status yet. claimed is false when some run already sent
	// the checkout; at most one caller ever wins the claim for a key.
	ClaimCheckout(ctx context.Context, key string) (claimed bool, err error)
	// RecordFailure stores the error of the latest run without touching the
	// status.
	RecordFailure(ctx context.Context, key string, msg string) error
	// SetConfirmation stores the checkout confirmation and completes the order.
	SetConfirmation(ctx context.Context, key string, conf model.OrderConfirmation) error

	// AppendAttempt adds an attempt to the order's log and returns it with
	// its sequence number.
	AppendAttempt(ctx context.Context, a model.Attempt) (model.Attempt, error)
	ListAttempts(ctx context.Context, key string) ([]model.Attempt, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open connects the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "grocer.db"
		}
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
