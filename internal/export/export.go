// Package export writes stored orders and their attempt logs to
// spreadsheets for review outside the CLI.
package export

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/store"
)

// Source is the part of the order store an export reads.
type Source interface {
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]model.GroceryOrder, error)
	ListAttempts(ctx context.Context, key string) ([]model.Attempt, error)
}

// Snapshot is a consistent set of orders with their attempts.
type Snapshot struct {
	Orders   []model.GroceryOrder
	Attempts map[string][]model.Attempt
}

// Collect loads the orders matching filter and the attempt log of each.
func Collect(ctx context.Context, src Source, filter store.OrderFilter) (*Snapshot, error) {
	orders, err := src.ListOrders(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "export: list orders")
	}
	snap := &Snapshot{Orders: orders, Attempts: make(map[string][]model.Attempt, len(orders))}
	for _, o := range orders {
		attempts, err := src.ListAttempts(ctx, o.IdempotencyKey)
		if err != nil {
			return nil, eris.Wrapf(err, "export: list attempts for %s", o.IdempotencyKey)
		}
		snap.Attempts[o.IdempotencyKey] = attempts
	}
	return snap, nil
}

var orderHeader = []string{
	"idempotency_key", "mode", "status", "items", "parse_strategy",
	"order_id", "total", "backend", "last_error", "created_at", "updated_at",
}

var attemptHeader = []string{
	"order_key", "seq", "backend", "operation", "item", "product_id",
	"quantity", "outcome", "replay", "error", "timestamp",
}

func orderRow(o model.GroceryOrder) []string {
	items := make([]string, len(o.Draft.Items))
	for i, it := range o.Draft.Items {
		items[i] = formatQuantity(it.Quantity) + " " + it.Unit + " " + it.Name
	}
	var orderID, total, backend string
	if o.Confirmation != nil {
		orderID = o.Confirmation.OrderID
		total = o.Confirmation.Total
		backend = string(o.Confirmation.Backend)
	}
	return []string{
		o.IdempotencyKey,
		string(o.Mode),
		string(o.Status),
		strings.Join(items, "; "),
		string(o.Draft.Strategy),
		orderID,
		total,
		backend,
		o.LastError,
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	}
}

func attemptRow(a model.Attempt) []string {
	qty := ""
	if a.Quantity != 0 {
		qty = formatQuantity(a.Quantity)
	}
	return []string{
		a.OrderKey,
		strconv.Itoa(a.Seq),
		string(a.Backend),
		string(a.Operation),
		a.Item,
		a.ProductID,
		qty,
		string(a.Outcome),
		strconv.FormatBool(a.Replay),
		a.Error,
		formatTime(a.Timestamp),
	}
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
