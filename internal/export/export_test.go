package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/store"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ListOrders(ctx context.Context, filter store.OrderFilter) ([]model.GroceryOrder, error) {
	args := m.Called(ctx, filter)
	orders, _ := args.Get(0).([]model.GroceryOrder)
	return orders, args.Error(1)
}

func (m *mockSource) ListAttempts(ctx context.Context, key string) ([]model.Attempt, error) {
	args := m.Called(ctx, key)
	attempts, _ := args.Get(0).([]model.Attempt)
	return attempts, args.Error(1)
}

var placed = time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Orders: []model.GroceryOrder{
			{
				IdempotencyKey: "k1",
				Mode:           model.OrderModeLive,
				Status:         model.OrderStatusCompleted,
				Draft: model.OrderDraft{
					Strategy: model.ParseStrategyFallback,
					Items: []model.ParsedItem{
						{Name: "milk", Quantity: 2, Unit: "gallon"},
						{Name: "eggs", Quantity: 12, Unit: "each"},
					},
				},
				Confirmation: &model.OrderConfirmation{OrderID: "ord-9", Total: "$14.20", Backend: model.BackendAPI},
				CreatedAt:    placed,
				UpdatedAt:    placed,
			},
			{
				IdempotencyKey: "k2",
				Mode:           model.OrderModeDryRun,
				Status:         model.OrderStatusSearched,
				LastError:      "BackendUnavailable: down",
				CreatedAt:      placed,
			},
		},
		Attempts: map[string][]model.Attempt{
			"k1": {
				{OrderKey: "k1", Seq: 1, Backend: model.BackendAPI, Operation: model.OperationSearch, Item: "milk", Outcome: model.OutcomeSucceeded, Timestamp: placed},
				{OrderKey: "k1", Seq: 2, Backend: model.BackendAPI, Operation: model.OperationAddToCart, Item: "milk", ProductID: "p1", Quantity: 2, Outcome: model.OutcomeSucceeded, Timestamp: placed},
			},
			"k2": {
				{OrderKey: "k2", Seq: 1, Backend: model.BackendBrowser, Operation: model.OperationSearch, Item: "bread", Outcome: model.OutcomeFailed, Replay: true, Error: "timeout", Timestamp: placed},
			},
		},
	}
}

func TestCollect(t *testing.T) {
	src := &mockSource{}
	filter := store.OrderFilter{Status: model.OrderStatusCompleted}
	orders := sampleSnapshot().Orders[:1]
	src.On("ListOrders", mock.Anything, filter).Return(orders, nil)
	src.On("ListAttempts", mock.Anything, "k1").Return(sampleSnapshot().Attempts["k1"], nil)

	snap, err := Collect(context.Background(), src, filter)
	require.NoError(t, err)
	assert.Len(t, snap.Orders, 1)
	assert.Len(t, snap.Attempts["k1"], 2)
	src.AssertExpectations(t)
}

func TestCollect_ListError(t *testing.T) {
	src := &mockSource{}
	src.On("ListOrders", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := Collect(context.Background(), src, store.OrderFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestCollect_AttemptsError(t *testing.T) {
	src := &mockSource{}
	src.On("ListOrders", mock.Anything, mock.Anything).Return(sampleSnapshot().Orders, nil)
	src.On("ListAttempts", mock.Anything, "k1").Return(nil, errors.New("boom"))

	_, err := Collect(context.Background(), src, store.OrderFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k1")
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	require.NoError(t, WriteXLSX(path, sampleSnapshot()))

	orders, err := ReadSheet(path, OrdersSheet)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, orderHeader, orders[0])
	assert.Equal(t, "k1", orders[1][0])
	assert.Equal(t, "2 gallon milk; 12 each eggs", orders[1][3])
	assert.Equal(t, "ord-9", orders[1][5])
	assert.Equal(t, "2026-03-14T17:30:00Z", orders[1][9])
	assert.Equal(t, "BackendUnavailable: down", orders[2][8])

	attempts, err := ReadSheet(path, AttemptsSheet)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, attemptHeader, attempts[0])
	assert.Equal(t, []string{"k1", "2", "api", "addToCart", "milk", "p1", "2", "succeeded", "false", "", "2026-03-14T17:30:00Z"}, attempts[2])
	assert.Equal(t, "true", attempts[3][8])
}

func TestReadSheet_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	require.NoError(t, WriteXLSX(path, &Snapshot{}))

	_, err := ReadSheet(path, "Nope")
	require.Error(t, err)

	_, err = ReadSheet(filepath.Join(t.TempDir(), "missing.xlsx"), OrdersSheet)
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleSnapshot()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, orderHeader, rows[0])
	assert.Equal(t, "dry_run", rows[2][1])
	assert.Empty(t, rows[2][5])
}
