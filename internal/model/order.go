package model

import "time"

// OrderMode selects between a preview and a real order.
type OrderMode string

const (
	OrderModeDryRun OrderMode = "dry_run"
	OrderModeLive   OrderMode = "live"
)

// OrderStatus is the furthest point an order has reached. It only moves
// forward; a failed run leaves it where it was and sets LastError instead.
type OrderStatus string

const (
	OrderStatusCreated      OrderStatus = "created"
	OrderStatusSearched     OrderStatus = "searched"
	OrderStatusCartBuilt    OrderStatus = "cart_built"
	OrderStatusReviewed     OrderStatus = "reviewed"
	OrderStatusCheckoutSent OrderStatus = "checkout_sent"
	OrderStatusCompleted    OrderStatus = "completed"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusCreated:      0,
	OrderStatusSearched:     1,
	OrderStatusCartBuilt:    2,
	OrderStatusReviewed:     3,
	OrderStatusCheckoutSent: 4,
	OrderStatusCompleted:    5,
}

// Rank orders statuses; unknown statuses rank below created.
func (s OrderStatus) Rank() int {
	r, ok := orderStatusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Before reports whether s precedes other.
func (s OrderStatus) Before(other OrderStatus) bool {
	return s.Rank() < other.Rank()
}

// GroceryOrder is created once per user request and keyed by its
// idempotency key.
type GroceryOrder struct {
	IdempotencyKey string             `json:"idempotency_key"`
	RetailerID     string             `json:"retailer_id"`
	Draft          OrderDraft         `json:"draft"`
	Mode           OrderMode          `json:"mode"`
	Status         OrderStatus        `json:"status"`
	Confirmation   *OrderConfirmation `json:"confirmation,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// BackendName identifies an ordering backend.
type BackendName string

const (
	BackendAPI     BackendName = "api"
	BackendBrowser BackendName = "browser"
)

// Operation is a backend call recorded in the attempt log.
type Operation string

const (
	OperationSearch    Operation = "search"
	OperationAddToCart Operation = "addToCart"
	OperationGetCart   Operation = "getCart"
	OperationCheckout  Operation = "checkout"
	OperationLogin     Operation = "login"
)

// Mutating reports whether the operation changes retailer-side state.
func (o Operation) Mutating() bool {
	return o == OperationAddToCart || o == OperationCheckout
}

// AttemptOutcome is the result of one backend call.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeNotFound  AttemptOutcome = "not_found"
)

// Attempt is one append-only entry in an order's attempt log.
type Attempt struct {
	Seq       int            `json:"seq"`
	OrderKey  string         `json:"order_key"`
	Backend   BackendName    `json:"backend"`
	Operation Operation      `json:"operation"`
	Item      string         `json:"item,omitempty"`
	ProductID string         `json:"product_id,omitempty"`
	Quantity  float64        `json:"quantity,omitempty"`
	Outcome   AttemptOutcome `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Replay    bool           `json:"replay,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CommittedAdds returns the successful addToCart attempts made on backend,
// in log order.
func CommittedAdds(attempts []Attempt, backend BackendName) []Attempt {
	var out []Attempt
	for _, a := range attempts {
		if a.Backend == backend && a.Operation == OperationAddToCart && a.Outcome == OutcomeSucceeded {
			out = append(out, a)
		}
	}
	return out
}
