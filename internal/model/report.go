package model

// ReportStatus is the caller-visible outcome of one orchestrator run.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "Completed"
	ReportFailed    ReportStatus = "Failed"
	ReportReviewed  ReportStatus = "Reviewed"
)

// ItemResult is an item that made it into the cart or preview.
type ItemResult struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	ProductID string  `json:"product_id,omitempty"`
	Product   string  `json:"product,omitempty"`
}

// ItemFailure is an item that did not, with the reason.
type ItemFailure struct {
	Name   string    `json:"name"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// Report is the structured result of an orchestrator run. Failures always
// carry the partial-success breakdown and the attempt log.
type Report struct {
	IdempotencyKey string             `json:"idempotency_key"`
	Mode           OrderMode          `json:"mode"`
	Status         ReportStatus       `json:"status"`
	FinalState     string             `json:"final_state"`
	Strategy       ParseStrategy      `json:"parse_strategy,omitempty"`
	ItemsSucceeded []ItemResult       `json:"items_succeeded"`
	ItemsFailed    []ItemFailure      `json:"items_failed"`
	Preview        []CartLine         `json:"preview,omitempty"`
	Confirmation   *OrderConfirmation `json:"order_confirmation,omitempty"`
	Backend        BackendName        `json:"backend,omitempty"`
	FailedOver     bool               `json:"failed_over,omitempty"`
	Attempts       []Attempt          `json:"attempts"`
	ErrorKind      ErrorKind          `json:"error_kind,omitempty"`
	Error          string             `json:"error,omitempty"`
}
