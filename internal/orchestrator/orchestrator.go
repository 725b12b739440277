// Package orchestrator drives one grocery order from a transcript to a
// preview or a placed order. Each order is a sequential state machine with
// per-call retries, session recovery and a single API-to-browser failover.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/backend"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/internal/store"
	"github.com/sells-group/grocer/pkg/whisper"
)

// State is a step of the order state machine.
type State string

const (
	StateIdle         State = "Idle"
	StateParsing      State = "Parsing"
	StateValidating   State = "Validating"
	StateSearching    State = "Searching"
	StateCartBuilding State = "CartBuilding"
	StateReviewing    State = "Reviewing"
	StateCheckout     State = "Checkout"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
)

// InputMode says how Request.Payload is interpreted.
type InputMode string

const (
	InputText  InputMode = "text"
	InputVoice InputMode = "voice"
)

// Request is one user request. Payload is the typed text or the path of an
// audio recording.
type Request struct {
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	Mode           InputMode             `json:"mode"`
	Payload        string                `json:"payload"`
	DryRun         bool                  `json:"dry_run"`
	Confirm        bool                  `json:"confirm"`
	UnitDefaults   map[string]string     `json:"unit_defaults,omitempty"`
	Delivery       model.DeliveryDetails `json:"delivery"`
}

// OrderMode maps the request onto a stored order mode.
func (r Request) OrderMode() model.OrderMode {
	if r.DryRun {
		return model.OrderModeDryRun
	}
	return model.OrderModeLive
}

// Parser turns a transcript into a draft.
type Parser interface {
	Parse(ctx context.Context, tr model.Transcript) (model.OrderDraft, error)
}

// Sessions hands out retailer sessions.
type Sessions interface {
	Acquire(ctx context.Context, retailerID string) (session.Session, error)
	Invalidate(s session.Session)
}

// Confirmer asks the user to approve a live order before checkout.
type Confirmer interface {
	Confirm(ctx context.Context, preview []model.CartLine) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, preview []model.CartLine) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, preview []model.CartLine) (bool, error) {
	return f(ctx, preview)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFallback sets the backend used after the primary one fails.
func WithFallback(b backend.OrderingBackend) Option {
	return func(o *Orchestrator) { o.fallback = b }
}

// WithFallbackSessions gives the fallback backend its own sessions. Without
// it both backends share the sessions passed to New.
func WithFallbackSessions(s Sessions) Option {
	return func(o *Orchestrator) { o.fallbackSessions = s }
}

// WithRetry sets the per-call retry budget.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithTimeouts sets the per-call timeouts for cart operations and checkout.
func WithTimeouts(call, checkout time.Duration) Option {
	return func(o *Orchestrator) {
		if call > 0 {
			o.callTimeout = call
		}
		if checkout > 0 {
			o.checkoutTimeout = checkout
		}
	}
}

// WithTranscriber enables voice requests.
func WithTranscriber(c whisper.Client, language string) Option {
	return func(o *Orchestrator) {
		o.whisper = c
		o.language = language
	}
}

// WithConfirmer asks c before live checkouts that the request did not
// pre-confirm.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithRetailerID sets the retailer orders are placed with.
func WithRetailerID(id string) Option {
	return func(o *Orchestrator) { o.retailerID = id }
}

// WithKeyFunc overrides idempotency key generation.
func WithKeyFunc(f func() string) Option {
	return func(o *Orchestrator) { o.newKey = f }
}

// Orchestrator runs orders. It is safe for concurrent use; each Run owns
// its own state machine.
type Orchestrator struct {
	parser           Parser
	sessions         Sessions
	fallbackSessions Sessions
	store            store.Store
	primary          backend.OrderingBackend
	fallback         backend.OrderingBackend

	retailerID      string
	retry           resilience.RetryConfig
	callTimeout     time.Duration
	checkoutTimeout time.Duration

	whisper   whisper.Client
	language  string
	confirmer Confirmer

	newKey  func() string
	nowFunc func() time.Time

	keys keyLocks
}

// New creates an orchestrator that prefers primary for every order.
func New(p Parser, sessions Sessions, st store.Store, primary backend.OrderingBackend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		parser:          p,
		sessions:        sessions,
		store:           st,
		primary:         primary,
		retailerID:      "90",
		retry:           resilience.DefaultRetryConfig(),
		callTimeout:     15 * time.Second,
		checkoutTimeout: 60 * time.Second,
		newKey:          uuid.NewString,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) sessionsFor(b backend.OrderingBackend) Sessions {
	if o.fallbackSessions != nil && b == o.fallback {
		return o.fallbackSessions
	}
	return o.sessions
}

// Run executes req. The report is always returned, including on failure;
// the error is non-nil only when the order store itself failed. Runs with
// the same idempotency key never overlap: a second caller waits and then
// resumes from whatever the first one stored.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.Report, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = o.newKey()
	}

	r := &run{
		o:       o,
		req:     req,
		key:     key,
		mode:    req.OrderMode(),
		state:   StateIdle,
		backend: o.primary,
		log:     zap.L().With(zap.String("order_key", key)),
	}

	unlock, err := o.keys.lock(ctx, key)
	if err != nil {
		return r.finish(ctx, model.WrapError(model.KindCanceled, err, "canceled while another run held the key"))
	}
	defer unlock()

	err = r.execute(ctx)
	return r.finish(ctx, err)
}

func (o *Orchestrator) timeoutFor(op model.Operation) time.Duration {
	if op == model.OperationCheckout {
		return o.checkoutTimeout
	}
	return o.callTimeout
}
