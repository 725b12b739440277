package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/parser"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/internal/store"
)

// fakeCart is the retailer-side cart shared by both fake backends.
type fakeCart struct {
	mu    sync.Mutex
	order []string
	lines map[string]model.CartLine
}

func newFakeCart() *fakeCart {
	return &fakeCart{lines: make(map[string]model.CartLine)}
}

func (c *fakeCart) add(pid, name string, qty float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[pid]
	if !ok {
		c.order = append(c.order, pid)
		l = model.CartLine{ProductID: pid, Name: name}
	}
	l.Quantity += qty
	c.lines[pid] = l
}

func (c *fakeCart) snapshot() model.CartSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := model.CartSnapshot{Lines: []model.CartLine{}}
	for _, pid := range c.order {
		snap.Lines = append(snap.Lines, c.lines[pid])
	}
	return snap
}

func (c *fakeCart) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.lines = make(map[string]model.CartLine)
}

func (c *fakeCart) quantity(pid string) float64 {
	return c.snapshot().QuantityOf(pid)
}

var catalog = map[string]model.ProductMatch{
	"milk":     {ProductID: "p-milk", Name: "Whole Milk, 1 gal"},
	"bread":    {ProductID: "p-bread", Name: "Sourdough Bread"},
	"eggs":     {ProductID: "p-eggs", Name: "Large Brown Eggs"},
	"chicken":  {ProductID: "p-chicken", Name: "Chicken Breast"},
	"avocados": {ProductID: "p-avocado", Name: "Hass Avocado"},
}

type fakeBackend struct {
	name model.BackendName
	cart *fakeCart

	mu       sync.Mutex
	missing  map[string]bool
	errs     map[model.Operation][]error
	addErrs  map[string][]error
	calls    map[model.Operation]int
	adds     map[string]int
	tokens   []string
	details  []model.DeliveryDetails
	onSearch func()

	// idempotent backends place one order per idempotency key.
	idempotent bool
	// placeClearsCart empties the shared cart when an order is placed.
	placeClearsCart bool
	// lostResponses is how many checkouts place the order and then time out.
	lostResponses int
	orders        []model.OrderConfirmation
	byKey         map[string]model.OrderConfirmation
}

func newFakeBackend(name model.BackendName, cart *fakeCart) *fakeBackend {
	return &fakeBackend{
		name:    name,
		cart:    cart,
		missing: make(map[string]bool),
		errs:    make(map[model.Operation][]error),
		addErrs: make(map[string][]error),
		calls:   make(map[model.Operation]int),
		adds:    make(map[string]int),
		byKey:   make(map[string]model.OrderConfirmation),
	}
}

// failNext queues errors returned by the next calls of op.
func (f *fakeBackend) failNext(op model.Operation, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeBackend) failAdd(pid string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErrs[pid] = append(f.addErrs[pid], errs...)
}

func (f *fakeBackend) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeBackend) addCount(pid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds[pid]
}

func (f *fakeBackend) count(op model.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) begin(op model.Operation, sess session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.tokens = append(f.tokens, sess.Token)
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeBackend) Name() model.BackendName { return f.name }

func (f *fakeBackend) IdempotentCheckout() bool { return f.idempotent }

func (f *fakeBackend) Search(ctx context.Context, sess session.Session, item string) ([]model.ProductMatch, error) {
	if f.onSearch != nil {
		f.onSearch()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.begin(model.OperationSearch, sess); err != nil {
		return nil, err
	}
	key := strings.ToLower(item)
	m, ok := catalog[key]
	if !ok || f.missing[key] {
		return nil, nil
	}
	m.Backend = f.name
	return []model.ProductMatch{m}, nil
}

func (f *fakeBackend) AddToCart(_ context.Context, sess session.Session, productID string, qty float64) (model.CartSnapshot, error) {
	if err := f.begin(model.OperationAddToCart, sess); err != nil {
		return model.CartSnapshot{}, err
	}
	f.mu.Lock()
	if q := f.addErrs[productID]; len(q) > 0 {
		f.addErrs[productID] = q[1:]
		f.mu.Unlock()
		return model.CartSnapshot{}, q[0]
	}
	f.adds[productID]++
	f.mu.Unlock()

	name := productID
	for _, m := range catalog {
		if m.ProductID == productID {
			name = m.Name
		}
	}
	f.cart.add(productID, name, qty)
	return f.cart.snapshot(), nil
}

func (f *fakeBackend) GetCart(_ context.Context, sess session.Session) (model.CartSnapshot, error) {
	if err := f.begin(model.OperationGetCart, sess); err != nil {
		return model.CartSnapshot{}, err
	}
	return f.cart.snapshot(), nil
}

func (f *fakeBackend) Checkout(_ context.Context, sess session.Session, details model.DeliveryDetails) (model.OrderConfirmation, error) {
	if err := f.begin(model.OperationCheckout, sess); err != nil {
		return model.OrderConfirmation{}, err
	}
	f.mu.Lock()
	f.details = append(f.details, details)
	conf, dup := f.byKey[details.IdempotencyKey]
	if !f.idempotent || !dup {
		conf = model.OrderConfirmation{
			OrderID:     fmt.Sprintf("ord-%s-%d", f.name, len(f.orders)+1),
			Total:       "$12.40",
			DeliveryETA: "today 5-6pm",
			Backend:     f.name,
		}
		f.orders = append(f.orders, conf)
		f.byKey[details.IdempotencyKey] = conf
		dup = false
	}
	lost := f.lostResponses > 0
	if lost {
		f.lostResponses--
	}
	clearCart := f.placeClearsCart && !dup
	f.mu.Unlock()

	if clearCart {
		f.cart.clear()
	}
	if lost {
		return model.OrderConfirmation{}, model.NewError(model.KindNetworkTimeout, "response lost")
	}
	return conf, nil
}

// countingAuth issues a new token on every login.
type countingAuth struct {
	mu     sync.Mutex
	prefix string
	logins int
	errs   []error
}

func (a *countingAuth) Login(_ context.Context, retailerID string) (session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return session.Session{}, err
	}
	return session.Session{
		Token:      fmt.Sprintf("%s-%d", a.prefix, a.logins),
		RetailerID: retailerID,
		ExpiresAt:  time.Now().Add(time.Hour),
	}, nil
}

func (a *countingAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

type stubParser struct {
	draft model.OrderDraft
	calls int
}

func (p *stubParser) Parse(_ context.Context, _ model.Transcript) (model.OrderDraft, error) {
	p.calls++
	return p.draft.Clone(), nil
}

// slowInterpreter never answers before its deadline.
type slowInterpreter struct{}

func (slowInterpreter) Name() string { return "slow" }

func (slowInterpreter) Interpret(ctx context.Context, _ string) (parser.Interpretation, error) {
	<-ctx.Done()
	return parser.Interpretation{}, ctx.Err()
}

type harness struct {
	store    store.Store
	auth     *countingAuth
	sessions *session.Manager
	cart     *fakeCart
	api      *fakeBackend
	browser  *fakeBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "grocer.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	auth := &countingAuth{prefix: "tok"}
	cart := newFakeCart()
	api := newFakeBackend(model.BackendAPI, cart)
	api.idempotent = true
	return &harness{
		store:    st,
		auth:     auth,
		sessions: session.NewManager(auth, time.Second),
		cart:     cart,
		api:      api,
		browser:  newFakeBackend(model.BackendBrowser, cart),
	}
}

func (h *harness) orchestrator(p Parser, opts ...Option) *Orchestrator {
	if p == nil {
		p = parser.New()
	}
	base := []Option{
		WithFallback(h.browser),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, Sleep: resilience.NoSleep}),
		WithTimeouts(time.Second, time.Second),
		WithRetailerID("90"),
	}
	return New(p, h.sessions, h.store, h.api, append(base, opts...)...)
}

func attemptsFor(rep *model.Report, op model.Operation) []model.Attempt {
	var out []model.Attempt
	for _, a := range rep.Attempts {
		if a.Operation == op {
			out = append(out, a)
		}
	}
	return out
}
