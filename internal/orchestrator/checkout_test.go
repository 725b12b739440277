package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/parser"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
)

func TestRun_ConcurrentRunsOfOneKeyCheckOutOnce(t *testing.T) {
	h := newHarness(t)
	h.api.onSearch = func() { time.Sleep(50 * time.Millisecond) }
	o := h.orchestrator(nil)
	req := Request{IdempotencyKey: "dup", Payload: "milk", Confirm: true}

	reports := make([]*model.Report, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = o.Run(context.Background(), req)
		}()
	}
	wg.Wait()

	for i, rep := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, model.ReportCompleted, rep.Status)
		require.NotNil(t, rep.Confirmation)
		assert.Equal(t, "ord-api-1", rep.Confirmation.OrderID)
	}
	assert.Equal(t, 1, h.api.count(model.OperationCheckout))
	assert.Equal(t, 1, h.api.placed())
	assert.Equal(t, 1, h.api.addCount("p-milk"))
	assert.InDelta(t, 1, h.cart.quantity("p-milk"), 0.001)
	assert.Zero(t, o.keys.size())
}

func TestRun_CheckoutClaimedElsewhereIsNotSent(t *testing.T) {
	h := newHarness(t)
	// Another process claims the checkout while this run waits for confirmation.
	o := h.orchestrator(nil, WithConfirmer(ConfirmFunc(func(ctx context.Context, _ []model.CartLine) (bool, error) {
		claimed, err := h.store.ClaimCheckout(ctx, "taken")
		require.NoError(t, err)
		require.True(t, claimed)
		return true, nil
	})))

	rep, err := o.Run(context.Background(), Request{IdempotencyKey: "taken", Payload: "milk"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindCheckoutUnknown, rep.ErrorKind)
	assert.Zero(t, h.api.count(model.OperationCheckout))
}

func TestRun_CheckoutCompletedElsewhereIsAdopted(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, WithConfirmer(ConfirmFunc(func(ctx context.Context, _ []model.CartLine) (bool, error) {
		require.NoError(t, h.store.SetConfirmation(ctx, "elsewhere", model.OrderConfirmation{
			OrderID: "ord-other", Backend: model.BackendAPI,
		}))
		return true, nil
	})))

	rep, err := o.Run(context.Background(), Request{IdempotencyKey: "elsewhere", Payload: "milk"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	require.NotNil(t, rep.Confirmation)
	assert.Equal(t, "ord-other", rep.Confirmation.OrderID)
	assert.Len(t, rep.ItemsSucceeded, 1)
	assert.Zero(t, h.api.count(model.OperationCheckout))
}

func TestRun_LostCheckoutResponseIsResentWithKey(t *testing.T) {
	h := newHarness(t)
	h.api.placeClearsCart = true
	h.api.lostResponses = 3
	o := h.orchestrator(nil)

	first, err := o.Run(context.Background(), Request{IdempotencyKey: "lost", Payload: "milk", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, first.Status)
	assert.Equal(t, model.KindNetworkTimeout, first.ErrorKind)
	assert.Equal(t, 3, h.api.count(model.OperationCheckout))
	assert.Equal(t, 1, h.api.placed())
	assert.Empty(t, h.cart.snapshot().Lines)

	stored, err := h.store.GetOrder(context.Background(), "lost")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCheckoutSent, stored.Status)

	searches, carts := h.api.count(model.OperationSearch), h.api.count(model.OperationGetCart)
	second, err := o.Run(context.Background(), Request{IdempotencyKey: "lost", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, second.Status)
	require.NotNil(t, second.Confirmation)
	assert.Equal(t, "ord-api-1", second.Confirmation.OrderID)
	assert.Equal(t, 1, h.api.placed())
	assert.Equal(t, 1, h.api.addCount("p-milk"))
	assert.Equal(t, searches, h.api.count(model.OperationSearch))
	assert.Equal(t, carts, h.api.count(model.OperationGetCart))
	assert.Len(t, second.ItemsSucceeded, 1)
	for _, d := range h.api.details {
		assert.Equal(t, "lost", d.IdempotencyKey)
	}
}

func TestRun_LostBrowserCheckoutIsNeverResent(t *testing.T) {
	h := newHarness(t)
	h.browser.placeClearsCart = true
	h.browser.lostResponses = 1
	o := New(parser.New(), h.sessions, h.store, h.browser,
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, Sleep: resilience.NoSleep}),
		WithTimeouts(time.Second, time.Second),
	)

	first, err := o.Run(context.Background(), Request{IdempotencyKey: "lost-b", Payload: "milk", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, first.Status)
	assert.Equal(t, model.KindNetworkTimeout, first.ErrorKind)
	assert.Equal(t, 1, h.browser.count(model.OperationCheckout), "browser checkout is not retried")
	assert.Equal(t, 1, h.browser.placed())

	second, err := o.Run(context.Background(), Request{IdempotencyKey: "lost-b", Payload: "milk", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, second.Status)
	assert.Equal(t, model.KindCheckoutUnknown, second.ErrorKind)
	assert.Contains(t, second.Error, "reconcile")
	assert.Equal(t, 1, h.browser.count(model.OperationCheckout))
	assert.Equal(t, 1, h.browser.placed())
	assert.Equal(t, 1, h.browser.addCount("p-milk"))
}

func TestRun_LostCheckoutAfterFailoverIsNotResent(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, unavailable("search down"))
	h.browser.lostResponses = 1
	o := h.orchestrator(nil)

	first, err := o.Run(context.Background(), Request{IdempotencyKey: "lost-fo", Payload: "milk", Confirm: true})
	require.NoError(t, err)
	require.True(t, first.FailedOver)
	assert.Equal(t, model.KindNetworkTimeout, first.ErrorKind)

	second, err := o.Run(context.Background(), Request{IdempotencyKey: "lost-fo", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.KindCheckoutUnknown, second.ErrorKind)
	assert.Zero(t, h.api.count(model.OperationCheckout))
	assert.Equal(t, 1, h.browser.count(model.OperationCheckout))
}

func TestKeyLocks(t *testing.T) {
	var k keyLocks
	unlock, err := k.lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.lock(context.Background(), "b")
	require.NoError(t, err, "other keys are independent")
	other()

	acquired := make(chan struct{})
	go func() {
		next, err := k.lock(context.Background(), "a")
		if err == nil {
			next()
		}
		close(acquired)
	}()
	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.Zero(t, k.size())
}

func TestRun_FallbackUsesItsOwnSessions(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, unavailable("search down"))
	storefrontAuth := &countingAuth{prefix: "web"}
	o := h.orchestrator(nil, WithFallbackSessions(session.NewManager(storefrontAuth, time.Second)))

	rep, err := o.Run(context.Background(), Request{Payload: "milk", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	assert.True(t, rep.FailedOver)
	assert.Equal(t, []string{"tok-1"}, h.api.tokens)
	require.NotEmpty(t, h.browser.tokens)
	for _, tok := range h.browser.tokens {
		assert.Equal(t, "web-1", tok)
	}
	assert.Equal(t, 1, h.auth.count())
	assert.Equal(t, 1, storefrontAuth.count())
}
