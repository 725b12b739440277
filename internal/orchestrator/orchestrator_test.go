package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/parser"
)

func unavailable(reason string) error {
	return model.NewError(model.KindBackendUnavailable, reason)
}

func timeout() error {
	return model.NewError(model.KindNetworkTimeout, "deadline exceeded")
}

func TestRun_DryRunPreviewsWithoutMutating(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, WithKeyFunc(func() string { return "key-dry" }))

	rep, err := o.Run(context.Background(), Request{Mode: InputText, Payload: "milk, bread, eggs", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "key-dry", rep.IdempotencyKey)
	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Equal(t, string(StateReviewing), rep.FinalState)
	assert.Equal(t, model.ParseStrategyFallback, rep.Strategy)
	assert.Empty(t, rep.ItemsFailed)
	require.Len(t, rep.ItemsSucceeded, 3)
	assert.Equal(t, "p-milk", rep.ItemsSucceeded[0].ProductID)

	require.Len(t, rep.Preview, 3)
	assert.Equal(t, "Sourdough Bread", rep.Preview[1].Name)

	for _, a := range rep.Attempts {
		assert.False(t, a.Operation.Mutating(), "dry run made a %s call", a.Operation)
	}
	assert.Len(t, attemptsFor(rep, model.OperationSearch), 3)
	assert.Zero(t, h.api.count(model.OperationGetCart))
	assert.Empty(t, h.cart.snapshot().Lines)

	stored, err := h.store.GetOrder(context.Background(), "key-dry")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReviewed, stored.Status)
	assert.Equal(t, model.OrderModeDryRun, stored.Mode)
}

func TestRun_LiveOrderWithUnits(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{
		Payload:  "2 gallons milk and a dozen eggs",
		Confirm:  true,
		Delivery: model.DeliveryDetails{Address: "1 Main St"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	assert.Equal(t, string(StateCompleted), rep.FinalState)
	assert.NotEmpty(t, rep.IdempotencyKey)
	require.NotNil(t, rep.Confirmation)
	assert.Equal(t, "ord-api-1", rep.Confirmation.OrderID)
	assert.False(t, rep.Confirmation.PlacedAt.IsZero())

	assert.InDelta(t, 2, h.cart.quantity("p-milk"), 0.001)
	assert.InDelta(t, 12, h.cart.quantity("p-eggs"), 0.001)

	require.Len(t, h.api.details, 1)
	assert.Equal(t, rep.IdempotencyKey, h.api.details[0].IdempotencyKey)
	assert.Equal(t, "1 Main St", h.api.details[0].Address)

	require.Len(t, rep.ItemsSucceeded, 2)
	assert.Equal(t, "gallon", rep.ItemsSucceeded[0].Unit)
	assert.Equal(t, model.BackendAPI, rep.Backend)
	assert.False(t, rep.FailedOver)

	stored, err := h.store.GetOrder(context.Background(), rep.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, stored.Status)
	require.NotNil(t, stored.Confirmation)
	assert.Equal(t, "ord-api-1", stored.Confirmation.OrderID)
}

func TestRun_InterpreterTimeoutFallsBack(t *testing.T) {
	h := newHarness(t)
	p := parser.New(parser.WithInterpreter(slowInterpreter{}), parser.WithTimeout(20*time.Millisecond))
	o := h.orchestrator(p)

	start := time.Now()
	rep, err := o.Run(context.Background(), Request{Payload: "milk, bread, eggs", DryRun: true})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Equal(t, model.ParseStrategyFallback, rep.Strategy)
	assert.Len(t, rep.ItemsSucceeded, 3)
}

func TestRun_SessionExpiryReauthenticatesOnce(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, model.NewError(model.KindAuthExpired, "session expired"))
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk, bread", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Equal(t, 2, h.auth.count())
	assert.Equal(t, []string{"tok-1", "tok-2", "tok-2"}, h.api.tokens)

	searches := attemptsFor(rep, model.OperationSearch)
	require.Len(t, searches, 3)
	assert.Equal(t, model.OutcomeFailed, searches[0].Outcome)
	assert.Equal(t, "milk", searches[0].Item)
	assert.Equal(t, model.OutcomeSucceeded, searches[1].Outcome)
	assert.Equal(t, "milk", searches[1].Item)
}

func TestRun_SessionExpiryTwiceFails(t *testing.T) {
	h := newHarness(t)
	expired := model.NewError(model.KindAuthExpired, "session expired")
	h.api.failNext(model.OperationSearch, expired, expired)
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindAuthExpired, rep.ErrorKind)
	assert.Equal(t, 2, h.auth.count())
	assert.False(t, rep.FailedOver)
	assert.Zero(t, h.browser.count(model.OperationSearch))
}

func TestRun_LoginFailureIsNotRetriedAsExpiry(t *testing.T) {
	h := newHarness(t)
	h.auth.errs = []error{model.NewError(model.KindAuthExpired, "invalid credentials")}
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindAuthExpired, rep.ErrorKind)
	assert.Equal(t, 1, h.auth.count())
	logins := attemptsFor(rep, model.OperationLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, model.OutcomeFailed, logins[0].Outcome)
	assert.Zero(t, h.api.count(model.OperationSearch))
}

func TestRun_TransientSearchIsRetried(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, timeout())
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	searches := attemptsFor(rep, model.OperationSearch)
	require.Len(t, searches, 2)
	assert.Equal(t, model.OutcomeFailed, searches[0].Outcome)
	assert.Equal(t, model.OutcomeSucceeded, searches[1].Outcome)
	assert.False(t, rep.FailedOver)
}

func TestRun_ExhaustedRetriesFailOver(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, timeout(), timeout(), timeout())
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.True(t, rep.FailedOver)
	assert.Equal(t, model.BackendBrowser, rep.Backend)
	assert.Equal(t, 3, h.api.count(model.OperationSearch))
	assert.Equal(t, 1, h.browser.count(model.OperationSearch))
}

func TestRun_FailoverReplaysWithoutDuplicating(t *testing.T) {
	h := newHarness(t)
	h.api.failAdd("p-eggs", unavailable("cart endpoint returned 404"))
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk, bread, eggs", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	assert.True(t, rep.FailedOver)
	assert.Equal(t, model.BackendBrowser, rep.Backend)
	require.NotNil(t, rep.Confirmation)
	assert.Equal(t, model.BackendBrowser, rep.Confirmation.Backend)

	for _, pid := range []string{"p-milk", "p-bread", "p-eggs"} {
		assert.InDelta(t, 1, h.cart.quantity(pid), 0.001, pid)
	}
	assert.Equal(t, 1, h.api.adds["p-milk"])
	assert.Equal(t, 1, h.api.adds["p-bread"])
	assert.Zero(t, h.browser.adds["p-milk"])
	assert.Zero(t, h.browser.adds["p-bread"])
	assert.Equal(t, 1, h.browser.adds["p-eggs"])

	replayed := map[string]bool{}
	for _, a := range rep.Attempts {
		if a.Backend == model.BackendBrowser && a.Operation == model.OperationSearch {
			replayed[a.Item] = a.Replay
		}
	}
	assert.Equal(t, map[string]bool{"milk": true, "bread": true, "eggs": false}, replayed)
	assert.Zero(t, h.api.count(model.OperationCheckout))
	assert.Equal(t, 1, h.browser.count(model.OperationCheckout))
}

func TestRun_FailoverHappensAtMostOnce(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, unavailable("graphql schema changed"))
	h.browser.failNext(model.OperationSearch, unavailable("storefront element missing"))
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, string(StateFailed), rep.FinalState)
	assert.Equal(t, model.KindBackendUnavailable, rep.ErrorKind)
	assert.True(t, rep.FailedOver)
	assert.Equal(t, 1, h.api.count(model.OperationSearch))
	assert.Equal(t, 1, h.browser.count(model.OperationSearch))
}

func TestRun_NoFallbackFails(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationSearch, unavailable("down"))
	o := h.orchestrator(nil, WithFallback(nil))

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.False(t, rep.FailedOver)
	assert.Equal(t, model.BackendAPI, rep.Backend)
}

func TestRun_ResumeAfterCartBuildingFailure(t *testing.T) {
	h := newHarness(t)
	h.api.failAdd("p-bread", unavailable("cart service down"))
	o := h.orchestrator(nil, WithFallback(nil), WithKeyFunc(func() string { return "key-resume" }))

	first, err := o.Run(context.Background(), Request{Payload: "milk, bread, eggs", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, first.Status)
	assert.Equal(t, model.KindBackendUnavailable, first.ErrorKind)
	assert.InDelta(t, 1, h.cart.quantity("p-milk"), 0.001)
	assert.Zero(t, h.cart.quantity("p-eggs"))

	stored, err := h.store.GetOrder(context.Background(), "key-resume")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSearched, stored.Status)
	assert.Contains(t, stored.LastError, "cart service down")

	// The stored draft is reused; the payload is not parsed again.
	second, err := o.Run(context.Background(), Request{IdempotencyKey: "key-resume", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, second.Status)

	assert.Equal(t, 1, h.api.adds["p-milk"])
	assert.Equal(t, 1, h.api.adds["p-bread"])
	assert.Equal(t, 1, h.api.adds["p-eggs"])
	for _, pid := range []string{"p-milk", "p-bread", "p-eggs"} {
		assert.InDelta(t, 1, h.cart.quantity(pid), 0.001, pid)
	}

	assert.Greater(t, len(second.Attempts), len(first.Attempts))
	for i := 1; i < len(second.Attempts); i++ {
		assert.Greater(t, second.Attempts[i].Seq, second.Attempts[i-1].Seq)
	}
}

func TestRun_CompletedKeyReturnsStoredConfirmation(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, WithKeyFunc(func() string { return "key-done" }))

	first, err := o.Run(context.Background(), Request{Payload: "milk", Confirm: true})
	require.NoError(t, err)
	require.Equal(t, model.ReportCompleted, first.Status)
	searches := h.api.count(model.OperationSearch)

	second, err := o.Run(context.Background(), Request{IdempotencyKey: "key-done", Payload: "milk", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, second.Status)
	require.NotNil(t, second.Confirmation)
	assert.Equal(t, first.Confirmation.OrderID, second.Confirmation.OrderID)
	assert.Equal(t, 1, h.api.count(model.OperationCheckout))
	assert.Equal(t, searches, h.api.count(model.OperationSearch))
	assert.InDelta(t, 1, h.cart.quantity("p-milk"), 0.001)
}

func TestRun_KeyConflict(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	_, err := o.Run(context.Background(), Request{IdempotencyKey: "shared", Payload: "milk", DryRun: true})
	require.NoError(t, err)

	rep, err := o.Run(context.Background(), Request{IdempotencyKey: "shared", Payload: "milk", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindKeyConflict, rep.ErrorKind)
	assert.Zero(t, h.api.count(model.OperationAddToCart))

	stored, err := h.store.GetOrder(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, model.OrderModeDryRun, stored.Mode)
}

func TestRun_ValidationRejectsWholeOrder(t *testing.T) {
	h := newHarness(t)
	p := &stubParser{draft: model.OrderDraft{
		Strategy: model.ParseStrategyAI,
		Items: []model.ParsedItem{
			{Name: "milk", Quantity: 2, Unit: "gallon", AmbiguousUnit: true},
			{Name: "bread", Quantity: 0, Unit: "each"},
			{Name: "eggs", Quantity: 12, Unit: "each"},
		},
	}}
	o := h.orchestrator(p)

	rep, err := o.Run(context.Background(), Request{Payload: "anything", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindAmbiguousItem, rep.ErrorKind)
	require.Len(t, rep.ItemsFailed, 2)
	assert.Equal(t, "milk", rep.ItemsFailed[0].Name)
	assert.Equal(t, model.KindAmbiguousItem, rep.ItemsFailed[0].Kind)
	assert.Equal(t, "bread", rep.ItemsFailed[1].Name)
	assert.Equal(t, model.KindInvalidQuantity, rep.ItemsFailed[1].Kind)
	assert.Empty(t, rep.ItemsSucceeded)
	assert.Empty(t, rep.Attempts)
	assert.Zero(t, h.api.count(model.OperationSearch))
}

func TestRun_UnitDefaultsResolveAmbiguity(t *testing.T) {
	h := newHarness(t)
	p := &stubParser{draft: model.OrderDraft{
		Strategy: model.ParseStrategyAI,
		Items:    []model.ParsedItem{{Name: "milk", Quantity: 2, Unit: "gallon", AmbiguousUnit: true}},
	}}
	o := h.orchestrator(p)

	rep, err := o.Run(context.Background(), Request{
		Payload:      "milk",
		DryRun:       true,
		UnitDefaults: map[string]string{"Milk": "quart"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	require.Len(t, rep.ItemsSucceeded, 1)
	assert.Equal(t, "quart", rep.ItemsSucceeded[0].Unit)

	// The stored draft keeps the parser's output.
	stored, err := h.store.GetOrder(context.Background(), rep.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, stored.Draft.Items[0].AmbiguousUnit)
}

func TestRun_PartialProductNotFound(t *testing.T) {
	h := newHarness(t)
	h.api.missing["bread"] = true
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk, bread, eggs", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Len(t, rep.ItemsSucceeded, 2)
	require.Len(t, rep.ItemsFailed, 1)
	assert.Equal(t, "bread", rep.ItemsFailed[0].Name)
	assert.Equal(t, model.KindProductNotFound, rep.ItemsFailed[0].Kind)

	var outcome model.AttemptOutcome
	for _, a := range attemptsFor(rep, model.OperationSearch) {
		if a.Item == "bread" {
			outcome = a.Outcome
		}
	}
	assert.Equal(t, model.OutcomeNotFound, outcome)
	assert.False(t, rep.FailedOver)
}

func TestRun_NothingFoundFails(t *testing.T) {
	h := newHarness(t)
	h.api.missing["milk"] = true
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindProductNotFound, rep.ErrorKind)
	require.Len(t, rep.ItemsFailed, 1)
	assert.False(t, rep.FailedOver)
}

func TestRun_LiveWithoutConfirmationStopsAtReview(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk, eggs"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Equal(t, model.KindNotConfirmed, rep.ErrorKind)
	assert.Nil(t, rep.Confirmation)
	assert.Zero(t, h.api.count(model.OperationCheckout))
	assert.Equal(t, h.cart.snapshot().Lines, rep.Preview)

	stored, err := h.store.GetOrder(context.Background(), rep.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusReviewed, stored.Status)
}

func TestRun_ConfirmerApprovesCheckout(t *testing.T) {
	h := newHarness(t)
	var seen []model.CartLine
	o := h.orchestrator(nil, WithConfirmer(ConfirmFunc(func(_ context.Context, preview []model.CartLine) (bool, error) {
		seen = preview
		return true, nil
	})))

	rep, err := o.Run(context.Background(), Request{Payload: "milk, eggs"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	assert.Len(t, seen, 2)
}

func TestRun_ConfirmerDeclines(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, WithConfirmer(ConfirmFunc(func(context.Context, []model.CartLine) (bool, error) {
		return false, nil
	})))

	rep, err := o.Run(context.Background(), Request{Payload: "milk"})
	require.NoError(t, err)

	assert.Equal(t, model.ReportReviewed, rep.Status)
	assert.Equal(t, model.KindNotConfirmed, rep.ErrorKind)
	assert.Zero(t, h.api.count(model.OperationCheckout))
}

func TestRun_CheckoutDeclined(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationCheckout, model.NewError(model.KindCheckoutDeclined, "card declined"))
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindCheckoutDeclined, rep.ErrorKind)
	assert.Contains(t, rep.Error, "card declined")
	assert.Len(t, rep.ItemsSucceeded, 1)
	assert.Zero(t, h.browser.count(model.OperationCheckout))

	stored, err := h.store.GetOrder(context.Background(), rep.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCheckoutSent, stored.Status)
	assert.Contains(t, stored.LastError, "card declined")
}

func TestRun_CheckoutRetryReusesKey(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationCheckout, timeout())
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportCompleted, rep.Status)
	require.Len(t, h.api.details, 1)
	assert.Equal(t, rep.IdempotencyKey, h.api.details[0].IdempotencyKey)
	assert.Len(t, attemptsFor(rep, model.OperationCheckout), 2)
}

func TestRun_CheckoutUnavailableDoesNotFailOver(t *testing.T) {
	h := newHarness(t)
	h.api.failNext(model.OperationCheckout, unavailable("checkout mutation missing"))
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Payload: "milk", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindBackendUnavailable, rep.ErrorKind)
	assert.False(t, rep.FailedOver)
	assert.Zero(t, h.browser.count(model.OperationCheckout))
}

func TestRun_Canceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.onSearch = cancel
	o := h.orchestrator(nil)

	rep, err := o.Run(ctx, Request{Payload: "milk, eggs", Confirm: true})
	require.NoError(t, err)

	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindCanceled, rep.ErrorKind)
	assert.False(t, rep.FailedOver)
	assert.Zero(t, h.api.count(model.OperationAddToCart))
	assert.Zero(t, h.api.count(model.OperationCheckout))
	assert.Zero(t, h.browser.count(model.OperationSearch))

	stored, err := h.store.GetOrder(context.Background(), rep.IdempotencyKey)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.LastError)
}

func TestRun_UnknownInputMode(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Mode: "fax", Payload: "milk"})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindTranscription, rep.ErrorKind)
	assert.Equal(t, string(StateFailed), rep.FinalState)
	assert.NotNil(t, rep.ItemsFailed)
	assert.NotNil(t, rep.Attempts)
}

func TestRun_VoiceWithoutTranscriber(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil)

	rep, err := o.Run(context.Background(), Request{Mode: InputVoice, Payload: "order.wav", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, rep.Status)
	assert.Equal(t, model.KindTranscription, rep.ErrorKind)
}
