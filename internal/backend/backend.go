// Package backend implements the two ways of talking to the retailer: the
// GraphQL API and a scripted browser. Both speak the same OrderingBackend
// contract and classify their failures into model error kinds.
package backend

import (
	"context"
	"errors"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
)

// OrderingBackend searches, fills a cart and checks out on one transport.
type OrderingBackend interface {
	Name() model.BackendName
	// Search returns matches best first. No matches is not an error.
	Search(ctx context.Context, sess session.Session, item string) ([]model.ProductMatch, error)
	AddToCart(ctx context.Context, sess session.Session, productID string, qty float64) (model.CartSnapshot, error)
	GetCart(ctx context.Context, sess session.Session) (model.CartSnapshot, error)
	Checkout(ctx context.Context, sess session.Session, d model.DeliveryDetails) (model.OrderConfirmation, error)
}

// IdempotentCheckout reports whether b's Checkout honors
// DeliveryDetails.IdempotencyKey, so that sending the same checkout again
// places at most one order.
func IdempotentCheckout(b OrderingBackend) bool {
	ic, ok := b.(interface{ IdempotentCheckout() bool })
	return ok && ic.IdempotentCheckout()
}

// classifyContext maps context errors: a deadline is a transient timeout, a
// cancellation stops the order.
func classifyContext(err error, op model.Operation) error {
	switch {
	case errors.Is(err, context.Canceled):
		return model.WrapError(model.KindCanceled, err, string(op)+" canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return model.WrapError(model.KindNetworkTimeout, err, string(op)+" timed out")
	}
	return nil
}

// tripsBreaker decides which failures count against backend health.
func tripsBreaker(err error) bool {
	switch model.KindOf(err) {
	case model.KindBackendUnavailable, model.KindNetworkTimeout:
		return true
	case "":
		return resilience.IsTransient(err)
	default:
		return false
	}
}
