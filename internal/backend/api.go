package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/pkg/instacart"
)

// APIConfig tunes the API backend.
type APIConfig struct {
	RetailerID        string
	ZoneID            string
	SearchLimit       int
	RequestsPerSecond float64
	// MaxClientErrors is how many non-auth 4xx responses one call absorbs
	// before the backend is reported unavailable.
	MaxClientErrors int
	// ClientErrorBackoff spaces the retries of a rejected call. Only the
	// backoff fields and Sleep are used.
	ClientErrorBackoff resilience.RetryConfig
	Circuit         resilience.CircuitBreakerConfig
}

// APIBackend orders through the retailer's GraphQL API.
type APIBackend struct {
	client  instacart.Client
	cfg     APIConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	nowFunc func() time.Time
}

// NewAPIBackend creates an API backend over client.
func NewAPIBackend(client instacart.Client, cfg APIConfig) *APIBackend {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	if cfg.MaxClientErrors <= 0 {
		cfg.MaxClientErrors = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	cbCfg := cfg.Circuit
	cbCfg.ShouldTrip = tripsBreaker
	if cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("api backend circuit changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	return &APIBackend{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker(cbCfg),
		nowFunc: time.Now,
	}
}

// Name implements OrderingBackend.
func (b *APIBackend) Name() model.BackendName { return model.BackendAPI }

// IdempotentCheckout reports that checkouts carry the order's idempotency
// key to the platform.
func (b *APIBackend) IdempotentCheckout() bool { return true }

// Breaker exposes the circuit breaker for health reporting.
func (b *APIBackend) Breaker() *resilience.CircuitBreaker { return b.breaker }

// Search implements OrderingBackend.
func (b *APIBackend) Search(ctx context.Context, sess session.Session, item string) ([]model.ProductMatch, error) {
	var products []instacart.Product
	err := b.call(ctx, model.OperationSearch, func(ctx context.Context) error {
		var err error
		products, err = b.client.SearchProducts(ctx, sess.Token, instacart.SearchRequest{
			Query:       item,
			Limit:       b.cfg.SearchLimit,
			RetailerIDs: []string{b.retailerID(sess)},
			ZoneID:      b.cfg.ZoneID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	matches := make([]model.ProductMatch, 0, len(products))
	for _, p := range products {
		if p.ID == "" || p.Name == "" {
			continue
		}
		matches = append(matches, model.ProductMatch{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     formatPrice(p.Price),
			Size:      p.Size,
			Backend:   model.BackendAPI,
		})
	}
	return rankMatches(item, matches), nil
}

// AddToCart implements OrderingBackend.
func (b *APIBackend) AddToCart(ctx context.Context, sess session.Session, productID string, qty float64) (model.CartSnapshot, error) {
	var cart *instacart.Cart
	err := b.call(ctx, model.OperationAddToCart, func(ctx context.Context) error {
		var err error
		cart, err = b.client.AddToCart(ctx, sess.Token, instacart.AddToCartRequest{
			RetailerID: b.retailerID(sess),
			ProductID:  productID,
			Quantity:   qty,
		})
		return err
	})
	if err != nil {
		return model.CartSnapshot{}, err
	}
	return toSnapshot(cart), nil
}

// GetCart implements OrderingBackend.
func (b *APIBackend) GetCart(ctx context.Context, sess session.Session) (model.CartSnapshot, error) {
	var cart *instacart.Cart
	err := b.call(ctx, model.OperationGetCart, func(ctx context.Context) error {
		var err error
		cart, err = b.client.GetCart(ctx, sess.Token, b.retailerID(sess))
		return err
	})
	if err != nil {
		return model.CartSnapshot{}, err
	}
	return toSnapshot(cart), nil
}

// Checkout implements OrderingBackend.
func (b *APIBackend) Checkout(ctx context.Context, sess session.Session, d model.DeliveryDetails) (model.OrderConfirmation, error) {
	var placed *instacart.PlacedOrder
	err := b.call(ctx, model.OperationCheckout, func(ctx context.Context) error {
		var err error
		placed, err = b.client.Checkout(ctx, sess.Token, instacart.CheckoutRequest{
			RetailerID:     b.retailerID(sess),
			Address:        d.Address,
			DeliveryWindow: d.Window,
			Instructions:   d.Instructions,
			IdempotencyKey: d.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		return model.OrderConfirmation{}, err
	}
	if placed == nil || placed.ID == "" {
		return model.OrderConfirmation{}, model.NewError(model.KindBackendUnavailable, "checkout returned no order id")
	}
	return model.OrderConfirmation{
		OrderID:     placed.ID,
		Total:       formatPrice(placed.Total),
		DeliveryETA: placed.DeliveryETA,
		Backend:     model.BackendAPI,
		PlacedAt:    b.nowFunc().UTC(),
	}, nil
}

// call throttles and guards one platform call. Non-auth client errors are
// retried here up to the client-error budget; everything else is classified
// and handed back to the caller's retry policy.
func (b *APIBackend) call(ctx context.Context, op model.Operation, fn func(ctx context.Context) error) error {
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		clientErrs := 0
		for {
			if err := b.limiter.Wait(ctx); err != nil {
				if cerr := classifyContext(ctx.Err(), op); cerr != nil {
					return cerr
				}
				return model.WrapError(model.KindNetworkTimeout, err, "rate limiter")
			}

			err := classifyAPIError(fn(ctx), op)
			if err == nil || !isClientError(err) {
				return err
			}
			clientErrs++
			zap.L().Debug("api backend client error",
				zap.String("operation", string(op)),
				zap.Int("count", clientErrs),
				zap.Error(err),
			)
			if clientErrs >= b.cfg.MaxClientErrors {
				return model.WrapError(model.KindBackendUnavailable, err,
					fmt.Sprintf("%s rejected %d times", op, clientErrs))
			}
			if werr := resilience.Wait(ctx, b.cfg.ClientErrorBackoff, clientErrs-1); werr != nil {
				if cerr := classifyContext(ctx.Err(), op); cerr != nil {
					return cerr
				}
				return model.WrapError(model.KindCanceled, werr, string(op)+" canceled")
			}
		}
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.WrapError(model.KindBackendUnavailable, err, "api circuit open")
	}
	return err
}

func (b *APIBackend) retailerID(sess session.Session) string {
	if sess.RetailerID != "" {
		return sess.RetailerID
	}
	return b.cfg.RetailerID
}

// clientError marks a non-auth 4xx that the backend may retry itself.
type clientError struct {
	op  model.Operation
	err *instacart.APIError
}

func (e *clientError) Error() string {
	return fmt.Sprintf("%s: client error: %v", e.op, e.err)
}

func (e *clientError) Unwrap() error { return e.err }

func isClientError(err error) bool {
	var ce *clientError
	return errors.As(err, &ce)
}

// classifyAPIError maps platform client errors onto model error kinds.
func classifyAPIError(err error, op model.Operation) error {
	if err == nil {
		return nil
	}
	if model.KindOf(err) != "" {
		return err
	}

	var apiErr *instacart.APIError
	var gqlErr *instacart.GraphQLError
	var mutErr *instacart.MutationError
	var shapeErr *instacart.ShapeError
	var unsupported *instacart.UnsupportedOperationError

	switch {
	case errors.As(err, &unsupported):
		return model.WrapError(model.KindBackendUnavailable, err, "operation not configured")
	case errors.As(err, &shapeErr):
		return model.WrapError(model.KindBackendUnavailable, err, "unexpected response shape")
	case errors.As(err, &mutErr):
		if op == model.OperationCheckout {
			return model.WrapError(model.KindCheckoutDeclined, err, mutErr.Reason())
		}
		return model.WrapError(model.KindProductNotFound, err, mutErr.Reason())
	case errors.As(err, &gqlErr):
		if gqlErr.Unauthenticated() {
			return model.WrapError(model.KindAuthExpired, err, "session rejected")
		}
		return model.WrapError(model.KindBackendUnavailable, err, "graphql error")
	case errors.As(err, &apiErr):
		return classifyStatus(apiErr, op)
	}

	if cerr := classifyContext(err, op); cerr != nil {
		return cerr
	}
	if resilience.IsTransient(err) {
		return model.WrapError(model.KindNetworkTimeout, err, string(op)+" network failure")
	}
	return model.WrapError(model.KindBackendUnavailable, eris.Wrapf(err, "api %s", op), "")
}

func classifyStatus(apiErr *instacart.APIError, op model.Operation) error {
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return model.WrapError(model.KindAuthExpired, apiErr, "session rejected")
	case resilience.IsTransientHTTPStatus(apiErr.StatusCode):
		return model.WrapError(model.KindNetworkTimeout,
			resilience.NewTransientError(apiErr, apiErr.StatusCode),
			fmt.Sprintf("%s: HTTP %d", op, apiErr.StatusCode))
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return &clientError{op: op, err: apiErr}
	default:
		return model.WrapError(model.KindBackendUnavailable, apiErr,
			fmt.Sprintf("%s: HTTP %d", op, apiErr.StatusCode))
	}
}

func toSnapshot(cart *instacart.Cart) model.CartSnapshot {
	if cart == nil {
		return model.CartSnapshot{}
	}
	lines := make([]model.CartLine, 0, len(cart.Items))
	for _, it := range cart.Items {
		lines = append(lines, model.CartLine{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
		})
	}
	return model.CartSnapshot{Lines: lines}
}

func formatPrice(p float64) string {
	if p <= 0 {
		return ""
	}
	return fmt.Sprintf("$%.2f", p)
}
