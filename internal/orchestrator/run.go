package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/grocer/internal/backend"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/internal/store"
	"github.com/sells-group/grocer/internal/transcript"
)

// line is one validated item with the product chosen for it.
type line struct {
	item   model.ParsedItem
	match  model.ProductMatch
	inCart bool
}

// run is the state of a single order. It is owned by one goroutine.
type run struct {
	o    *Orchestrator
	req  Request
	key  string
	mode model.OrderMode
	log  *zap.Logger

	state      State
	order      *model.GroceryOrder
	draft      model.OrderDraft
	backend    backend.OrderingBackend
	failedOver bool
	replay     map[string]bool

	lines              []*line
	validationFailures []model.ItemFailure
	searchFailures     []model.ItemFailure
	addFailures        []model.ItemFailure
	cart               model.CartSnapshot
	attempts           []model.Attempt

	confirmation *model.OrderConfirmation
	notConfirmed bool

	// storeErr is set when persistence failed; Run surfaces it to the caller.
	storeErr error
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Info("order state",
		zap.String("state", string(s)),
		zap.String("backend", string(r.backend.Name())),
	)
}

func (r *run) execute(ctx context.Context) error {
	existing, err := r.o.store.GetOrder(ctx, r.key)
	switch {
	case err == nil:
		if done, err := r.resume(ctx, existing); done || err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		if done, err := r.create(ctx); done || err != nil {
			return err
		}
	default:
		return r.storeFailed(err)
	}

	items, err := r.validate()
	if err != nil {
		return err
	}
	if err := r.shop(ctx, items); err != nil {
		return err
	}

	r.enter(StateReviewing)
	if err := r.advance(ctx, model.OrderStatusReviewed); err != nil {
		return err
	}
	if r.mode == model.OrderModeDryRun {
		return nil
	}

	confirmed := r.confirmed(ctx)
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCanceled, err, "canceled while awaiting confirmation")
	}
	if !confirmed {
		r.notConfirmed = true
		return nil
	}
	return r.checkout(ctx)
}

// resume picks up an order stored under the same key. It reports done when
// the order already completed.
func (r *run) resume(ctx context.Context, existing *model.GroceryOrder) (bool, error) {
	if existing.Mode != r.mode {
		return false, model.NewError(model.KindKeyConflict,
			fmt.Sprintf("key %s belongs to a %s order", r.key, existing.Mode))
	}
	attempts, err := r.o.store.ListAttempts(ctx, r.key)
	if err != nil {
		return false, r.storeFailed(err)
	}
	r.order = existing
	r.draft = existing.Draft
	r.attempts = attempts
	r.log.Info("resuming order",
		zap.String("status", string(existing.Status)),
		zap.Int("attempts", len(attempts)),
	)

	switch {
	case existing.Status == model.OrderStatusCompleted && existing.Confirmation != nil:
		r.linesFromDraft()
		r.complete(*existing.Confirmation)
		return true, nil
	case existing.Status == model.OrderStatusCheckoutSent:
		return true, r.recoverCheckout(ctx)
	}
	return false, nil
}

// complete adopts a confirmation stored by an earlier or concurrent run.
func (r *run) complete(conf model.OrderConfirmation) {
	r.confirmation = &conf
	r.enter(StateCompleted)
}

// linesFromDraft reports every drafted item as ordered. It is used when the
// cart was built by an earlier run.
func (r *run) linesFromDraft() {
	r.lines = nil
	for _, it := range r.draft.Items {
		r.lines = append(r.lines, &line{item: it, inCart: true})
	}
}

// recoverCheckout handles an order whose checkout an earlier run sent
// without recording the outcome. The cart is left alone: if the order was
// placed it is already empty. The checkout is only sent again to a backend
// that honors the idempotency key.
func (r *run) recoverCheckout(ctx context.Context) error {
	name := r.checkoutBackendName()
	b := r.backendNamed(name)
	if b == nil || !backend.IdempotentCheckout(b) {
		return model.NewError(model.KindCheckoutUnknown, fmt.Sprintf(
			"checkout was sent on the %s backend with no recorded outcome; reconcile with the retailer before placing it again", name))
	}
	if b != r.o.primary {
		r.backend = b
		r.failedOver = true
	}
	r.log.Warn("re-sending checkout with no recorded outcome", zap.String("backend", string(name)))
	r.enter(StateCheckout)
	if err := r.placeOrder(ctx); err != nil {
		return err
	}
	r.linesFromDraft()
	return nil
}

// checkoutBackendName is the backend the order last used. Failover never
// happens after checkout is sent, so this is where the checkout went.
func (r *run) checkoutBackendName() model.BackendName {
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if a := r.attempts[i]; a.Operation != model.OperationLogin {
			return a.Backend
		}
	}
	return r.o.primary.Name()
}

func (r *run) backendNamed(name model.BackendName) backend.OrderingBackend {
	switch {
	case r.o.primary.Name() == name:
		return r.o.primary
	case r.o.fallback != nil && r.o.fallback.Name() == name:
		return r.o.fallback
	}
	return nil
}

func (r *run) create(ctx context.Context) (bool, error) {
	r.enter(StateParsing)
	draft, err := r.parse(ctx)
	if err != nil {
		return false, err
	}

	now := r.o.nowFunc().UTC()
	stored, created, err := r.o.store.EnsureOrder(context.WithoutCancel(ctx), model.GroceryOrder{
		IdempotencyKey: r.key,
		RetailerID:     r.o.retailerID,
		Draft:          draft,
		Mode:           r.mode,
		Status:         model.OrderStatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return false, r.storeFailed(err)
	}
	if !created {
		// Another run claimed the key between lookup and insert.
		return r.resume(ctx, stored)
	}
	r.order = stored
	r.draft = stored.Draft
	return false, nil
}

func (r *run) parse(ctx context.Context) (model.OrderDraft, error) {
	var src transcript.Source
	switch r.req.Mode {
	case InputText, "":
		src = transcript.TextSource{Text: r.req.Payload}
	case InputVoice:
		src = transcript.AudioFileSource{Client: r.o.whisper, Path: r.req.Payload, Language: r.o.language}
	default:
		return model.OrderDraft{}, model.NewError(model.KindTranscription,
			fmt.Sprintf("unknown input mode %q", r.req.Mode))
	}

	tr, err := src.Transcript(ctx)
	if err != nil {
		return model.OrderDraft{}, err
	}
	draft, err := r.o.parser.Parse(ctx, tr)
	if err != nil {
		return model.OrderDraft{}, err
	}
	r.log.Info("parsed order",
		zap.String("strategy", string(draft.Strategy)),
		zap.Int("items", len(draft.Items)),
		zap.Float64("confidence", draft.Confidence),
	)
	return draft, nil
}

// validate applies caller unit defaults and rejects items that cannot be
// ordered. Any rejection fails the whole order.
func (r *run) validate() ([]model.ParsedItem, error) {
	r.enter(StateValidating)

	defaults := make(map[string]string, len(r.req.UnitDefaults))
	for name, unit := range r.req.UnitDefaults {
		if u := strings.TrimSpace(unit); u != "" {
			defaults[fold(name)] = u
		}
	}

	var ok []model.ParsedItem
	var rejected []model.ItemFailure
	for _, it := range r.draft.Clone().Items {
		if it.Quantity <= 0 || math.IsNaN(it.Quantity) || math.IsInf(it.Quantity, 0) {
			rejected = append(rejected, model.ItemFailure{
				Name: it.Name, Kind: model.KindInvalidQuantity,
				Reason: fmt.Sprintf("quantity %v is not a positive number", it.Quantity),
			})
			continue
		}
		if it.AmbiguousUnit {
			u, found := defaults[fold(it.Name)]
			if !found {
				rejected = append(rejected, model.ItemFailure{
					Name: it.Name, Kind: model.KindAmbiguousItem,
					Reason: "requested in conflicting units; specify one unit",
				})
				continue
			}
			it.Unit = u
			it.AmbiguousUnit = false
		}
		ok = append(ok, it)
	}

	if len(rejected) > 0 {
		r.validationFailures = rejected
		names := make([]string, len(rejected))
		for i, f := range rejected {
			names[i] = f.Name
		}
		return nil, model.NewError(rejected[0].Kind,
			fmt.Sprintf("%d item(s) rejected: %s", len(rejected), strings.Join(names, ", ")))
	}
	if len(ok) == 0 {
		return nil, model.NewError(model.KindParse, "order has no items")
	}
	return ok, nil
}

// shop runs searching and cart building on the current backend, failing
// over to the fallback at most once.
func (r *run) shop(ctx context.Context, items []model.ParsedItem) error {
	for {
		err := r.search(ctx, items)
		if err == nil && r.mode == model.OrderModeLive {
			err = r.buildCart(ctx)
		}
		if err == nil || !r.canFailOver(err) {
			return err
		}
		r.failOver(err)
	}
}

func (r *run) search(ctx context.Context, items []model.ParsedItem) error {
	r.enter(StateSearching)
	r.lines = nil
	r.searchFailures = nil

	for _, it := range items {
		var matches []model.ProductMatch
		err := r.call(ctx, model.OperationSearch, callArgs{item: it.Name, replay: r.replay[fold(it.Name)]},
			func(ctx context.Context, b backend.OrderingBackend, sess session.Session) error {
				m, err := b.Search(ctx, sess, it.Name)
				if err != nil {
					return err
				}
				if len(m) == 0 {
					return model.ItemError(model.KindProductNotFound, it.Name, "no matching products")
				}
				matches = m
				return nil
			})
		if model.IsKind(err, model.KindProductNotFound) {
			r.searchFailures = append(r.searchFailures, itemFailure(it.Name, err))
			continue
		}
		if err != nil {
			return err
		}
		r.lines = append(r.lines, &line{item: it, match: matches[0]})
	}

	if len(r.lines) == 0 {
		return model.NewError(model.KindProductNotFound, "none of the requested items were found")
	}
	return r.advance(ctx, model.OrderStatusSearched)
}

// buildCart brings the cart up to the wanted quantities. The current cart
// is read first so that items already present from an earlier run or from
// the other backend are not added twice.
func (r *run) buildCart(ctx context.Context) error {
	r.enter(StateCartBuilding)
	r.addFailures = nil

	var snap model.CartSnapshot
	err := r.call(ctx, model.OperationGetCart, callArgs{},
		func(ctx context.Context, b backend.OrderingBackend, sess session.Session) error {
			s, err := b.GetCart(ctx, sess)
			if err == nil {
				snap = s
			}
			return err
		})
	if err != nil {
		return err
	}

	want := make(map[string]float64)
	added := 0
	for _, ln := range r.lines {
		pid := ln.match.ProductID
		want[pid] += ln.item.Quantity
		delta := want[pid] - snap.QuantityOf(pid)
		if delta <= 0 {
			r.log.Debug("item already in cart", zap.String("item", ln.item.Name), zap.String("product_id", pid))
			ln.inCart = true
			added++
			continue
		}

		args := callArgs{item: ln.item.Name, productID: pid, qty: delta, replay: r.replay[fold(ln.item.Name)]}
		err := r.call(ctx, model.OperationAddToCart, args,
			func(ctx context.Context, b backend.OrderingBackend, sess session.Session) error {
				s, err := b.AddToCart(ctx, sess, pid, delta)
				if err == nil {
					snap = s
				}
				return err
			})
		if model.IsKind(err, model.KindProductNotFound) {
			r.addFailures = append(r.addFailures, itemFailure(ln.item.Name, err))
			continue
		}
		if err != nil {
			return err
		}
		ln.inCart = true
		added++
	}

	r.cart = snap
	if added == 0 {
		return model.NewError(model.KindProductNotFound, "no items could be added to the cart")
	}
	return r.advance(ctx, model.OrderStatusCartBuilt)
}

func (r *run) confirmed(ctx context.Context) bool {
	if r.req.Confirm {
		return true
	}
	if r.o.confirmer == nil {
		return false
	}
	ok, err := r.o.confirmer.Confirm(ctx, r.preview())
	if err != nil {
		r.log.Warn("confirmation failed", zap.Error(err))
		return false
	}
	return ok
}

func (r *run) checkout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCanceled, err, "canceled before checkout")
	}
	r.enter(StateCheckout)
	claimed, err := r.o.store.ClaimCheckout(context.WithoutCancel(ctx), r.key)
	if err != nil {
		return r.storeFailed(err)
	}
	if !claimed {
		return r.checkoutTaken(ctx)
	}
	return r.placeOrder(ctx)
}

// checkoutTaken handles losing the checkout claim to another run of the
// same key. Its confirmation is adopted when it already has one.
func (r *run) checkoutTaken(ctx context.Context) error {
	stored, err := r.o.store.GetOrder(context.WithoutCancel(ctx), r.key)
	if err != nil {
		return r.storeFailed(err)
	}
	if stored.Status == model.OrderStatusCompleted && stored.Confirmation != nil {
		r.log.Info("checkout already completed by another run")
		r.complete(*stored.Confirmation)
		return nil
	}
	return model.NewError(model.KindCheckoutUnknown,
		"checkout for this key was sent by another run and has no recorded outcome yet")
}

// placeOrder sends the checkout. Once sent it runs to completion so the
// outcome is known.
func (r *run) placeOrder(ctx context.Context) error {
	cctx := context.WithoutCancel(ctx)
	details := r.req.Delivery
	details.IdempotencyKey = r.key

	var conf model.OrderConfirmation
	err := r.call(cctx, model.OperationCheckout, callArgs{},
		func(ctx context.Context, b backend.OrderingBackend, sess session.Session) error {
			c, err := b.Checkout(ctx, sess, details)
			if err == nil {
				conf = c
			}
			return err
		})
	if err != nil {
		return err
	}
	if conf.Backend == "" {
		conf.Backend = r.backend.Name()
	}
	if conf.PlacedAt.IsZero() {
		conf.PlacedAt = r.o.nowFunc().UTC()
	}
	if err := r.o.store.SetConfirmation(cctx, r.key, conf); err != nil {
		r.confirmation = &conf
		return r.storeFailed(err)
	}
	r.confirmation = &conf
	r.enter(StateCompleted)
	return nil
}

func (r *run) advance(ctx context.Context, status model.OrderStatus) error {
	if err := r.o.store.AdvanceStatus(context.WithoutCancel(ctx), r.key, status); err != nil {
		return r.storeFailed(err)
	}
	return nil
}

func (r *run) storeFailed(err error) error {
	r.storeErr = eris.Wrap(err, "order store")
	return r.storeErr
}

func (r *run) preview() []model.CartLine {
	if r.mode == model.OrderModeLive {
		return r.cart.Lines
	}
	out := make([]model.CartLine, 0, len(r.lines))
	for _, ln := range r.lines {
		out = append(out, model.CartLine{
			ProductID: ln.match.ProductID,
			Name:      ln.match.Name,
			Quantity:  ln.item.Quantity,
		})
	}
	return out
}

func itemFailure(name string, err error) model.ItemFailure {
	return model.ItemFailure{Name: name, Kind: model.KindOf(err), Reason: model.ReasonOf(err)}
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
