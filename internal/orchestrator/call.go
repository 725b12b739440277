package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/backend"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/resilience"
	"github.com/sells-group/grocer/internal/session"
)

// callArgs describes a backend call for the attempt log.
type callArgs struct {
	item      string
	productID string
	qty       float64
	replay    bool
}

type callFunc func(ctx context.Context, b backend.OrderingBackend, sess session.Session) error

// call runs fn against the current backend with the retry budget. Every
// invocation is appended to the attempt log. An expired session is
// invalidated and the call repeated once with a fresh login.
func (r *run) call(ctx context.Context, op model.Operation, args callArgs, fn callFunc) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCanceled, err, string(op)+" canceled")
	}

	b := r.backend
	sessions := r.o.sessionsFor(b)
	cfg := r.o.retry
	cfg.OnRetry = resilience.RetryLogger(string(b.Name()), string(op))
	if op == model.OperationCheckout && !backend.IdempotentCheckout(b) {
		// A repeated checkout here would be a second order.
		cfg.MaxAttempts = 1
	}

	reauthed := false
	for {
		var sess session.Session
		loginFailed := false
		err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
			s, err := sessions.Acquire(ctx, r.o.retailerID)
			if err != nil {
				loginFailed = true
				r.record(ctx, b.Name(), model.OperationLogin, callArgs{}, err)
				return err
			}
			loginFailed = false
			sess = s

			callCtx, cancel := context.WithTimeout(ctx, r.o.timeoutFor(op))
			defer cancel()
			err = fn(callCtx, b, s)
			r.record(ctx, b.Name(), op, args, err)
			return err
		})
		if err == nil {
			return nil
		}
		if !loginFailed && !reauthed && model.IsKind(err, model.KindAuthExpired) {
			reauthed = true
			r.log.Info("session expired, logging in again",
				zap.String("backend", string(b.Name())),
				zap.String("operation", string(op)),
			)
			sessions.Invalidate(sess)
			continue
		}
		if ctx.Err() != nil && !model.IsKind(err, model.KindCanceled) {
			return model.WrapError(model.KindCanceled, err, string(op)+" canceled")
		}
		return err
	}
}

func (r *run) record(ctx context.Context, b model.BackendName, op model.Operation, args callArgs, err error) {
	a := model.Attempt{
		OrderKey:  r.key,
		Backend:   b,
		Operation: op,
		Item:      args.item,
		ProductID: args.productID,
		Quantity:  args.qty,
		Replay:    args.replay,
		Outcome:   model.OutcomeSucceeded,
		Timestamp: r.o.nowFunc().UTC(),
	}
	if err != nil {
		a.Outcome = model.OutcomeFailed
		if model.IsKind(err, model.KindProductNotFound) {
			a.Outcome = model.OutcomeNotFound
		}
		a.Error = err.Error()
	}

	stored, serr := r.o.store.AppendAttempt(context.WithoutCancel(ctx), a)
	if serr != nil {
		r.log.Error("failed to persist attempt", zap.String("operation", string(op)), zap.Error(serr))
		a.Seq = len(r.attempts) + 1
		stored = a
	}
	r.attempts = append(r.attempts, stored)
}

func (r *run) canFailOver(err error) bool {
	if r.o.fallback == nil || r.failedOver {
		return false
	}
	return model.IsKind(err, model.KindBackendUnavailable) || resilience.Exhausted(err)
}

// failOver switches the rest of the order to the fallback backend. Items
// the previous backend already added are replayed; the cart reconciliation
// in buildCart keeps them from being added twice.
func (r *run) failOver(cause error) {
	prev := r.backend.Name()
	r.replay = make(map[string]bool)
	for _, a := range model.CommittedAdds(r.attempts, prev) {
		r.replay[fold(a.Item)] = true
	}
	r.backend = r.o.fallback
	r.failedOver = true
	r.log.Warn("failing over",
		zap.String("from", string(prev)),
		zap.String("to", string(r.backend.Name())),
		zap.Int("replayed_items", len(r.replay)),
		zap.Error(cause),
	)
}
