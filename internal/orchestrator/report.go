package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/model"
)

// finish builds the report for a run that stopped with err (nil when the
// run reached Completed or Reviewed).
func (r *run) finish(ctx context.Context, err error) (*model.Report, error) {
	rep := &model.Report{
		IdempotencyKey: r.key,
		Mode:           r.mode,
		Strategy:       r.draft.Strategy,
		ItemsSucceeded: r.succeeded(),
		ItemsFailed:    r.failures(),
		Confirmation:   r.confirmation,
		Backend:        r.backend.Name(),
		FailedOver:     r.failedOver,
		Attempts:       r.attempts,
	}
	if rep.Attempts == nil {
		rep.Attempts = []model.Attempt{}
	}

	switch {
	case err != nil:
		r.enter(StateFailed)
		rep.Status = model.ReportFailed
		rep.ErrorKind = model.KindOf(err)
		rep.Error = err.Error()
		if r.order != nil && r.storeErr == nil {
			if serr := r.o.store.RecordFailure(context.WithoutCancel(ctx), r.key, err.Error()); serr != nil {
				r.log.Error("failed to record order failure", zap.Error(serr))
			}
		}
		r.log.Warn("order failed",
			zap.String("error_kind", string(rep.ErrorKind)),
			zap.Int("items_succeeded", len(rep.ItemsSucceeded)),
			zap.Int("items_failed", len(rep.ItemsFailed)),
			zap.Error(err),
		)
	case r.state == StateCompleted:
		rep.Status = model.ReportCompleted
		r.log.Info("order completed", zap.String("order_id", r.confirmation.OrderID))
	default:
		rep.Status = model.ReportReviewed
		rep.Preview = r.preview()
		if r.notConfirmed {
			rep.ErrorKind = model.KindNotConfirmed
			rep.Error = "live order was not confirmed; cart left for review"
		}
		r.log.Info("order reviewed", zap.Int("preview_lines", len(rep.Preview)))
	}
	rep.FinalState = string(r.state)
	return rep, r.storeErr
}

func (r *run) succeeded() []model.ItemResult {
	out := []model.ItemResult{}
	for _, ln := range r.lines {
		if r.mode == model.OrderModeLive && !ln.inCart {
			continue
		}
		out = append(out, model.ItemResult{
			Name:      ln.item.Name,
			Quantity:  ln.item.Quantity,
			Unit:      ln.item.Unit,
			ProductID: ln.match.ProductID,
			Product:   ln.match.Name,
		})
	}
	return out
}

func (r *run) failures() []model.ItemFailure {
	out := []model.ItemFailure{}
	out = append(out, r.validationFailures...)
	out = append(out, r.searchFailures...)
	out = append(out, r.addFailures...)
	return out
}
