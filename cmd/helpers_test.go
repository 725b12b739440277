package main

import (
	"context"
	"sync"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/orchestrator"
)

// fakeRunner records requests and answers with fn, or with a Reviewed
// report when fn is nil.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []orchestrator.Request
	fn   func(req orchestrator.Request) (*model.Report, error)
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.Request) (*model.Report, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	return &model.Report{
		IdempotencyKey: req.IdempotencyKey,
		Mode:           req.OrderMode(),
		Status:         model.ReportReviewed,
		ItemsSucceeded: []model.ItemResult{},
		ItemsFailed:    []model.ItemFailure{},
		Attempts:       []model.Attempt{},
	}, nil
}

func (f *fakeRunner) requests() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.reqs...)
}
