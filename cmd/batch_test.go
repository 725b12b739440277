package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/orchestrator"
)

func TestReadRequests(t *testing.T) {
	input := `
# weekly staples
{"idempotency_key":"a","mode":"text","payload":"milk, bread","dry_run":true}

{"payload":"2 gallons milk","confirm":true,"unit_defaults":{"milk":"gallon"},"delivery":{"address":"1 Main St"}}
`
	reqs, err := readRequests(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "a", reqs[0].IdempotencyKey)
	assert.True(t, reqs[0].DryRun)
	assert.Equal(t, orchestrator.InputText, reqs[0].Mode)

	assert.True(t, reqs[1].Confirm)
	assert.Equal(t, "gallon", reqs[1].UnitDefaults["milk"])
	assert.Equal(t, "1 Main St", reqs[1].Delivery.Address)
}

func TestReadRequests_Errors(t *testing.T) {
	_, err := readRequests(strings.NewReader("{not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = readRequests(strings.NewReader(`{"payload":"milk"}` + "\n" + `{"mode":"text"}` + "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestProcessBatch_Empty(t *testing.T) {
	var buf bytes.Buffer
	sum, err := processBatch(context.Background(), nil, 10, 2, &fakeRunner{}, &buf)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Empty(t, buf.String())
}

func TestProcessBatch_CountsOutcomes(t *testing.T) {
	runner := &fakeRunner{fn: func(req orchestrator.Request) (*model.Report, error) {
		rep := &model.Report{IdempotencyKey: req.IdempotencyKey}
		switch req.Payload {
		case "done":
			rep.Status = model.ReportCompleted
		case "preview":
			rep.Status = model.ReportReviewed
		case "broken":
			return rep, errors.New("store down")
		default:
			rep.Status = model.ReportFailed
		}
		return rep, nil
	}}

	reqs := []orchestrator.Request{
		{IdempotencyKey: "1", Payload: "done"},
		{IdempotencyKey: "2", Payload: "preview"},
		{IdempotencyKey: "3", Payload: "nonsense"},
		{IdempotencyKey: "4", Payload: "broken"},
	}
	var buf bytes.Buffer
	sum, err := processBatch(context.Background(), reqs, 0, 2, runner, &buf)
	require.NoError(t, err)

	assert.Equal(t, batchSummary{Total: 4, Completed: 1, Reviewed: 1, Failed: 2}, sum)

	keys := map[string]bool{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rep model.Report
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rep))
		keys[rep.IdempotencyKey] = true
	}
	assert.Len(t, keys, 4)
}

func TestProcessBatch_Limit(t *testing.T) {
	runner := &fakeRunner{}
	reqs := make([]orchestrator.Request, 5)
	for i := range reqs {
		reqs[i] = orchestrator.Request{IdempotencyKey: fmt.Sprint(i), Payload: "milk"}
	}

	var buf bytes.Buffer
	sum, err := processBatch(context.Background(), reqs, 3, 2, runner, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Len(t, runner.requests(), 3)
}

func TestProcessBatch_RespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	runner := &fakeRunner{fn: func(req orchestrator.Request) (*model.Report, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &model.Report{IdempotencyKey: req.IdempotencyKey, Status: model.ReportReviewed}, nil
	}}

	reqs := make([]orchestrator.Request, 8)
	for i := range reqs {
		reqs[i] = orchestrator.Request{IdempotencyKey: fmt.Sprint(i), Payload: "milk"}
	}

	var buf bytes.Buffer
	_, err := processBatch(context.Background(), reqs, 0, 2, runner, &buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}
