package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/orchestrator"
)

var (
	batchFile  string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run order requests from a JSON Lines file",
	Long:  "Reads one order request per line (the same shape as POST /v1/orders) and runs them concurrently. Reports are written to stdout as JSON Lines.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		in := io.Reader(os.Stdin)
		if batchFile != "" && batchFile != "-" {
			f, err := os.Open(batchFile)
			if err != nil {
				return eris.Wrapf(err, "open %s", batchFile)
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		reqs, err := readRequests(in)
		if err != nil {
			return err
		}

		env, err := initOrderEnv(ctx, "order")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := processBatch(ctx, reqs, batchLimit, cfg.Batch.MaxConcurrentOrders, env.Orchestrator, os.Stdout)
		if err != nil {
			return err
		}
		if sum.Failed > 0 {
			return eris.Errorf("%d of %d orders failed", sum.Failed, sum.Total)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "-", "JSON Lines file of order requests (- for stdin)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of requests to run")
	rootCmd.AddCommand(batchCmd)
}

// readRequests decodes one request per non-blank line.
func readRequests(r io.Reader) ([]orchestrator.Request, error) {
	var reqs []orchestrator.Request
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var req orchestrator.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, eris.Wrapf(err, "batch: line %d", line)
		}
		if strings.TrimSpace(req.Payload) == "" {
			return nil, eris.Errorf("batch: line %d: payload is required", line)
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "batch: read requests")
	}
	return reqs, nil
}

// batchSummary counts report outcomes.
type batchSummary struct {
	Total     int
	Completed int
	Reviewed  int
	Failed    int
}

// processBatch applies limit, then runs requests concurrently. One order's
// failure never aborts the others.
func processBatch(ctx context.Context, reqs []orchestrator.Request, limit, concurrency int, runner orderRunner, out io.Writer) (batchSummary, error) {
	if len(reqs) == 0 {
		zap.L().Info("no order requests found")
		return batchSummary{}, nil
	}
	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("requests", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var completed, reviewed, failed atomic.Int64
	var mu sync.Mutex
	enc := json.NewEncoder(out)

	for i, req := range reqs {
		g.Go(func() error {
			log := zap.L().With(zap.Int("request", i+1))

			rep, err := runner.Run(gctx, req)
			switch {
			case err != nil:
				failed.Add(1)
				log.Error("order run failed", zap.Error(err))
			case rep.Status == model.ReportCompleted:
				completed.Add(1)
			case rep.Status == model.ReportReviewed:
				reviewed.Add(1)
			default:
				failed.Add(1)
				log.Warn("order failed", zap.String("key", rep.IdempotencyKey), zap.String("error", rep.Error))
			}
			if rep == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if encErr := enc.Encode(rep); encErr != nil {
				return eris.Wrap(encErr, "batch: write report")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batchSummary{}, eris.Wrap(err, "batch processing")
	}

	sum := batchSummary{
		Total:     len(reqs),
		Completed: int(completed.Load()),
		Reviewed:  int(reviewed.Load()),
		Failed:    int(failed.Load()),
	}
	zap.L().Info("batch complete",
		zap.Int("total", sum.Total),
		zap.Int("completed", sum.Completed),
		zap.Int("reviewed", sum.Reviewed),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}
