package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/export"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/store"
)

// orderDetail is an order with its attempt log.
type orderDetail struct {
	Order    *model.GroceryOrder `json:"order"`
	Attempts []model.Attempt     `json:"attempts"`
}

// orderReader is the read side of the order store.
type orderReader interface {
	GetOrder(ctx context.Context, key string) (*model.GroceryOrder, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]model.GroceryOrder, error)
	ListAttempts(ctx context.Context, key string) ([]model.Attempt, error)
}

func loadOrderDetail(ctx context.Context, st orderReader, key string) (*orderDetail, error) {
	o, err := st.GetOrder(ctx, key)
	if err != nil {
		return nil, err
	}
	attempts, err := st.ListAttempts(ctx, key)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	return &orderDetail{Order: o, Attempts: attempts}, nil
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect stored orders",
	Long:  "Commands for listing, viewing, exporting and summarizing orders and their attempt logs.",
}

// -- orders list --

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := orderFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		orders, err := st.ListOrders(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "orders list")
		}

		if len(orders) == 0 {
			fmt.Fprintln(os.Stderr, "No orders found.")
			return nil
		}

		formatOrdersList(os.Stdout, orders)
		return nil
	},
}

// -- orders show --

var ordersShowCmd = &cobra.Command{
	Use:   "show <idempotency-key>",
	Short: "Show an order with its attempt log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		detail, err := loadOrderDetail(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "orders show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// -- orders export --

var ordersExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export orders and attempts to a spreadsheet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := orderFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		snap, err := export.Collect(ctx, st, filter)
		if err != nil {
			return err
		}

		switch format {
		case "xlsx":
			if out == "" {
				out = "orders.xlsx"
			}
			if err := export.WriteXLSX(out, snap); err != nil {
				return err
			}
		case "csv":
			w := io.Writer(os.Stdout)
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return eris.Wrapf(err, "create %s", out)
				}
				defer f.Close() //nolint:errcheck
				w = f
			}
			if err := export.WriteCSV(w, snap); err != nil {
				return err
			}
		default:
			return eris.Errorf("unknown export format %q (want xlsx or csv)", format)
		}

		zap.L().Info("orders exported",
			zap.String("format", format),
			zap.String("out", out),
			zap.Int("orders", len(snap.Orders)),
		)
		return nil
	},
}

// -- orders stats --

var ordersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate order statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		orders, err := st.ListOrders(ctx, store.OrderFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "orders stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatOrderStats(os.Stdout, computeOrderStats(orders, cutoff))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{ordersListCmd, ordersExportCmd} {
		c.Flags().String("status", "", "filter by status (created, searched, cart_built, reviewed, checkout_sent, completed)")
		c.Flags().String("mode", "", "filter by mode (dry_run, live)")
		c.Flags().Int("limit", 50, "max number of orders")
	}
	ordersExportCmd.Flags().String("format", "xlsx", "export format (xlsx, csv)")
	ordersExportCmd.Flags().String("out", "", "output path (default orders.xlsx, or stdout for csv)")
	ordersStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h; 0 for all)")

	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersShowCmd)
	ordersCmd.AddCommand(ordersExportCmd)
	ordersCmd.AddCommand(ordersStatsCmd)
	rootCmd.AddCommand(ordersCmd)
}

func orderFilterFromFlags(cmd *cobra.Command) (store.OrderFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	mode, _ := cmd.Flags().GetString("mode")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.OrderFilter{Limit: limit}
	if status != "" {
		s := model.OrderStatus(status)
		if s.Rank() < 0 {
			return filter, eris.Errorf("unknown status %q", status)
		}
		filter.Status = s
	}
	switch model.OrderMode(mode) {
	case "", model.OrderModeDryRun, model.OrderModeLive:
		filter.Mode = model.OrderMode(mode)
	default:
		return filter, eris.Errorf("unknown mode %q", mode)
	}
	return filter, nil
}

// orderStats holds aggregate statistics over a set of orders.
type orderStats struct {
	Total      int
	DryRun     int
	Live       int
	Completed  int
	Pending    int
	WithErrors int
	ByStatus   map[model.OrderStatus]int
}

// computeOrderStats counts orders created at or after cutoff (all orders
// when cutoff is zero).
func computeOrderStats(orders []model.GroceryOrder, cutoff time.Time) orderStats {
	s := orderStats{ByStatus: make(map[model.OrderStatus]int)}
	for _, o := range orders {
		if !cutoff.IsZero() && o.CreatedAt.Before(cutoff) {
			continue
		}
		s.Total++
		s.ByStatus[o.Status]++
		if o.Mode == model.OrderModeDryRun {
			s.DryRun++
		} else {
			s.Live++
		}
		if o.Status == model.OrderStatusCompleted {
			s.Completed++
		} else if o.Mode == model.OrderModeLive {
			s.Pending++
		}
		if o.LastError != "" {
			s.WithErrors++
		}
	}
	return s
}

// formatOrdersList writes a tabular list of orders to out.
func formatOrdersList(out io.Writer, orders []model.GroceryOrder) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tMODE\tSTATUS\tITEMS\tORDER_ID\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t-----\t--------\t-------\t-----")

	for _, o := range orders {
		orderID := ""
		if o.Confirmation != nil {
			orderID = o.Confirmation.OrderID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateKey(o.IdempotencyKey),
			o.Mode,
			o.Status,
			truncate(strings.Join(o.Draft.Names(), ", "), 30),
			orderID,
			o.CreatedAt.Format("2006-01-02 15:04"),
			truncate(o.LastError, 40),
		)
	}
	_ = w.Flush()
}

// formatOrderStats writes aggregate stats to out.
func formatOrderStats(out io.Writer, s orderStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total orders:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Dry run:\t%d\n", s.DryRun)
	_, _ = fmt.Fprintf(w, "  Live:\t%d\n", s.Live)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Live, not completed:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Last run failed:\t%d\n", s.WithErrors)
	_ = w.Flush()
}

// truncateKey returns the first 8 characters of a generated key for
// compact display.
func truncateKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
