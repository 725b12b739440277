package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/orchestrator"
	"github.com/sells-group/grocer/internal/store"
	"github.com/sells-group/grocer/pkg/instacart"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for order requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initOrderEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(ctx, env.Orchestrator, env.Store, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Checkout())
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the HTTP API. Orders run on base so that a client
// disconnecting does not abandon an order mid-checkout.
func buildRouter(base context.Context, runner orderRunner, st orderReader, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", instacart.IdempotencyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body orchestrator.Request
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if key := strings.TrimSpace(req.Header.Get(instacart.IdempotencyHeader)); key != "" {
				body.IdempotencyKey = key
			}
			if strings.TrimSpace(body.Payload) == "" {
				writeError(w, http.StatusBadRequest, "payload is required")
				return
			}

			rep, err := runner.Run(context.WithoutCancel(base), body)
			if err != nil {
				zap.L().Error("order run failed",
					zap.String("request_id", middleware.GetReqID(req.Context())),
					zap.Error(err),
				)
				if rep == nil {
					writeError(w, http.StatusInternalServerError, "order store unavailable")
					return
				}
				writeJSON(w, http.StatusInternalServerError, rep)
				return
			}
			writeJSON(w, reportStatusCode(rep), rep)
		})

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			filter := store.OrderFilter{
				Status: model.OrderStatus(q.Get("status")),
				Mode:   model.OrderMode(q.Get("mode")),
				Limit:  50,
			}
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeError(w, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				filter.Limit = n
			}
			orders, err := st.ListOrders(req.Context(), filter)
			if err != nil {
				zap.L().Error("list orders failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list orders failed")
				return
			}
			if orders == nil {
				orders = []model.GroceryOrder{}
			}
			writeJSON(w, http.StatusOK, orders)
		})

		r.Get("/{key}", func(w http.ResponseWriter, req *http.Request) {
			detail, err := loadOrderDetail(req.Context(), st, chi.URLParam(req, "key"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			if err != nil {
				zap.L().Error("get order failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "get order failed")
				return
			}
			writeJSON(w, http.StatusOK, detail)
		})
	})

	return r
}

func reportStatusCode(rep *model.Report) int {
	switch rep.Status {
	case model.ReportCompleted:
		return http.StatusCreated
	case model.ReportFailed:
		switch rep.ErrorKind {
		case model.KindKeyConflict, model.KindCheckoutUnknown:
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
