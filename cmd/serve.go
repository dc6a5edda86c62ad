package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/book-etl/internal/etl"
	"github.com/sells-group/book-etl/internal/warehouse"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an HTTP server that triggers transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.warehouse.Migrate(ctx); err != nil {
			return err
		}

		engine := etl.NewEngine(st.source, st.warehouse, cfg.ETL.BatchSize)
		ts := newTransferServer(ctx, engine.Run, st.warehouse)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(ts, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// An in-flight transfer sees the cancelled ctx, rolls back its open
		// batch and marks its run failed before wait returns.
		ts.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runFunc performs one transfer.
type runFunc func(ctx context.Context) (*etl.RunResult, error)

// transferServer runs at most one transfer at a time in the background.
type transferServer struct {
	ctx    context.Context
	run    runFunc
	target warehouse.Store

	mu sync.Mutex
	wg sync.WaitGroup
}

func newTransferServer(ctx context.Context, run runFunc, target warehouse.Store) *transferServer {
	return &transferServer{ctx: ctx, run: run, target: target}
}

// start launches a transfer unless one is already running.
func (s *transferServer) start() bool {
	if !s.mu.TryLock() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.mu.Unlock()

		result, err := s.run(s.ctx)
		if err != nil {
			zap.L().Error("triggered transfer failed", zap.Error(err))
			return
		}
		zap.L().Info("triggered transfer complete",
			zap.String("run_id", result.RunID),
			zap.Int("transferred", result.Report.Transferred),
			zap.Int("skipped", result.Report.Skipped),
			zap.Int("errors", result.Report.Failed()),
		)
	}()
	return true
}

func (s *transferServer) wait() {
	s.wg.Wait()
}

// buildRouter wires the HTTP routes.
func buildRouter(s *transferServer, allowedOrigins []string) http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Post("/transfer", func(w http.ResponseWriter, r *http.Request) {
		if !s.start() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "transfer already running"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	router.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		runs, err := s.target.ListRuns(r.Context(), limit)
		if err != nil {
			zap.L().Error("list runs", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.target.Stats(r.Context())
		if err != nil {
			zap.L().Error("warehouse stats", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read stats"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
