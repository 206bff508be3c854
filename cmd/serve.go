package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-sync/internal/catalogsync"
	"github.com/sells-group/catalog-sync/internal/catalogsync/catalog"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history and trigger syncs over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx, "serve")
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := catalogsync.Migrate(ctx, pool); err != nil {
			return err
		}

		runner, closeFn, err := newSyncRunner(ctx, pool, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		rs := newRunServer(ctx, runner, catalogsync.NewSyncLog(pool))
		defer rs.wait()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(rs, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runHistory lists past runs.
type runHistory interface {
	ListRecent(ctx context.Context, limit int) ([]catalogsync.SyncEntry, error)
}

// syncTrigger starts one run.
type syncTrigger interface {
	run(ctx context.Context) (*catalog.Summary, error)
}

// runServer starts syncs in the background and never lets two overlap.
type runServer struct {
	ctx     context.Context
	runner  syncTrigger
	history runHistory

	mu      sync.Mutex
	running bool
	started time.Time
	wg      sync.WaitGroup
}

func newRunServer(ctx context.Context, runner syncTrigger, history runHistory) *runServer {
	return &runServer{ctx: ctx, runner: runner, history: history}
}

// tryStart launches a run unless one is already in progress.
func (s *runServer) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.started = time.Now().UTC()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		if _, err := s.runner.run(s.ctx); err != nil {
			zap.L().Warn("background sync failed", zap.Error(err))
		}
	}()
	return true
}

func (s *runServer) state() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.started
}

func (s *runServer) wait() { s.wg.Wait() }

// buildRouter wires the HTTP surface.
func buildRouter(s *runServer, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		running, _ := s.state()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": running})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 20
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		if s.history == nil {
			writeJSON(w, http.StatusOK, []catalogsync.SyncEntry{})
			return
		}
		entries, err := s.history.ListRecent(req.Context(), limit)
		if err != nil {
			zap.L().Error("list runs", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
			return
		}
		if entries == nil {
			entries = []catalogsync.SyncEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Post("/runs", func(w http.ResponseWriter, _ *http.Request) {
		if !s.tryStart() {
			_, started := s.state()
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":      "a sync is already running",
				"started_at": started.Format(time.RFC3339),
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}
