// Package server hosts the loopback HTTP surface: event submission and the
// read-only query endpoints for external consumers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/AutoAccountingOrg/autoledger/internal/pipeline"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// Server is the loopback HTTP service.
type Server struct {
	httpServer *http.Server
	storage    service.Storage
	pipeline   *pipeline.Pipeline
}

// New creates a server listening on addr.
func New(addr string, storage service.Storage, p *pipeline.Pipeline) *Server {
	s := &Server{
		storage:  storage,
		pipeline: p,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /analysis", s.handleAnalysis)
	mux.HandleFunc("GET /rules", s.handleListRules)
	mux.HandleFunc("GET /apps", s.handleListApps)
	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("GET /bills/{id}", s.handleGetBill)
	mux.HandleFunc("GET /bills/{id}/children", s.handleGetBillChildren)
	mux.HandleFunc("GET /bills/{id}/audit", s.handleGetBillAudit)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(logRequests(mux))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// logRequests is a minimal slog access-log middleware.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start))
	})
}
