// Package admin is the bridge's operational HTTP surface: liveness,
// Prometheus metrics, and the runtime log-level control, all behind an
// optional x-api-key gate (spec §6.5's api_key, §6.4's "Resource
// lifecycle" shutdown ordering).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tribixbite/stoatcord-bridge/internal/logging"
	"github.com/tribixbite/stoatcord-bridge/internal/metrics"
)

// Server is the admin HTTP listener.
type Server struct {
	httpServer *http.Server
	apiKey     string
}

// New builds the admin server listening on addr. apiKey, if non-empty,
// is required via the x-api-key header on every route except
// /healthz.
func New(addr, apiKey string) *Server {
	mux := http.NewServeMux()
	s := &Server{apiKey: apiKey}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.gate(promhttp.Handler()))
	mux.HandleFunc("/loglevel", s.gate(http.HandlerFunc(handleLogLevel)).ServeHTTP)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           metrics.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// gate wraps next so it 401s unless the x-api-key header matches, or
// no api key is configured.
func (s *Server) gate(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogLevel reports (GET) or changes (PUT) the global log level
// without a restart, per the teacher's runtime-adjustable logging.Level.
func handleLogLevel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]string{"level": logging.GetLevel().String()})
	case http.MethodPut:
		var req struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		level, err := logging.ParseLevel(req.Level)
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		logging.SetLevel(level)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Run starts serving and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
