// Package admin serves the diagnostics HTTP listener: Prometheus
// metrics, the read-only per-connection JSON dump and basic liveness.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/pkg/metrics"
)

// ConnectionDumper exposes the frontend's diagnostics view.
type ConnectionDumper interface {
	DumpConnections() json.RawMessage
}

// Server is the admin HTTP listener.
type Server struct {
	listen string
	http   *http.Server
}

// New builds the admin server around the frontend's dump interface.
func New(listen string, dumper ConnectionDumper) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/connections", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(dumper.DumpConnections())
	})

	if reg := metrics.GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &Server{
		listen: listen,
		http: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	logger.Info("Admin endpoint listening on %s", s.listen)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
