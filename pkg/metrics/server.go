package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deeppavlov/pipesearch/pkg/logging"
)

// Server exposes /metrics, /progress and /health while a run is active
type Server struct {
	collector *Collector
	logger    *logging.Logger
	srv       *http.Server
	listener  net.Listener
}

// NewServer creates a server bound to addr once Start is called
func NewServer(addr string, collector *Collector, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		collector: collector,
		logger:    logger.WithField("component", "metrics"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/progress", s.handleProgress).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	return r
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collector.Snapshot()); err != nil {
		s.logger.Warn("Failed to encode progress", map[string]interface{}{"error": err.Error()})
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("Metrics server listening", map[string]interface{}{"addr": ln.Addr().String()})

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
