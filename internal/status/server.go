// Package status serves a node's election state and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"raft-election/internal/election"
	"raft-election/internal/logging"
	"raft-election/internal/metrics"
)

// Node is the part of an election node the endpoint reads and controls.
type Node interface {
	Status() election.Status
	InjectStall(d time.Duration)
}

// Server exposes GET /status, GET /metrics and POST /stall for one node.
type Server struct {
	node        Node
	metrics     *metrics.Metrics
	clusterSize int
	logger      logrus.FieldLogger
	router      *mux.Router
}

// NewServer builds the endpoint. m may be nil, in which case /metrics answers 404.
func NewServer(node Node, m *metrics.Metrics, clusterSize int, logger logrus.FieldLogger) *Server {
	s := &Server{
		node:        node,
		metrics:     m,
		clusterSize: clusterSize,
		logger:      logging.OrDiscard(logger),
		router:      mux.NewRouter(),
	}

	s.router.Path("/status").Methods(http.MethodGet).HandlerFunc(s.handleStatus)
	s.router.Path("/metrics").Methods(http.MethodGet).HandlerFunc(s.handleMetrics)
	s.router.Path("/stall").Methods(http.MethodPost).Queries("duration", "{duration}").HandlerFunc(s.handleStall)
	return s
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Infof("[STATUS] serving on %s", lis.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.GetReport(s.clusterSize))
}

func (s *Server) handleStall(w http.ResponseWriter, r *http.Request) {
	d, err := time.ParseDuration(mux.Vars(r)["duration"])
	if err != nil || d <= 0 {
		http.Error(w, "duration must be a positive Go duration", http.StatusBadRequest)
		return
	}
	s.node.InjectStall(d)
	s.logger.Warnf("[STATUS] stall of %v requested", d)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugf("[STATUS] failed to write response: %v", err)
	}
}
