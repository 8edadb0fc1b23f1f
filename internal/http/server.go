package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// StatusSource is anything that can list jobs: a local controller or the
// raft journal.
type StatusSource interface {
	Jobs() []types.JobRecord
	Job(id string) (types.JobRecord, error)
}

// TaskSource is an optional StatusSource extension for per-task detail.
type TaskSource interface {
	Tasks(jobID string) []types.Task
}

// LeaderSource is an optional StatusSource extension for cluster nodes.
type LeaderSource interface {
	IsLeader() bool
	GetLeader() string
}

type ServerOpts struct {
	ID     string
	Port   int
	Logger *logger.Logger
}

// Server is a read-only JSON status server.
type Server struct {
	opts   ServerOpts
	source StatusSource
	logger *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

func NewServer(opts ServerOpts, source StatusSource) *Server {
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Server{
		opts:   opts,
		source: source,
		logger: lg.With("node_id", opts.ID),
	}
}

type healthResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Leader   string `json:"leader,omitempty"`
	IsLeader bool   `json:"is_leader,omitempty"`
	Jobs     int    `json:"jobs"`
}

type jobResponse struct {
	types.JobRecord
	Tasks []types.Task `json:"tasks,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{ID: s.opts.ID, Status: "ok", Jobs: len(s.source.Jobs())}
	if ls, ok := s.source.(LeaderSource); ok {
		resp.Leader = ls.GetLeader()
		resp.IsLeader = ls.IsLeader()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Jobs())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.source.Job(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	resp := jobResponse{JobRecord: rec}
	if ts, ok := s.source.(TaskSource); ok {
		resp.Tasks = ts.Tasks(id)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response: %v", err)
	}
}

// Start listens on the configured port and serves until Shutdown. It
// returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.opts.Port, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Status server listening: addr=%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Addr returns the listening address once Start is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
