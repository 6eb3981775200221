package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"equitylens/internal/domain"
	"equitylens/internal/usecase"
	"equitylens/internal/usecase/research"
)

// SessionRunner starts a research session. Implemented by the orchestrator.
type SessionRunner interface {
	Run(ctx context.Context, query string, mode domain.Mode) (*domain.SessionResult, error)
	Running() bool
}

// Server exposes session status and control over HTTP.
type Server struct {
	runner      SessionRunner
	monitor     *usecase.Monitor
	logger      *slog.Logger
	addr        string
	defaultMode domain.Mode
	httpSrv     *http.Server
	boundAddr   string
}

// NewServer creates a gateway server.
func NewServer(runner SessionRunner, monitor *usecase.Monitor, addr string, defaultMode domain.Mode, logger *slog.Logger) *Server {
	return &Server{
		runner:      runner,
		monitor:     monitor,
		logger:      logger,
		addr:        addr,
		defaultMode: defaultMode,
	}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/research", s.handleResearch)
	return mux
}

// Start begins serving. Blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway shutdown", "error", err)
	}
}

// Addr returns the bound listen address, available after Start.
func (s *Server) Addr() string { return s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

type researchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

type researchResponse struct {
	Status string `json:"status"`
	Query  string `json:"query"`
	Mode   string `json:"mode"`
}

// handleResearch starts a session in the background. A session already in
// flight yields 409; the caller polls /api/status for progress.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req researchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	mode := s.defaultMode
	if req.Mode != "" {
		mode = domain.Mode(req.Mode)
		if !domain.ValidMode(mode) {
			writeError(w, http.StatusBadRequest, "invalid mode: "+req.Mode)
			return
		}
	}

	if s.runner.Running() {
		writeError(w, http.StatusConflict, domain.ErrSessionActive.Error())
		return
	}

	go func() {
		// Session lifetime is independent of the HTTP request.
		if _, err := s.runner.Run(context.Background(), req.Query, mode); err != nil {
			if errors.Is(err, domain.ErrSessionActive) {
				s.logger.Warn("research session rejected", "error", err)
				return
			}
			s.logger.Error("research session failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, researchResponse{
		Status: "started",
		Query:  req.Query,
		Mode:   string(mode),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Compile-time check that the orchestrator satisfies the runner contract.
var _ SessionRunner = (*research.Orchestrator)(nil)
