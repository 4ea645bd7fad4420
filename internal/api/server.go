package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"batchscale/internal/history"
	"batchscale/internal/logging"
	"batchscale/internal/progress"
	"batchscale/internal/services"
)

const defaultRunLimit = 20

// ProgressSource provides the live progress snapshot.
type ProgressSource interface {
	Snapshot() progress.State
}

// RunReader reads the run history.
type RunReader interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
	Get(ctx context.Context, id string) (*history.Run, error)
	Failures(ctx context.Context, id string) ([]history.Failure, error)
}

// Server is the status HTTP server.
type Server struct {
	bind     string
	logger   *slog.Logger
	progress ProgressSource
	runs     RunReader
	router   *chi.Mux

	listener net.Listener
	server   *http.Server
}

// NewServer builds the server. It returns nil when bind is empty; a nil
// *Server is safe to Start and Stop.
func NewServer(bind string, source ProgressSource, runs RunReader, logger *slog.Logger) *Server {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil
	}
	s := &Server{
		bind:     bind,
		logger:   logging.NewComponentLogger(logger, "api"),
		progress: source,
		runs:     runs,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Get("/api/progress", s.handleProgress)
	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleRuns)
		r.Get("/{id}", s.handleRun)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = r

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves in the background until ctx ends or Stop.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "api", "listen", s.bind, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	state := progress.Idle()
	if s.progress != nil {
		state = s.progress.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, FromState(state))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeJSON(w, http.StatusOK, RunListResponse{Runs: []RunSummary{}})
		return
	}
	limit := defaultRunLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, FromRun(run))
	}
	s.writeJSON(w, http.StatusOK, RunListResponse{Runs: out})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.runs == nil || id == "" {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	failures, err := s.runs.Failures(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, RunDetailResponse{Run: FromRun(*run), Failures: FromFailures(failures)})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.WithContext(ctx, s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("api encode failed", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
