// Package execserver exposes the executor protocol over HTTP: POST
// /execute runs a submission in the sandbox, POST /cancel force-stops a
// workload, GET /health pings the runtime. Execution is idempotent per
// eval_id: concurrent duplicates join the in-flight run and completed
// results are served from a short-lived cache, so dispatcher retries never
// run the same submission twice.
package execserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

const (
	defaultResultTTL   = 10 * time.Minute
	healthProbeTimeout = 2 * time.Second
)

// runState tracks one eval_id's execution from first request to cache
// expiry.
type runState struct {
	done   chan struct{}
	result domain.ExecResult
	err    error
	doneAt time.Time
}

// Server aggregates handler dependencies.
type Server struct {
	ExecutorID string
	Box        domain.Sandbox

	resultTTL time.Duration
	mu        sync.Mutex
	runs      map[string]*runState
}

// NewServer wires the executor service around one sandbox.
func NewServer(executorID string, box domain.Sandbox) *Server {
	return &Server{
		ExecutorID: executorID,
		Box:        box,
		resultTTL:  defaultResultTTL,
		runs:       make(map[string]*runState),
	}
}

// Router builds the executor's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Post("/execute", s.ExecuteHandler())
	r.Post("/cancel", s.CancelHandler())
	r.Get("/health", s.HealthHandler())
	return r
}

// ExecuteHandler runs one submission to its terminal state and returns the
// result. A request for an eval_id already in flight waits for that run
// instead of starting another container.
func (s *Server) ExecuteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.EvalID == "" || req.Code == "" || req.Language == "" {
			writeError(w, fmt.Errorf("%w: eval_id, code and language are required", domain.ErrInvalidArgument), nil)
			return
		}
		if req.TimeoutSecs < 1 {
			writeError(w, fmt.Errorf("%w: timeout must be >= 1", domain.ErrInvalidArgument),
				map[string]any{"timeout": req.TimeoutSecs})
			return
		}

		st := s.startOrJoin(r.Context(), req)
		select {
		case <-st.done:
		case <-r.Context().Done():
			// Caller gave up; the run continues and a retry will join it.
			return
		}
		if st.err != nil {
			writeError(w, st.err, map[string]any{"eval_id": req.EvalID})
			return
		}
		writeJSON(w, http.StatusOK, st.result)
	}
}

// startOrJoin returns the run state for req.EvalID, starting a new run
// only when none is in flight or cached.
func (s *Server) startOrJoin(ctx domain.Context, req domain.ExecRequest) *runState {
	s.mu.Lock()
	s.pruneLocked(time.Now())
	if st, ok := s.runs[req.EvalID]; ok {
		s.mu.Unlock()
		return st
	}
	st := &runState{done: make(chan struct{})}
	s.runs[req.EvalID] = st
	s.mu.Unlock()

	// Detached from the request: a dispatcher that disconnects mid-run
	// must not kill the container, or its own retry would start a second
	// one. The sandbox bounds the run with the submission's timeout.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := s.Box.Run(runCtx, domain.RunSpec{
			EvalID:        req.EvalID,
			Code:          req.Code,
			Language:      req.Language,
			TimeoutSecs:   req.TimeoutSecs,
			PriorityClass: req.PriorityClass,
		})
		s.mu.Lock()
		if err != nil {
			st.err = err
			delete(s.runs, req.EvalID) // errors are not cached; a retry re-runs
		} else {
			st.result = domain.ExecResult{
				EvalID:      req.EvalID,
				Status:      res.Status,
				Output:      res.Output,
				ExitCode:    res.ExitCode,
				ExecutorID:  s.ExecutorID,
				ContainerID: res.ContainerID,
				RuntimeMS:   res.RuntimeMS,
			}
			if res.Status != domain.StatusCompleted {
				st.result.Error = res.Output
			}
			st.doneAt = time.Now()
		}
		s.mu.Unlock()
		close(st.done)
	}()
	return st
}

// pruneLocked drops cached results past their TTL. Callers hold s.mu.
func (s *Server) pruneLocked(now time.Time) {
	for id, st := range s.runs {
		if !st.doneAt.IsZero() && now.Sub(st.doneAt) > s.resultTTL {
			delete(s.runs, id)
		}
	}
}

// CancelHandler force-stops the workload for one eval_id.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EvalID string `json:"eval_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EvalID == "" {
			writeError(w, fmt.Errorf("%w: eval_id required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Box.Stop(r.Context(), req.EvalID); err != nil {
			writeError(w, fmt.Errorf("op=cancel: %w", err), map[string]any{"eval_id": req.EvalID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "eval_id": req.EvalID})
	}
}

// HealthHandler answers 200 only when the container runtime responds
// within the probe budget.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := s.Box.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy", "executor_id": s.ExecutorID, "error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok", "executor_id": s.ExecutorID,
		})
	}
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
