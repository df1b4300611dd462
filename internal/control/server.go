package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/engine/scheduler"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// Server exposes the campaign control API: lifecycle operations and
// progress per campaign, plus health and metrics.
type Server struct {
	scheduler *scheduler.Scheduler
	health    func(ctx context.Context) map[string]string
	log       *slog.Logger
	server    *http.Server
}

// NewServer builds the HTTP server on the given port.
func NewServer(sched *scheduler.Scheduler, health func(ctx context.Context) map[string]string, addr string, log *slog.Logger) *Server {
	s := &Server{
		scheduler: sched,
		health:    health,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/start", s.lifecycle(sched.StartCampaign))
		r.Post("/pause", s.lifecycle(sched.PauseCampaign))
		r.Post("/resume", s.lifecycle(sched.ResumeCampaign))
		r.Post("/cancel", s.lifecycle(sched.CancelCampaign))
		r.Get("/progress", s.handleProgress)
	})
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) lifecycle(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"campaign": id, "result": "ok"})
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.scheduler.Progress(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.health(r.Context())

	status := http.StatusOK
	for _, v := range components {
		if v != "ok" && v != "disabled" && v != "memory" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, components)
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrCampaignNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrChannelUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrLockHeld),
		errors.Is(err, queue.ErrNoPendingContacts):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
