// Package api exposes the producer and observability surface: idempotent
// job creation, read-only job and run-history queries, and operator
// requeue of failed work.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"curation-engine/internal/config"
	"curation-engine/internal/models"
	"curation-engine/internal/ratelimit"
	"curation-engine/internal/store"
	"curation-engine/internal/telemetry"
)

// Server wires HTTP handlers for producers and observability tooling.
type Server struct {
	cfg     config.Config
	store   store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable limiting.
func New(cfg config.Config, st store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/attempts", s.handleAttempts)
	r.Post("/jobs/{id}/requeue", s.handleRequeue)
	r.Get("/history", s.handleHistory)
	return r
}

type createRequest struct {
	Type           models.JobType `json:"type"`
	Class          string         `json:"class"`
	Payload        models.Payload `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxRepairs     int            `json:"max_repairs"`
}

type createResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	if req.Class != "" && req.Class != models.ClassPriority && req.Class != models.ClassMaintenance {
		http.Error(w, fmt.Sprintf("unknown class %q", req.Class), http.StatusBadRequest)
		return
	}
	if req.MaxRepairs == 0 {
		req.MaxRepairs = s.cfg.MaxRepairs
	}

	producer := producerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+producer)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Type:           req.Type,
		Class:          req.Class,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxRepairs:     req.MaxRepairs,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !reused {
		telemetry.JobsCreated.Inc()
	}
	writeJSON(w, http.StatusAccepted, createResponse{Job: job, Idempotent: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.StatusQueued
	}
	jobs, err := s.store.ListJobs(r.Context(), status, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// handleRequeue puts a failed or needs_review job back in the queue. The
// compare-and-set refuses anything already queued, leased, or succeeded.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.store.UpdateStatus(r.Context(), id, models.StatusFailed, models.StatusQueued)
	if errors.Is(err, store.ErrConflict) {
		err = s.store.UpdateStatus(r.Context(), id, models.StatusNeedsReview, models.StatusQueued)
	}
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, "job is not failed or needs_review", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusQueued})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad until timestamp", http.StatusBadRequest)
			return
		}
		until = t
	}
	attempts, err := s.store.ListHistory(r.Context(), since, until, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func producerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Producer-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
