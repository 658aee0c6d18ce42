package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tool-factory/internal/callback"
	"tool-factory/internal/config"
	"tool-factory/internal/lifecycle"
	"tool-factory/internal/models"
	"tool-factory/internal/monitor"
	"tool-factory/internal/queue"
	"tool-factory/internal/ratelimit"
	"tool-factory/internal/store"
	"tool-factory/internal/telemetry"
	"tool-factory/internal/transition"
)

// Server wires HTTP handlers for submissions, review actions, pipeline
// callbacks, and the admin surface.
type Server struct {
	cfg      config.Config
	store    *store.Store
	svc      *transition.Service
	ingestor *callback.Ingestor
	dispatch *queue.Dispatch
	limiter  *ratelimit.TokenBucket
	monitor  *monitor.Monitor
}

func New(cfg config.Config, st *store.Store, svc *transition.Service, in *callback.Ingestor, d *queue.Dispatch, limiter *ratelimit.TokenBucket, mon *monitor.Monitor) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		svc:      svc,
		ingestor: in,
		dispatch: d,
		limiter:  limiter,
		monitor:  mon,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tools", s.handleSubmit)
	r.Get("/tools/{id}", s.handleGetJob)
	r.Get("/tools/{id}/history", s.handleHistory)
	r.Post("/tools/{id}/review", s.handleReview)

	r.Post("/callbacks/factory", s.callbackHandler(callback.KindFactory))
	r.Post("/callbacks/deploy", s.callbackHandler(callback.KindDeploy))

	r.Get("/ledger", s.handleLedger)
	r.Post("/admin/monitor/start", s.handleMonitorStart)
	r.Post("/admin/monitor/stop", s.handleMonitorStop)
	r.Get("/admin/monitor", s.handleMonitorStatus)

	return r
}

type submitRequest struct {
	Name          string         `json:"name"`
	Slug          string         `json:"slug"`
	Questionnaire map[string]any `json:"questionnaire"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Questionnaire) == 0 {
		writeError(w, http.StatusBadRequest, "questionnaire is required")
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	slug := req.Slug
	if slug == "" {
		slug = slugify(req.Name)
	}
	if slug == "" {
		slug = "tool"
	}
	// Suffix keeps slugs unique without a read-check round trip.
	slug = fmt.Sprintf("%s-%s", slug, uuid.New().String()[:8])

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Slug:          slug,
		Tenant:        tenant,
		Questionnaire: req.Questionnaire,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	if err := s.svc.CreateInitialEntry(r.Context(), job.ID); err != nil {
		log.Printf("submit job=%s: initial ledger entry failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	// Fire and forget: the worker picks the job up; the caller never waits
	// on pipeline completion.
	if err := s.dispatch.Push(r.Context(), queue.Task{JobID: job.ID, Kind: queue.TaskFactory}); err != nil {
		log.Printf("submit job=%s: dispatch failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	telemetry.SubmissionsAccepted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	entries, err := s.store.ListLedgerByJob(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "history": entries})
}

type reviewRequest struct {
	Action string `json:"action"`
	Note   string `json:"note"`
}

var reviewTargets = map[string]models.Status{
	"approve":          models.StatusDeploying,
	"reject":           models.StatusRejected,
	"request_revision": models.StatusRevisionRequested,
	"reprocess":        models.StatusProcessing,
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, ok := reviewTargets[req.Action]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown action "+req.Action)
		return
	}

	job, err := s.lookupJob(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	note := req.Note
	if note == "" {
		note = "review action: " + req.Action
	}
	updated, err := s.svc.Transition(r.Context(), job.ID, target, models.ActorHuman, note)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	if req.Action == "approve" {
		if err := s.dispatch.Push(r.Context(), queue.Task{JobID: job.ID, Kind: queue.TaskDeploy}); err != nil {
			// The job sits in deploying; the stale monitor will fail it if
			// no deploy ever runs.
			log.Printf("review job=%s: deploy dispatch failed: %v", job.ID, err)
		}
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) callbackHandler(kind callback.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res callback.Result
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		res.Kind = kind

		out := s.ingestor.Ingest(r.Context(), r.Header.Get("X-Factory-Secret"), r.RemoteAddr, res)
		status := http.StatusOK
		switch out.Code {
		case callback.CodeUnauthorized:
			status = http.StatusUnauthorized
		case callback.CodeNotFound:
			status = http.StatusNotFound
		case callback.CodeInvalidTransition:
			status = http.StatusConflict
		case callback.CodeValidationError:
			status = http.StatusBadRequest
		case callback.CodeInternalError:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]any{
			"result":              out.Code,
			"detail":              out.Detail,
			"valid_next_statuses": out.Valid,
		})
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	toStatus := models.Status(r.URL.Query().Get("to_status"))
	if toStatus != "" && !lifecycle.Known(toStatus) {
		writeError(w, http.StatusBadRequest, "unknown status "+string(toStatus))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := s.store.ListLedger(r.Context(), store.LedgerFilter{
		ToStatus: toStatus,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.monitor.IsRunning()})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.monitor.IsRunning()})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.monitor.IsRunning()})
}

// lookupJob resolves {id} as a job id first, then as a slug.
func (s *Server) lookupJob(r *http.Request) (models.Job, error) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, transition.ErrNotFound) {
		return s.store.GetJobBySlug(r.Context(), id)
	}
	return job, err
}

func writeTransitionError(w http.ResponseWriter, err error) {
	var ill *transition.IllegalTransitionError
	var verr *transition.ValidationError
	switch {
	case errors.As(err, &ill):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":               "illegal transition",
			"detail":              ill.Error(),
			"valid_next_statuses": ill.Valid,
		})
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, transition.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
