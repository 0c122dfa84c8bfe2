// Package httpserver exposes the on-demand reporting endpoint plus health,
// lag and metrics surfaces.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/health"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/report"
)

// Reporter is the orchestrator surface the server depends on.
type Reporter interface {
	RunForName(ctx context.Context, owner, name string) (*models.Report, error)
}

// Pinger reports storage connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	reporter Reporter
	lag      *health.Service
	store    Pinger
	log      *logrus.Entry
}

func New(reporter Reporter, lag *health.Service, store Pinger, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Server{reporter: reporter, lag: lag, store: store, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute)) // model invocations are slow

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/health/lag", s.handleLag)
	r.Get("/health/stalled", s.handleStalled)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/reports/repositories/{owner}/{name}", s.handleRunReport)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLag(w http.ResponseWriter, r *http.Request) {
	lags, err := s.lag.LagAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"repositories": lags})
}

func (s *Server) handleStalled(w http.ResponseWriter, r *http.Request) {
	stalled, err := s.lag.GetStalledRepositories(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"repositories": stalled})
}

// reportResponse is the 200 body: report metadata without the full rendered
// text.
type reportResponse struct {
	ReportID    string             `json:"report_id"`
	Repository  string             `json:"repository"`
	Status      models.StatusValue `json:"status"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Model       string             `json:"model"`
	GeneratedAt time.Time          `json:"generated_at"`
	Metrics     reportMetrics      `json:"metrics"`
}

type reportMetrics struct {
	ModelLatencyMS   *int64 `json:"model_latency_ms,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// validationResponse is the 422 body for runs that exhausted validation.
type validationResponse struct {
	Title       string               `json:"title"`
	Description string               `json:"description"`
	ReviewID    string               `json:"review_id"`
	Issues      []models.ReviewIssue `json:"issues"`
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	rep, err := s.reporter.RunForName(r.Context(), owner, name)
	if err != nil {
		var verr *report.ValidationError
		switch {
		case errors.As(err, &verr):
			respondJSON(w, http.StatusUnprocessableEntity, validationResponse{
				Title:       "report validation failed",
				Description: "the status model output never passed validation; a review has been recorded",
				ReviewID:    verr.Review.ID.String(),
				Issues:      verr.Review.Issues,
			})
		case faults.IsKind(err, faults.UnknownRepository):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, report.ErrRunInProgress):
			respondError(w, http.StatusConflict, err.Error())
		default:
			s.log.WithError(err).WithFields(logrus.Fields{
				"owner": owner,
				"name":  name,
			}).Error("report run failed")
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if rep == nil {
		// No uncovered evidence in the window.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := reportResponse{
		ReportID:    rep.ID.String(),
		Repository:  owner + "/" + name,
		Status:      rep.Status,
		WindowStart: rep.WindowStart,
		WindowEnd:   rep.WindowEnd,
		Model:       rep.Model,
		GeneratedAt: rep.GeneratedAt,
		Metrics:     reportMetrics{ModelLatencyMS: rep.ModelLatencyMS},
	}
	if rep.Usage != nil {
		body.Metrics.PromptTokens = rep.Usage.PromptTokens
		body.Metrics.CompletionTokens = rep.Usage.CompletionTokens
		body.Metrics.TotalTokens = rep.Usage.TotalTokens
	}
	respondJSON(w, http.StatusOK, body)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
