package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/event-ingestor/internal/config"
	"github.com/fairyhunter13/event-ingestor/internal/domain"
	"github.com/fairyhunter13/event-ingestor/internal/usecase"
)

// Submitter accepts a validated submission; implemented by usecase.SubmitService.
type Submitter interface {
	Submit(ctx context.Context, tenantID string, events []usecase.SubmittedEvent, idemKey string) (string, bool, error)
}

// Querier reads job state; implemented by usecase.QueryService.
type Querier interface {
	GetStatus(ctx context.Context, jobID string) (usecase.StatusSnapshot, error)
	GetResults(ctx context.Context, jobID string) ([]domain.ResultRow, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  Submitter
	Query   Querier
	DBCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit Submitter, query Querier, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		// Report json field names so validation details match the wire format.
		vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return vld
}

type submitEventDTO struct {
	Type      string          `json:"type" validate:"required"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
}

type submitRequest struct {
	TenantID string           `json:"tenantId" validate:"required"`
	Events   []submitEventDTO `json:"events" validate:"required,min=1,dive"`
}

// SubmitHandler accepts a batch of typed events for a tenant and returns the
// job id with 202 Accepted. Repeated submissions with the same
// Idempotency-Key header map to the same job.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if verrs := validateSubmitRequest(req); len(verrs) > 0 {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		events := make([]usecase.SubmittedEvent, 0, len(req.Events))
		for _, e := range req.Events {
			events = append(events, usecase.SubmittedEvent{
				Type:       e.Type,
				OccurredAt: e.Timestamp,
				Payload:    e.Payload,
			})
		}
		jobID, duplicate, err := s.Submit.Submit(r.Context(), req.TenantID, events, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "duplicate": duplicate})
	}
}

// validateSubmitRequest returns a field -> messages map, empty when valid.
func validateSubmitRequest(req submitRequest) map[string][]string {
	verrs := map[string][]string{}
	if err := getValidator().Struct(req); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				field := normalizeFieldPath(fe.Namespace())
				verrs[field] = append(verrs[field], messageForTag(fe))
			}
			return verrs
		}
		verrs["body"] = append(verrs["body"], err.Error())
		return verrs
	}
	// validator's required tag does not catch blank-but-present strings
	if strings.TrimSpace(req.TenantID) == "" {
		verrs["tenantId"] = append(verrs["tenantId"], "must not be blank")
	}
	for i, e := range req.Events {
		if strings.TrimSpace(e.Type) == "" {
			f := fmt.Sprintf("events[%d].type", i)
			verrs[f] = append(verrs[f], "must not be blank")
		}
	}
	return verrs
}

// normalizeFieldPath strips the root struct name from a validator namespace:
// "submitRequest.events[1].type" becomes "events[1].type".
func normalizeFieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	default:
		return "failed validation: " + fe.Tag()
	}
}

// StatusHandler returns the current status snapshot of a job.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: jobId missing", domain.ErrInvalidArgument), nil)
			return
		}
		snap, err := s.Query.GetStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body := map[string]any{
			"jobId":     snap.JobID,
			"status":    string(snap.Status),
			"attempt":   snap.Attempt,
			"createdAt": snap.CreatedAt,
			"updatedAt": snap.UpdatedAt,
		}
		if snap.Error != "" {
			body["error"] = snap.Error
		}
		if snap.ProcessedAt != nil {
			body["processedAt"] = snap.ProcessedAt
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// ResultsHandler returns the ordered per-type counts of a job.
func (s *Server) ResultsHandler() http.HandlerFunc {
	type resultDTO struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: jobId missing", domain.ErrInvalidArgument), nil)
			return
		}
		rows, err := s.Query.GetResults(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]resultDTO, 0, len(rows))
		for _, row := range rows {
			out = append(out, resultDTO{Type: row.EventType, Count: row.Count})
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "results": out})
	}
}

// LiveHandler always reports 200 while the process runs.
func (s *Server) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyHandler probes the store with a trivial query.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "details": "db not configured"})
			return
		}
		if err := s.DBCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "details": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}
