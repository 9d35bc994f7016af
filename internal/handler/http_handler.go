package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/expression"
	"github.com/pesio-ai/be-approval-routing/internal/logger"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/service"
	"github.com/pesio-ai/be-approval-routing/internal/validator"
)

// UserIDHeader carries the acting user when the body does not name one.
// Authentication happens upstream; the header is trusted as given.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalRoutingService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalRoutingService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Routes builds the router with the standard middleware chain.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/conditions/evaluate", h.EvaluateCondition)
		api.Post("/conditions/check", h.CheckCondition)
		api.Post("/lines/validate", h.ValidateLine)

		api.Post("/requests", h.SubmitRequest)
		api.Get("/requests/{id}", h.GetRequest)
		api.Get("/requests/{id}/history", h.GetHistory)
		api.Post("/requests/{id}/approve", h.Approve)
		api.Post("/requests/{id}/reject", h.Reject)
		api.Post("/requests/{id}/view", h.View)
		api.Post("/requests/{id}/cancel", h.Cancel)

		api.Get("/approvals/pending", h.GetPendingApprovals)
		api.Post("/cache/invalidate", h.InvalidateRules)
	})

	return r
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Conditions ────────────────────────────────────────────────────────────────

type conditionRequest struct {
	Condition string             `json:"condition"`
	Context   expression.Context `json:"context"`
}

// EvaluateCondition handles condition evaluation requests
func (h *HTTPHandler) EvaluateCondition(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"result": h.service.EvaluateCondition(req.Condition, req.Context),
	})
}

// CheckCondition reports whether condition text is well formed. A malformed
// condition is a 200 with valid=false; this is an authoring aid.
func (h *HTTPHandler) CheckCondition(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.CheckCondition(req.Condition); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// ── Lines and requests ────────────────────────────────────────────────────────

type validateLineRequest struct {
	SubjectID    string                    `json:"subject_id"`
	Context      expression.Context        `json:"context"`
	Line         *repository.CandidateLine `json:"line"`
	ActingUserID string                    `json:"acting_user_id"`
}

// ValidateLine handles line validation requests
func (h *HTTPHandler) ValidateLine(w http.ResponseWriter, r *http.Request) {
	var req validateLineRequest
	if !decode(w, r, &req) {
		return
	}
	actor := req.ActingUserID
	if actor == "" {
		actor = r.Header.Get(UserIDHeader)
	}

	outcome, err := h.service.ValidateLine(r.Context(), req.SubjectID, req.Context, req.Line, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type submitRequest struct {
	SubjectID   string                    `json:"subject_id"`
	RequesterID string                    `json:"requester_id"`
	LineID      string                    `json:"line_id"`
	Line        *repository.CandidateLine `json:"line"`
	Context     expression.Context        `json:"context"`
}

type submitResponse struct {
	Request *repository.ApprovalRequest `json:"request,omitempty"`
	Outcome *validator.Outcome          `json:"validation,omitempty"`
}

// SubmitRequest handles submit requests. A line that fails validation is
// answered with 422 and the full validation outcome.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	requester := req.RequesterID
	if requester == "" {
		requester = r.Header.Get(UserIDHeader)
	}

	created, outcome, err := h.service.SubmitRequest(r.Context(), service.SubmitInput{
		SubjectID:   req.SubjectID,
		RequesterID: requester,
		LineID:      req.LineID,
		Line:        req.Line,
		Context:     req.Context,
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeValidationFailed) && outcome != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      err.Error(),
				"code":       errors.ErrCodeValidationFailed,
				"validation": outcome,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Request: created, Outcome: outcome})
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetHistory handles history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// ── Transitions ───────────────────────────────────────────────────────────────

type actionRequest struct {
	ActorID string `json:"actor_id"`
	Comment string `json:"comment"`
}

// Approve handles approve HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string, in actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Approve(r.Context(), id, in.ActorID, in.Comment)
	})
}

// Reject handles reject HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string, in actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Reject(r.Context(), id, in.ActorID, in.Comment)
	})
}

// View handles view HTTP requests
func (h *HTTPHandler) View(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string, in actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.View(r.Context(), id, in.ActorID)
	})
}

// Cancel handles cancel HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id string, in actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Cancel(r.Context(), id, in.ActorID)
	})
}

func (h *HTTPHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(id string, in actionRequest) (*repository.ApprovalRequest, error),
) {
	var in actionRequest
	if !decodeOptional(w, r, &in) {
		return
	}
	if in.ActorID == "" {
		in.ActorID = r.Header.Get(UserIDHeader)
	}
	if strings.TrimSpace(in.ActorID) == "" {
		h.writeError(w, r, errors.InvalidInput("actor_id", "actor id is required"))
		return
	}

	req, err := apply(chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ── Queries and maintenance ───────────────────────────────────────────────────

// GetPendingApprovals handles pending approval HTTP requests
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(UserIDHeader)
	}

	pending, err := h.service.GetPendingApprovals(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending, "count": len(pending)})
}

// InvalidateRules drops cached rules for a subject, or all of them when no
// subject is given.
func (h *HTTPHandler) InvalidateRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.service.InvalidateRules(req.SubjectID)
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	code := errors.CodeOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		message = "internal error"
	}

	body := map[string]any{"error": message, "code": code}
	var coded *errors.Error
	if errors.As(err, &coded) && coded.Field != "" {
		body["field"] = coded.Field
	}
	writeJSON(w, status, body)
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeParse:
		return http.StatusBadRequest
	case errors.ErrCodeNotAuthorized, errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeAlreadyFinalized, errors.ErrCodeAlreadyActed,
		errors.ErrCodeConflict, errors.ErrCodeConcurrencyConflict:
		return http.StatusConflict
	case errors.ErrCodeValidationFailed, errors.ErrCodeCommentRequired:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "code": errors.ErrCodeInvalidInput})
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || err == io.EOF {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "code": errors.ErrCodeInvalidInput})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
