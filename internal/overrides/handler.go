package overrides

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the override approval workflow.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers override routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/overrides", h.request)
	r.Get("/overrides", h.listByPeriod)
	r.Get("/overrides/{id}", h.get)
	r.Post("/overrides/{id}/approve", h.approve)
	r.Post("/overrides/{id}/reject", h.reject)
	r.Post("/overrides/{id}/cancel", h.cancel)
}

type requestOverrideRequest struct {
	PeriodID    int64  `json:"period_id" validate:"required"`
	RequestedBy int64  `json:"requested_by" validate:"required"`
	Operation   string `json:"operation" validate:"required,max=64"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

type approveRequest struct {
	ApproverID int64  `json:"approver_id" validate:"required"`
	Note       string `json:"note" validate:"max=500"`
}

type rejectRequest struct {
	RejectorID int64  `json:"rejector_id" validate:"required"`
	Reason     string `json:"reason" validate:"required,max=500"`
}

type cancelRequest struct {
	ActorID int64 `json:"actor_id" validate:"required"`
}

type approvalResponse struct {
	ApproverID int64  `json:"approver_id"`
	Note       string `json:"note,omitempty"`
	At         string `json:"at"`
}

type overrideResponse struct {
	ID                string             `json:"id"`
	PeriodID          int64              `json:"period_id"`
	RequestedBy       int64              `json:"requested_by"`
	Operation         string             `json:"operation"`
	Reason            string             `json:"reason"`
	Status            string             `json:"status"`
	ApprovalsRequired int                `json:"approvals_required"`
	Approvals         []approvalResponse `json:"approvals"`
	ExpiresAt         string             `json:"expires_at,omitempty"`
	UsedAt            string             `json:"used_at,omitempty"`
	RejectReason      string             `json:"reject_reason,omitempty"`
	CreatedAt         string             `json:"created_at"`
}

func toOverrideResponse(o Override) overrideResponse {
	resp := overrideResponse{
		ID:                o.ID.String(),
		PeriodID:          o.PeriodID,
		RequestedBy:       o.RequestedBy,
		Operation:         o.Operation,
		Reason:            o.Reason,
		Status:            string(o.Status),
		ApprovalsRequired: o.ApprovalsRequired,
		Approvals:         make([]approvalResponse, 0, len(o.Approvals)),
		RejectReason:      o.RejectReason,
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, a := range o.Approvals {
		resp.Approvals = append(resp.Approvals, approvalResponse{
			ApproverID: a.ApproverID,
			Note:       a.Note,
			At:         a.At.UTC().Format(time.RFC3339),
		})
	}
	if o.ExpiresAt != nil {
		resp.ExpiresAt = o.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if o.UsedAt != nil {
		resp.UsedAt = o.UsedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	var req requestOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	o, err := h.service.Request(r.Context(), RequestInput{
		PeriodID:    req.PeriodID,
		RequestedBy: req.RequestedBy,
		Operation:   req.Operation,
		Reason:      req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOverrideResponse(o))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := overrideIDParam(w, r)
	if !ok {
		return
	}
	o, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOverrideResponse(o))
}

func (h *Handler) listByPeriod(w http.ResponseWriter, r *http.Request) {
	periodID, err := strconv.ParseInt(r.URL.Query().Get("period_id"), 10, 64)
	if err != nil || periodID <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "period_id query parameter required")
		return
	}
	items, err := h.service.ListByPeriod(r.Context(), periodID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]overrideResponse, 0, len(items))
	for _, o := range items {
		out = append(out, toOverrideResponse(o))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := overrideIDParam(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	o, err := h.service.Approve(r.Context(), id, req.ApproverID, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOverrideResponse(o))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := overrideIDParam(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	o, err := h.service.Reject(r.Context(), id, req.RejectorID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOverrideResponse(o))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := overrideIDParam(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	o, err := h.service.Cancel(r.Context(), id, req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOverrideResponse(o))
}

func overrideIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
