package periods

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes fiscal period administration endpoints. These bypass the
// gate: period state changes are the administrative act the gate enforces.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers period routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/periods", h.list)
	r.Post("/periods", h.create)
	r.Get("/periods/{id}", h.get)
	r.Post("/periods/{id}/close", h.close)
	r.Post("/periods/{id}/lock", h.lock)
}

type createPeriodRequest struct {
	Code       string `json:"code" validate:"required,max=32"`
	StartDate  string `json:"start_date" validate:"required"`
	EndDate    string `json:"end_date" validate:"required"`
	IsCritical bool   `json:"is_critical"`
	ActorID    int64  `json:"actor_id" validate:"required"`
}

type transitionRequest struct {
	ActorID int64 `json:"actor_id" validate:"required"`
}

type periodResponse struct {
	ID            int64  `json:"id"`
	Code          string `json:"code"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Status        string `json:"status"`
	IsCritical    bool   `json:"is_critical"`
	OverrideCount int    `json:"override_count"`
	ClosedAt      string `json:"closed_at,omitempty"`
	LockedAt      string `json:"locked_at,omitempty"`
}

func toPeriodResponse(p Period) periodResponse {
	resp := periodResponse{
		ID:            p.ID,
		Code:          p.Code,
		StartDate:     p.StartDate.UTC().Format("2006-01-02"),
		EndDate:       p.EndDate.UTC().Format("2006-01-02"),
		Status:        string(p.Status),
		IsCritical:    p.IsCritical,
		OverrideCount: p.OverrideCount,
	}
	if p.ClosedAt != nil {
		resp.ClosedAt = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	if p.LockedAt != nil {
		resp.LockedAt = p.LockedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	items, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(items))
	for _, p := range items {
		out = append(out, toPeriodResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	period, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "end_date must be YYYY-MM-DD")
		return
	}
	period, err := h.service.Create(r.Context(), CreateInput{
		Code:       req.Code,
		StartDate:  start,
		EndDate:    end,
		IsCritical: req.IsCritical,
		ActorID:    req.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPeriodResponse(period))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Close)
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Lock)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actorID int64) (Period, error)) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	period, err := op(r.Context(), id, req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
