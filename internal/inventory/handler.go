package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// GatePort validates a movement date against fiscal period lock state.
type GatePort interface {
	Validate(ctx context.Context, txDate time.Time, overrideID *uuid.UUID) (periods.Decision, error)
}

// Handler exposes stock record endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	gate     GatePort
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service, gate GatePort) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		gate:     gate,
		validate: validator.New(),
	}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/inventory/reorder-alerts", h.listReorderAlerts)
	r.Get("/inventory/{productID}", h.getRecord)
	r.Get("/inventory/{productID}/movements", h.listMovements)
	r.Post("/inventory/{productID}/movements", h.recordMovement)
	r.Post("/inventory/{productID}/reserve", h.reserve)
	r.Post("/inventory/{productID}/release", h.release)
}

type movementRequest struct {
	// Quantity carries no validate tag: adjustments to zero are legal and the
	// service owns the per-type quantity rules.
	Type       string  `json:"type" validate:"required,oneof=in out adjustment transfer return damage theft"`
	Quantity   float64 `json:"quantity"`
	Reason     string  `json:"reason"`
	Reference  string  `json:"reference"`
	Date       string  `json:"date" validate:"required"`
	ActorID    int64   `json:"actor_id" validate:"required"`
	OverrideID string  `json:"override_id" validate:"omitempty,uuid"`
}

type reservationRequest struct {
	Quantity float64 `json:"quantity" validate:"required,gt=0"`
}

type recordResponse struct {
	ProductID       int64   `json:"product_id"`
	CurrentStock    float64 `json:"current_stock"`
	ReservedStock   float64 `json:"reserved_stock"`
	AvailableStock  float64 `json:"available_stock"`
	ReorderPoint    float64 `json:"reorder_point"`
	ReorderQuantity float64 `json:"reorder_quantity"`
	Status          string  `json:"status"`
	Version         int64   `json:"version"`
	UpdatedAt       string  `json:"updated_at"`
}

type movementResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"product_id"`
	Type        string  `json:"type"`
	Quantity    float64 `json:"quantity"`
	Reason      string  `json:"reason,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	Date        string  `json:"date"`
	PerformedBy int64   `json:"performed_by"`
}

func toRecordResponse(rec Record) recordResponse {
	return recordResponse{
		ProductID:       rec.ProductID,
		CurrentStock:    rec.CurrentStock,
		ReservedStock:   rec.ReservedStock,
		AvailableStock:  rec.AvailableStock,
		ReorderPoint:    rec.ReorderPoint,
		ReorderQuantity: rec.ReorderQuantity,
		Status:          string(rec.Status),
		Version:         rec.Version,
		UpdatedAt:       rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toMovementResponse(m StockMovement) movementResponse {
	return movementResponse{
		ID:          m.ID,
		ProductID:   m.ProductID,
		Type:        string(m.Type),
		Quantity:    m.Quantity,
		Reason:      m.Reason,
		Reference:   m.Reference,
		Date:        m.Date.UTC().Format("2006-01-02"),
		PerformedBy: m.PerformedBy,
	}
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(rec))
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	movements, err := h.service.ListMovements(r.Context(), productID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, toMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listReorderAlerts(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListBelowReorderPoint(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// recordMovement posts a manual stock movement. The movement date runs
// through the period gate first; closed and locked periods reject it unless
// an approved override token accompanies the request.
func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "date must be YYYY-MM-DD")
		return
	}
	var overrideID *uuid.UUID
	if req.OverrideID != "" {
		id, err := uuid.Parse(req.OverrideID)
		if err != nil {
			httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "override_id must be a UUID")
			return
		}
		overrideID = &id
	}
	if _, err := h.gate.Validate(r.Context(), date, overrideID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.UpdateStock(r.Context(), productID, StockMovement{
		ProductID:   productID,
		Type:        MovementType(req.Type),
		Quantity:    req.Quantity,
		Reason:      req.Reason,
		Reference:   req.Reference,
		Date:        date,
		PerformedBy: req.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(rec))
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	h.adjustReservation(w, r, h.service.ReserveStock)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.adjustReservation(w, r, h.service.ReleaseStock)
}

func (h *Handler) adjustReservation(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, float64) (Record, error)) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	rec, err := op(r.Context(), productID, req.Quantity)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecordResponse(rec))
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "productID must be a positive integer")
		return 0, false
	}
	return id, true
}
