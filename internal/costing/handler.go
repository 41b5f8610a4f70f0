package costing

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes costing policy and batch endpoints.
type Handler struct {
	logger   *slog.Logger
	guard    *Guard
	store    *Store
	engine   *Engine
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, guard *Guard, store *Store, engine *Engine) *Handler {
	return &Handler{
		logger:   logger,
		guard:    guard,
		store:    store,
		engine:   engine,
		validate: validator.New(),
	}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Put("/products/{productID}/costing-method", h.setMethod)
	r.Put("/products/{productID}/standard-cost", h.setStandardCost)
	r.Get("/products/{productID}/cost-batches", h.listBatches)
	r.Get("/products/{productID}/average-cost", h.averageCost)
	r.Post("/products/{productID}/cogs-preview", h.cogsPreview)
}

type setMethodRequest struct {
	Method  string `json:"method" validate:"required,oneof=fifo lifo average standard"`
	ActorID int64  `json:"actor_id" validate:"required"`
}

type setStandardCostRequest struct {
	StandardCost decimal.Decimal `json:"standard_cost" validate:"required"`
	ActorID      int64           `json:"actor_id" validate:"required"`
}

type cogsPreviewRequest struct {
	Quantity float64 `json:"quantity" validate:"required,gt=0"`
	SaleDate string  `json:"sale_date" validate:"required"`
}

type policyResponse struct {
	Method              string          `json:"method,omitempty"`
	IsLocked            bool            `json:"is_locked"`
	LockedAt            string          `json:"locked_at,omitempty"`
	LockedOnPurchaseRef string          `json:"locked_on_purchase_ref,omitempty"`
	StandardCost        decimal.Decimal `json:"standard_cost"`
}

type batchResponse struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	QuantityRemaining float64         `json:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	AcquiredAt        string          `json:"acquired_at"`
	SourceReference   string          `json:"source_reference,omitempty"`
}

func toPolicyResponse(p Policy) policyResponse {
	resp := policyResponse{
		Method:              string(p.Method),
		IsLocked:            p.IsLocked,
		LockedOnPurchaseRef: p.LockedOnPurchaseRef,
		StandardCost:        p.StandardCost,
	}
	if p.LockedAt != nil {
		resp.LockedAt = p.LockedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toBatchResponse(b CostBatch) batchResponse {
	return batchResponse{
		ID:                b.ID,
		ProductID:         b.ProductID,
		QuantityRemaining: b.QuantityRemaining,
		UnitCost:          b.UnitCost,
		AcquiredAt:        b.AcquiredAt.UTC().Format(time.RFC3339),
		SourceReference:   b.SourceReference,
	}
}

func (h *Handler) setMethod(w http.ResponseWriter, r *http.Request) {
	productID, ok := productParam(w, r)
	if !ok {
		return
	}
	var req setMethodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	policy, err := h.guard.SetCostingMethod(r.Context(), productID, Method(req.Method), req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPolicyResponse(policy))
}

func (h *Handler) setStandardCost(w http.ResponseWriter, r *http.Request) {
	productID, ok := productParam(w, r)
	if !ok {
		return
	}
	var req setStandardCostRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	policy, err := h.guard.SetStandardCost(r.Context(), productID, req.StandardCost, req.ActorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPolicyResponse(policy))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	productID, ok := productParam(w, r)
	if !ok {
		return
	}
	batches, err := h.store.ListBatches(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) averageCost(w http.ResponseWriter, r *http.Request) {
	productID, ok := productParam(w, r)
	if !ok {
		return
	}
	avg, err := h.store.AverageCost(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":   productID,
		"average_cost": avg,
	})
}

// cogsPreview runs the cost calculation without consuming batches or
// persisting anything. Useful for quoting margin before the sale posts.
func (h *Handler) cogsPreview(w http.ResponseWriter, r *http.Request) {
	productID, ok := productParam(w, r)
	if !ok {
		return
	}
	var req cogsPreviewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	saleDate, err := time.Parse("2006-01-02", req.SaleDate)
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "sale_date must be YYYY-MM-DD")
		return
	}
	snapshot, err := h.engine.Preview(r.Context(), productID, req.Quantity, saleDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snapshot)
}

func productParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "productID must be a positive integer")
		return 0, false
	}
	return id, true
}
