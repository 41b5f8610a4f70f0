package procurement

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes purchase posting endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/purchases", h.postPurchase)
}

type postPurchaseRequest struct {
	ProductID    int64           `json:"product_id" validate:"required"`
	Quantity     float64         `json:"quantity" validate:"required,gt=0"`
	UnitCost     decimal.Decimal `json:"unit_cost" validate:"required"`
	PurchaseDate string          `json:"purchase_date" validate:"required"`
	Reference    string          `json:"reference" validate:"required,max=64"`
	ActorID      int64           `json:"actor_id" validate:"required"`
	OverrideID   string          `json:"override_id" validate:"omitempty,uuid"`
}

type postPurchaseResponse struct {
	Reference     string          `json:"reference"`
	ProductID     int64           `json:"product_id"`
	CurrentStock  float64         `json:"current_stock"`
	BatchID       int64           `json:"batch_id"`
	BatchUnitCost decimal.Decimal `json:"batch_unit_cost"`
	CostingMethod string          `json:"costing_method,omitempty"`
	MethodLocked  bool            `json:"costing_method_locked"`
}

func (h *Handler) postPurchase(w http.ResponseWriter, r *http.Request) {
	var req postPurchaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", err.Error())
		return
	}
	purchaseDate, err := time.Parse("2006-01-02", req.PurchaseDate)
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "purchase_date must be YYYY-MM-DD")
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
	result, err := h.service.PostPurchase(r.Context(), PostPurchaseInput{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		UnitCost:     req.UnitCost,
		PurchaseDate: purchaseDate,
		Reference:    req.Reference,
		ActorID:      req.ActorID,
		OverrideID:   overrideID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, postPurchaseResponse{
		Reference:     result.Reference,
		ProductID:     result.Record.ProductID,
		CurrentStock:  result.Record.CurrentStock,
		BatchID:       result.Batch.ID,
		BatchUnitCost: result.Batch.UnitCost,
		CostingMethod: string(result.Policy.Method),
		MethodLocked:  result.Policy.IsLocked,
	})
}
