package sales

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes sale posting endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales", h.postSale)
	r.Get("/sales", h.listLines)
	r.Get("/sales/{id}", h.getLine)
}

type postSaleRequest struct {
	ProductID  int64           `json:"product_id" validate:"required"`
	Quantity   float64         `json:"quantity" validate:"required,gt=0"`
	UnitPrice  decimal.Decimal `json:"unit_price" validate:"required"`
	SaleDate   string          `json:"sale_date" validate:"required"`
	Reference  string          `json:"reference" validate:"required,max=64"`
	ActorID    int64           `json:"actor_id" validate:"required"`
	OverrideID string          `json:"override_id" validate:"omitempty,uuid"`
}

type saleLineResponse struct {
	ID         int64              `json:"id"`
	Reference  string             `json:"reference"`
	ProductID  int64              `json:"product_id"`
	Quantity   float64            `json:"quantity"`
	UnitPrice  decimal.Decimal    `json:"unit_price"`
	SaleDate   string             `json:"sale_date"`
	FrozenCost costing.FrozenCOGS `json:"frozen_cost"`
	PeriodID   int64              `json:"period_id,omitempty"`
	OverrideID string             `json:"override_id,omitempty"`
	PostedBy   int64              `json:"posted_by"`
	CreatedAt  string             `json:"created_at"`
}

func toSaleLineResponse(line SaleLine) saleLineResponse {
	resp := saleLineResponse{
		ID:         line.ID,
		Reference:  line.Reference,
		ProductID:  line.ProductID,
		Quantity:   line.Quantity,
		UnitPrice:  line.UnitPrice,
		SaleDate:   line.SaleDate.UTC().Format("2006-01-02"),
		FrozenCost: line.FrozenCost,
		PeriodID:   line.PeriodID,
		PostedBy:   line.PostedBy,
		CreatedAt:  line.CreatedAt.UTC().Format(time.RFC3339),
	}
	if line.OverrideID != nil {
		resp.OverrideID = line.OverrideID.String()
	}
	return resp
}

func (h *Handler) postSale(w http.ResponseWriter, r *http.Request) {
	var req postSaleRequest
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
	var overrideID *uuid.UUID
	if req.OverrideID != "" {
		id, err := uuid.Parse(req.OverrideID)
		if err != nil {
			httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "override_id must be a UUID")
			return
		}
		overrideID = &id
	}
	line, err := h.service.PostSale(r.Context(), PostSaleInput{
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		SaleDate:   saleDate,
		Reference:  req.Reference,
		ActorID:    req.ActorID,
		OverrideID: overrideID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSaleLineResponse(line))
}

func (h *Handler) getLine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "id must be a positive integer")
		return
	}
	line, err := h.service.GetLine(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSaleLineResponse(line))
}

func (h *Handler) listLines(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.ProblemCode(w, http.StatusBadRequest, shared.CodeValidation, "Validation failed", "product_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	lines, err := h.service.ListLines(r.Context(), productID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]saleLineResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, toSaleLineResponse(line))
	}
	httpx.JSON(w, http.StatusOK, out)
}
