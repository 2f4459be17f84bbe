package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"lmsbridge/internal/activation"
	bridgeErrors "lmsbridge/internal/errors"
	"lmsbridge/internal/services"
	"lmsbridge/internal/store"
)

var validate = validator.New()

// BridgeService is the service surface the handler depends on.
type BridgeService interface {
	Activate(ctx context.Context, activationCode string) (activation.ActivationResult, error)
	ActivateTenant(ctx context.Context, tenantID int64, activationCode string) (activation.ActivationResult, error)
	Status(ctx context.Context, force bool) (activation.StatusResult, error)
	Deactivate(ctx context.Context, reason string) error
	SetTenantExpiry(ctx context.Context, tenantID int64, expiry *time.Time, actorID int64, reevaluate bool) error
	Tenants(ctx context.Context) ([]store.TenantActivation, error)
	DispatchNow(ctx context.Context)
	Overview(ctx context.Context) (services.Overview, error)
}

// BridgeHandler serves the activation, tenant, and dispatch endpoints.
type BridgeHandler struct {
	service BridgeService
	logger  *slog.Logger
}

// NewBridgeHandler creates the handler.
func NewBridgeHandler(service BridgeService, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "bridge")),
	}
}

// Routes registers the handler's endpoints.
func (h *BridgeHandler) Routes(r chi.Router) {
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Get("/status", h.Status)
	r.Get("/overview", h.Overview)
	r.Post("/dispatch", h.Dispatch)
	r.Get("/tenants", h.Tenants)
	r.Post("/tenants/{tenantID}/activate", h.ActivateTenant)
	r.Put("/tenants/{tenantID}/expiry", h.TenantExpiry)
}

// ActivateRequest is the deployment activation payload.
type ActivateRequest struct {
	ActivationCode string `json:"activation_code" validate:"required,min=4"`
}

// Activate handles POST /activate.
func (h *BridgeHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, bridgeErrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, bridgeErrors.ErrValidation("activation_code", "activation code is required"))
		return
	}

	result, err := h.service.Activate(r.Context(), req.ActivationCode)
	if err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// TenantActivateRequest is the per-tenant activation payload.
type TenantActivateRequest struct {
	ActivationCode string `json:"activation_code" validate:"required,min=4"`
}

// ActivateTenant handles POST /tenants/{tenantID}/activate.
func (h *BridgeHandler) ActivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	var req TenantActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, bridgeErrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, bridgeErrors.ErrValidation("activation_code", "activation code is required"))
		return
	}

	result, err := h.service.ActivateTenant(r.Context(), tenantID, req.ActivationCode)
	if err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Status handles GET /status. ?force=true bypasses the poll interval.
func (h *BridgeHandler) Status(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	result, err := h.service.Status(r.Context(), force)
	if err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// DeactivateRequest carries the operator's reason for the audit log.
type DeactivateRequest struct {
	Reason string `json:"reason"`
}

// Deactivate handles POST /deactivate.
func (h *BridgeHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, bridgeErrors.InvalidRequestWithError(err))
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	if err := h.service.Deactivate(r.Context(), req.Reason); err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"deactivated": true})
}

// TenantExpiryRequest moves a tenant's expiry date. A null expiry_date
// clears the expiry; reevaluate recomputes the enabled flag from the new
// date.
type TenantExpiryRequest struct {
	ExpiryDate *string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Reevaluate bool    `json:"reevaluate"`
	ActorID    int64   `json:"actor_id"`
}

// TenantExpiry handles PUT /tenants/{tenantID}/expiry.
func (h *BridgeHandler) TenantExpiry(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	var req TenantExpiryRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, bridgeErrors.InvalidRequestWithError(err))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, bridgeErrors.ErrValidation("expiry_date", "expected YYYY-MM-DD"))
		return
	}

	var expiry *time.Time
	if req.ExpiryDate != nil {
		parsed, err := activation.ParseContractDate(*req.ExpiryDate)
		if err != nil {
			render.Render(w, r, bridgeErrors.ErrValidation("expiry_date", "expected YYYY-MM-DD"))
			return
		}
		expiry = parsed
	}

	if err := h.service.SetTenantExpiry(r.Context(), tenantID, expiry, req.ActorID, req.Reevaluate); err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"updated": true})
}

// Tenants handles GET /tenants.
func (h *BridgeHandler) Tenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.service.Tenants(r.Context())
	if err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"tenants": tenants})
}

// Overview handles GET /overview.
func (h *BridgeHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context())
	if err != nil {
		h.renderServiceError(w, r, err)
		return
	}
	render.JSON(w, r, overview)
}

// Dispatch handles POST /dispatch: one immediate dispatch cycle.
func (h *BridgeHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.service.DispatchNow(r.Context())
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]bool{"triggered": true})
}

func (h *BridgeHandler) tenantParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || tenantID <= 0 {
		render.Render(w, r, bridgeErrors.ErrValidation("tenantID", "must be a positive integer"))
		return 0, false
	}
	return tenantID, true
}

func (h *BridgeHandler) renderServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bridgeErrors.ErrModeMismatch):
		render.Render(w, r, bridgeErrors.NewWithDetails(http.StatusConflict, "MODE_MISMATCH",
			"Operation not available in this tenancy mode", err.Error()))
	case errors.Is(err, bridgeErrors.ErrTenantNotFound):
		render.Render(w, r, bridgeErrors.NotFoundError("tenant"))
	default:
		h.logger.Error("request failed",
			slog.String("action", "bridge_handler"),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, bridgeErrors.ErrInternalServer)
	}
}
