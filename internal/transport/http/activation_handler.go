package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"redeemcli/internal/activation"
	apierrors "redeemcli/internal/errors"
	"redeemcli/internal/infrastructure"
	"redeemcli/internal/middleware"
	"redeemcli/internal/services"
	"redeemcli/internal/store"
	api "redeemcli/pkg/contracts/api/v1"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxWait             = 60 * time.Second
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ActivationHandler handles activation-related HTTP requests
type ActivationHandler struct {
	service   ActivationService
	validator *middleware.Validator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewActivationHandler creates a new activation handler
func NewActivationHandler(service ActivationService, validator *middleware.Validator, errHandler *apierrors.ErrorHandler, logger *slog.Logger) *ActivationHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivationHandler{
		service:   service,
		validator: validator,
		errors:    errHandler,
		logger:    logger.With(slog.String("handler", "activations")),
		tracer:    otel.Tracer("redeemcli/transport/http"),
		now:       time.Now,
	}
}

// Routes returns a chi router for activation endpoints
func (h *ActivationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Start)
	r.Post("/resolve", h.Resolve)
	r.Get("/history", h.History)
	r.Get("/history.xlsx", h.ExportHistory)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)

	return r
}

// Start handles POST /api/activations
func (h *ActivationHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req api.ActivationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "activation.start",
		trace.WithAttributes(
			attribute.String("activation.method", req.Method),
			attribute.Int("activation.keys", countKeys(req)),
		))
	defer span.End()

	snap, err := h.service.Start(ctx, services.StartRequest{
		Source:          toSource(req),
		AllowConversion: req.AllowConversion,
	})
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.errors.HandleError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("run.id", snap.ID))

	w.Header().Set("Location", "/api/activations/"+snap.ID)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, snap)
}

// Resolve handles POST /api/activations/resolve. Nothing is started; the
// normalized activation is returned so clients can confirm it first.
func (h *ActivationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req api.ActivationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	pending, err := h.service.Resolve(toSource(req))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, pending)
}

// List handles GET /api/activations
func (h *ActivationHandler) List(w http.ResponseWriter, r *http.Request) {
	runs := h.service.List()
	render.JSON(w, r, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// Get handles GET /api/activations/{id}. With ?wait=<duration> it blocks
// until the run finishes or the wait elapses, whichever is first.
func (h *ActivationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wait, err := waitParam(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if wait == 0 {
		snap, err := h.service.Get(id)
		if err != nil {
			h.errors.HandleError(w, r, err)
			return
		}
		render.JSON(w, r, snap)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	snap, err := h.service.Wait(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, snap)
}

// Cancel handles POST /api/activations/{id}/cancel
func (h *ActivationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, snap)
}

// History handles GET /api/activations/history
func (h *ActivationHandler) History(w http.ResponseWriter, r *http.Request) {
	records, ok := h.history(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// ExportHistory handles GET /api/activations/history.xlsx
func (h *ActivationHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	records, ok := h.history(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := store.WriteXLSX(&buf, records); err != nil {
		h.errors.HandleError(w, r, fmt.Errorf("export history: %w", err))
		return
	}

	filename := fmt.Sprintf("activations-%s.xlsx", h.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "export_write_failed", slog.String("error", err.Error()))
	}
}

func (h *ActivationHandler) history(w http.ResponseWriter, r *http.Request) ([]activation.ActivationRecord, bool) {
	limit, err := middleware.QueryInt(r, "limit", 1, maxHistoryLimit, defaultHistoryLimit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return nil, false
	}
	records, err := h.service.History(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, fmt.Errorf("list history: %w", err))
		return nil, false
	}
	return records, true
}

func waitParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 || d > maxWait {
		return 0, apierrors.NewValidationErrors([]apierrors.ValidationError{{
			Field:   "wait",
			Message: fmt.Sprintf("wait must be a duration between 0s and %s", maxWait),
		}})
	}
	return d, nil
}

func toSource(req api.ActivationRequest) activation.Source {
	src := activation.Source{
		Method:         activation.Method(req.Method),
		URL:            strings.TrimSpace(req.URL),
		Message:        req.Message,
		SessionToken:   req.SessionToken,
		Key:            req.Key,
		Keys:           req.Keys,
		Region:         req.Region,
		ProductName:    req.ProductName,
		ImageURL:       req.ImageURL,
		Vendor:         req.Vendor,
		ProductID:      req.ProductID,
		ProductFamily:  req.ProductFamily,
		IsSubscription: req.IsSubscription,
		RegionAgnostic: req.RegionAgnostic,
	}
	if req.Order != nil {
		src.Order = activation.OrderMetadata{
			OrderID:     req.Order.OrderID,
			Email:       req.Order.Email,
			PurchasedAt: req.Order.PurchasedAt,
		}
	}
	return src
}

func countKeys(req api.ActivationRequest) int {
	n := len(req.Keys)
	if req.Key != "" {
		n++
	}
	return n
}
