package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"coupon-required-products/internal/models"
	"coupon-required-products/internal/requirement"
	"coupon-required-products/internal/service"
	"coupon-required-products/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts the coupon endpoints. admin wraps the routes that change
// coupon configuration.
func (h *Handler) Routes(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Route("/coupons", func(r chi.Router) {
		r.With(admin).Post("/", h.CreateCoupon)

		r.Route("/{coupon_id}", func(r chi.Router) {
			r.Get("/", h.GetCoupon)
			r.Get("/required-products", h.GetRequiredProducts)
			r.With(admin).Put("/required-products", h.SaveRequiredProducts)
			r.With(admin).Put("/required-products/raw", h.ImportRequiredProducts)
			r.Post("/validate", h.ValidateCoupon)
		})
	})
}

// CreateCoupon handles POST /coupons
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req models.Coupon
	if !h.decodeBody(w, r, &req) {
		return
	}

	req.ID = strings.ToLower(validation.SanitizeString(req.ID))
	req.Code = validation.SanitizeString(req.Code)

	if err := h.service.CreateCoupon(r.Context(), req); err != nil {
		h.respondServiceError(w, err)
		return
	}

	coupon, err := h.service.GetCoupon(r.Context(), req.ID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, coupon)
}

// GetCoupon handles GET /coupons/{coupon_id}
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.service.GetCoupon(r.Context(), couponIDParam(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, coupon)
}

// GetRequiredProducts handles GET /coupons/{coupon_id}/required-products
func (h *Handler) GetRequiredProducts(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetRequiredProducts(r.Context(), couponIDParam(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// SaveRequiredProducts handles PUT /coupons/{coupon_id}/required-products
func (h *Handler) SaveRequiredProducts(w http.ResponseWriter, r *http.Request) {
	var req models.SaveRequiredProductsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.SaveRequiredProducts(r.Context(), couponIDParam(r), req.ProductIDs)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// ImportRequiredProducts handles PUT /coupons/{coupon_id}/required-products/raw
func (h *Handler) ImportRequiredProducts(w http.ResponseWriter, r *http.Request) {
	var req models.RawRequirementRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.ImportRequiredProducts(r.Context(), couponIDParam(r), req.Value)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// ValidateCoupon handles POST /coupons/{coupon_id}/validate
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateCouponRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.ValidateCoupon(r.Context(), couponIDParam(r), req, r.Header.Get("Accept-Language"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	h.respondJSON(w, status, result)
}

func couponIDParam(r *http.Request) string {
	return strings.ToLower(validation.SanitizeString(chi.URLParam(r, "coupon_id")))
}

// decodeBody reads a size-limited JSON body into dst, answering 400 itself
// when it cannot.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxErr):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondServiceError maps service errors onto HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCouponNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrLegacyFormatDisabled),
		errors.Is(err, requirement.ErrMalformedConfiguration):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("request failed: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
