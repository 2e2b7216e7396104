package models

import (
	"encoding/json"
	"time"
)

// Coupon represents a discount code that may carry usage restrictions.
type Coupon struct {
	ID        string    `json:"id"`   // uuid
	Code      string    `json:"code"` // e.g. "SUMMER25"
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CartItem is a single cart line as sent by the checkout pipeline.
type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// RequiredProduct is one entry of a coupon's required-products list.
type RequiredProduct struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// RequiredProductsResponse describes the stored restriction for a coupon.
type RequiredProductsResponse struct {
	CouponID   string            `json:"coupon_id"`
	Format     string            `json:"format,omitempty"`  // "legacy" or "versioned"
	Version    string            `json:"version,omitempty"` // versioned format only
	ProductIDs []int64           `json:"product_ids"`
	Products   []RequiredProduct `json:"products"`
}

// SaveRequiredProductsRequest is the admin form payload.
type SaveRequiredProductsRequest struct {
	ProductIDs []int64 `json:"product_ids"`
}

// RawRequirementRequest carries a stored value written by an external
// producer: a JSON string is legacy comma-separated text, an object is a
// versioned document.
type RawRequirementRequest struct {
	Value json.RawMessage `json:"value"`
}

// ValidateCouponRequest is sent by the checkout pipeline for every coupon
// application attempt.
type ValidateCouponRequest struct {
	CartItems []CartItem `json:"cart_items"`
	// IsValid carries the verdict of earlier pipeline rules; false short-circuits.
	IsValid *bool `json:"is_valid,omitempty"`
}

// ValidationResult is the response payload for a coupon check.
type ValidationResult struct {
	CouponID        string            `json:"coupon_id"`
	Valid           bool              `json:"valid"`
	Reason          string            `json:"reason,omitempty"`
	Message         string            `json:"message,omitempty"`
	MissingProducts []RequiredProduct `json:"missing_products,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
