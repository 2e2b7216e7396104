package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"coupon-required-products/internal/models"
)

const (
	maxCartItems       = 500
	maxRequiredProduct = 1000
	maxLineQuantity    = 100_000
)

var (
	uuidRegex       = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	couponCodeRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateCoupon(coupon models.Coupon) error {
	if err := ValidateUUID(coupon.ID, "id"); err != nil {
		return err
	}

	if coupon.Code == "" {
		return &ValidationError{
			Field:   "code",
			Message: "is required",
		}
	}

	if !couponCodeRegex.MatchString(coupon.Code) {
		return &ValidationError{
			Field:   "code",
			Message: "must be 1-64 letters, digits, '-' or '_'",
		}
	}

	return nil
}

func ValidateCartItems(items []models.CartItem) error {
	if len(items) > maxCartItems {
		return &ValidationError{
			Field:   "cart_items",
			Message: fmt.Sprintf("cannot contain more than %d items", maxCartItems),
		}
	}

	for i, item := range items {
		if item.ProductID < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("cart_items[%d].product_id", i),
				Message: "must be non-negative",
			}
		}

		if item.Quantity <= 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("cart_items[%d].quantity", i),
				Message: "must be positive",
			}
		}

		if item.Quantity > maxLineQuantity {
			return &ValidationError{
				Field:   fmt.Sprintf("cart_items[%d].quantity", i),
				Message: "exceeds maximum allowed quantity",
			}
		}
	}

	return nil
}

// NormalizeProductIDs validates the admin picker selection and drops
// duplicates, keeping first-seen order.
func NormalizeProductIDs(ids []int64) ([]int64, error) {
	if len(ids) > maxRequiredProduct {
		return nil, &ValidationError{
			Field:   "product_ids",
			Message: fmt.Sprintf("cannot contain more than %d products", maxRequiredProduct),
		}
	}

	seen := make(map[int64]bool, len(ids))
	result := make([]int64, 0, len(ids))
	for i, id := range ids {
		if id < 0 {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("product_ids[%d]", i),
				Message: "must be non-negative",
			}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}

	return result, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}
