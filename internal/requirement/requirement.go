package requirement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CurrentVersion is the only versioned document format the matcher understands.
const CurrentVersion = "1.0.0"

// ProductID identifies a catalog product.
type ProductID int64

// Spec maps each required product to the minimum quantity the cart must hold.
type Spec map[ProductID]int

// Format records which stored representation a requirement came from.
type Format string

const (
	FormatNone      Format = ""
	FormatLegacy    Format = "legacy"
	FormatVersioned Format = "versioned"
)

// Requirement is the normalized form of a stored required-products value.
type Requirement struct {
	Format   Format
	Version  string // versioned format only
	Products Spec
}

// IsEmpty reports whether the requirement restricts nothing.
func (r Requirement) IsEmpty() bool {
	return len(r.Products) == 0
}

// ProductIDs returns the required product IDs in ascending order.
func (r Requirement) ProductIDs() []ProductID {
	ids := make([]ProductID, 0, len(r.Products))
	for id := range r.Products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LineItem is a single cart row.
type LineItem struct {
	ProductID ProductID
	Quantity  int
}

// Cart maps each product to the total quantity across all of its line items.
type Cart map[ProductID]int

// Aggregate sums line item quantities per product.
func Aggregate(items []LineItem) Cart {
	cart := make(Cart, len(items))
	for _, item := range items {
		cart[item.ProductID] += item.Quantity
	}
	return cart
}

// Reason explains why a coupon was rejected.
type Reason string

const (
	ReasonUnmetRequirement  Reason = "unmet_requirement"
	ReasonUnsupportedSchema Reason = "unsupported_schema_version"
	ReasonMalformedConfig   Reason = "malformed_configuration"
)

// Message is the untranslated user-facing text for the reason. Schema and
// configuration problems share the generic message on purpose: shoppers
// cannot act on them.
func (r Reason) Message() string {
	if r == ReasonUnmetRequirement {
		return MessageRequiresProducts
	}
	return MessageNotValid
}

const (
	MessageRequiresProducts = "This coupon requires specific products in the cart."
	MessageNotValid         = "This coupon is not valid."
)

// Outcome is the result of checking a cart against a requirement.
type Outcome struct {
	Valid   bool
	Reason  Reason
	Missing Spec
}

// Err converts an invalid outcome into an *Error, or returns nil when valid.
func (o Outcome) Err() error {
	if o.Valid {
		return nil
	}
	return &Error{Reason: o.Reason, Missing: o.Missing}
}

func valid() Outcome {
	return Outcome{Valid: true}
}

func invalid(reason Reason, missing Spec) Outcome {
	return Outcome{Reason: reason, Missing: missing}
}

// Error carries an invalid outcome across error-returning boundaries.
type Error struct {
	Reason  Reason
	Missing Spec
}

func (e *Error) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("requirement: %s", e.Reason)
	}
	return fmt.Sprintf("requirement: %s (%d products missing)", e.Reason, len(e.Missing))
}

// Is matches on reason so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrUnmetRequirement       = &Error{Reason: ReasonUnmetRequirement}
	ErrUnsupportedVersion     = &Error{Reason: ReasonUnsupportedSchema}
	ErrMalformedConfiguration = &Error{Reason: ReasonMalformedConfig}
)

// Evaluate decides whether a cart satisfies a requirement. It never mutates
// its arguments.
func Evaluate(req Requirement, cart Cart) Outcome {
	if req.IsEmpty() {
		return valid()
	}

	if req.Format == FormatVersioned && req.Version != CurrentVersion {
		return invalid(ReasonUnsupportedSchema, nil)
	}

	missing := Spec{}
	for id, qty := range req.Products {
		if cart[id] < qty {
			missing[id] = qty
		}
	}

	if len(missing) == 0 {
		return valid()
	}
	return invalid(ReasonUnmetRequirement, missing)
}

// Check parses a stored value and evaluates it. Parse failures become
// invalid outcomes, so Check never fails.
func Check(raw string, cart Cart) Outcome {
	req, err := Parse(raw)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			return invalid(rerr.Reason, nil)
		}
		return invalid(ReasonMalformedConfig, nil)
	}
	return Evaluate(req, cart)
}

// versionedDocument is the envelope shared by every versioned format.
type versionedDocument struct {
	Version          string          `json:"version"`
	RequiredProducts json.RawMessage `json:"required_products"`
}

// Parse normalizes a stored value. JSON objects are read as versioned
// documents; anything else is legacy comma-separated text.
//
// Versioned documents with an unknown version are returned as-is when their
// products can still be read, so Evaluate rejects them; otherwise Parse
// returns ErrUnsupportedVersion directly.
func Parse(raw string) (Requirement, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Requirement{}, nil
	}

	switch trimmed[0] {
	case '{':
		return parseVersioned([]byte(trimmed))
	case '[', '"':
		return Requirement{}, fmt.Errorf("stored value is JSON but not an object: %w", ErrMalformedConfiguration)
	}
	return parseLegacy(trimmed)
}

func parseLegacy(text string) (Requirement, error) {
	products := Spec{}
	for _, token := range strings.Split(text, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil || id < 0 {
			return Requirement{}, fmt.Errorf("legacy product id %q: %w", token, ErrMalformedConfiguration)
		}
		products[ProductID(id)] = 1
	}
	return Requirement{Format: FormatLegacy, Products: products}, nil
}

func parseVersioned(data []byte) (Requirement, error) {
	var doc versionedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Requirement{}, fmt.Errorf("versioned document: %v: %w", err, ErrMalformedConfiguration)
	}

	req := Requirement{Format: FormatVersioned, Version: doc.Version}
	if emptyJSON(doc.RequiredProducts) {
		return req, nil
	}

	if doc.Version != CurrentVersion {
		var products Spec
		if err := json.Unmarshal(doc.RequiredProducts, &products); err != nil || len(products) == 0 {
			return Requirement{}, fmt.Errorf("version %q: %w", doc.Version, ErrUnsupportedVersion)
		}
		req.Products = products
		return req, nil
	}

	if err := validateV1(data); err != nil {
		return Requirement{}, err
	}

	var products Spec
	if err := json.Unmarshal(doc.RequiredProducts, &products); err != nil {
		return Requirement{}, fmt.Errorf("required_products: %v: %w", err, ErrMalformedConfiguration)
	}
	req.Products = products
	return req, nil
}

// emptyJSON treats absent, null, {} and [] as "nothing configured". Empty
// arrays show up when the list was serialized by a producer that does not
// distinguish lists from maps.
func emptyJSON(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return false
	}
	switch compact.String() {
	case "null", "{}", "[]":
		return true
	}
	return false
}

// Encode builds the versioned document the admin form stores: every selected
// product with quantity 1.
func Encode(ids []ProductID) (string, error) {
	products := make(map[string]int, len(ids))
	for _, id := range ids {
		if id < 0 {
			return "", fmt.Errorf("product id %d: %w", id, ErrMalformedConfiguration)
		}
		products[strconv.FormatInt(int64(id), 10)] = 1
	}

	data, err := json.Marshal(struct {
		Version          string         `json:"version"`
		RequiredProducts map[string]int `json:"required_products"`
	}{
		Version:          CurrentVersion,
		RequiredProducts: products,
	})
	if err != nil {
		return "", fmt.Errorf("encode requirement: %w", err)
	}
	return string(data), nil
}
