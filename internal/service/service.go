package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"coupon-required-products/internal/cache"
	"coupon-required-products/internal/database"
	"coupon-required-products/internal/events"
	"coupon-required-products/internal/features"
	"coupon-required-products/internal/i18n"
	"coupon-required-products/internal/metrics"
	"coupon-required-products/internal/models"
	"coupon-required-products/internal/requirement"
	"coupon-required-products/internal/tracing"
	"coupon-required-products/internal/validation"
)

var (
	// ErrCouponNotFound is returned when the coupon does not exist.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrLegacyFormatDisabled rejects legacy raw writes while the flag is off.
	ErrLegacyFormatDisabled = errors.New("legacy comma-separated values are not accepted")
)

const defaultCacheTTL = 5 * time.Minute

// Options holds the optional collaborators of a Service.
type Options struct {
	Cache    cache.Cache
	CacheTTL time.Duration
	Events   *events.Manager
	Features *features.Manager
}

// Service provides business logic for the coupon required-products API.
type Service struct {
	db       *database.DB
	cache    cache.Cache
	cacheTTL time.Duration
	events   *events.Manager
	features *features.Manager

	// generations counts requirement writes per coupon.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewService creates a service with caching and events switched off.
func NewService(db *database.DB) *Service {
	return NewServiceWithOptions(db, Options{})
}

// NewServiceWithOptions creates a service with the given collaborators.
func NewServiceWithOptions(db *database.DB, opts Options) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	flags := opts.Features
	if flags == nil {
		flags = features.NewDefaultManager(false, false, true)
	}
	return &Service{
		db:       db,
		cache:    opts.Cache,
		cacheTTL: ttl,
		events:   opts.Events,
		features: flags,

		generations: make(map[string]uint64),
	}
}

// CreateCoupon creates or updates a coupon.
func (s *Service) CreateCoupon(ctx context.Context, coupon models.Coupon) error {
	coupon.ID = normalizeCouponID(coupon.ID)
	if err := validation.ValidateCoupon(coupon); err != nil {
		return err
	}

	if err := s.db.UpsertCoupon(ctx, coupon); err != nil {
		return err
	}

	s.publish(func() { s.events.PublishCouponSaved(ctx, coupon) })
	return nil
}

// GetCoupon returns a coupon by ID.
func (s *Service) GetCoupon(ctx context.Context, couponID string) (models.Coupon, error) {
	couponID = normalizeCouponID(couponID)
	if err := validation.ValidateUUID(couponID, "coupon_id"); err != nil {
		return models.Coupon{}, err
	}

	coupon, err := s.db.GetCoupon(ctx, couponID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Coupon{}, ErrCouponNotFound
	}
	return coupon, err
}

// SaveRequiredProducts stores the admin picker selection as a versioned
// document with quantity 1 per product. An empty selection clears the
// restriction.
func (s *Service) SaveRequiredProducts(ctx context.Context, couponID string, productIDs []int64) (models.RequiredProductsResponse, error) {
	couponID = normalizeCouponID(couponID)
	if _, err := s.GetCoupon(ctx, couponID); err != nil {
		return models.RequiredProductsResponse{}, err
	}

	ids, err := validation.NormalizeProductIDs(productIDs)
	if err != nil {
		return models.RequiredProductsResponse{}, err
	}

	productList := make([]requirement.ProductID, len(ids))
	for i, id := range ids {
		productList[i] = requirement.ProductID(id)
	}

	value, err := requirement.Encode(productList)
	if err != nil {
		return models.RequiredProductsResponse{}, err
	}

	if err := s.storeRequirement(ctx, couponID, requirement.FormatVersioned, value); err != nil {
		return models.RequiredProductsResponse{}, err
	}

	req, err := requirement.Parse(value)
	if err != nil {
		return models.RequiredProductsResponse{}, fmt.Errorf("re-read saved requirement: %w", err)
	}
	return toResponse(couponID, req), nil
}

// ImportRequiredProducts stores a value written by an external producer. A
// JSON string is kept as legacy text; an object is kept as a versioned
// document. Documents with an unknown version are accepted and will fail
// closed at validation time.
func (s *Service) ImportRequiredProducts(ctx context.Context, couponID string, raw json.RawMessage) (models.RequiredProductsResponse, error) {
	couponID = normalizeCouponID(couponID)
	if _, err := s.GetCoupon(ctx, couponID); err != nil {
		return models.RequiredProductsResponse{}, err
	}

	value, format, err := decodeRawValue(raw)
	if err != nil {
		return models.RequiredProductsResponse{}, err
	}

	if format == requirement.FormatLegacy && !s.features.IsEnabled(features.FeatureLegacyFormatWrites) {
		return models.RequiredProductsResponse{}, ErrLegacyFormatDisabled
	}

	req, err := requirement.Parse(value)
	if err != nil && !errors.Is(err, requirement.ErrUnsupportedVersion) {
		return models.RequiredProductsResponse{}, fmt.Errorf("invalid required products value: %w", err)
	}

	if err := s.storeRequirement(ctx, couponID, format, value); err != nil {
		return models.RequiredProductsResponse{}, err
	}

	resp := toResponse(couponID, req)
	resp.Format = string(format)
	return resp, nil
}

// normalizeCouponID lowercases coupon IDs so lookups match however the
// caller spelled the UUID.
func normalizeCouponID(id string) string {
	return strings.ToLower(validation.SanitizeString(id))
}

// decodeRawValue turns the raw JSON payload into the text stored in the
// coupon meta table.
func decodeRawValue(raw json.RawMessage) (string, requirement.Format, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", requirement.FormatNone, &validation.ValidationError{Field: "value", Message: "is required"}
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", requirement.FormatNone, &validation.ValidationError{Field: "value", Message: "must be a string or an object"}
		}
		if strings.HasPrefix(strings.TrimSpace(text), "{") {
			return "", requirement.FormatNone, &validation.ValidationError{Field: "value", Message: "versioned documents must be sent as objects"}
		}
		return text, requirement.FormatLegacy, nil
	case '{':
		return trimmed, requirement.FormatVersioned, nil
	}
	return "", requirement.FormatNone, &validation.ValidationError{Field: "value", Message: "must be a string or an object"}
}

func (s *Service) storeRequirement(ctx context.Context, couponID string, format requirement.Format, value string) error {
	s.invalidate(ctx, couponID)

	if err := s.db.SetCouponMeta(ctx, couponID, database.RequiredProductsMetaKey, value); err != nil {
		return err
	}

	s.bumpGeneration(couponID)
	s.invalidate(ctx, couponID)

	metrics.RecordSave(string(format))
	s.publish(func() { s.events.PublishRequirementSaved(ctx, couponID, string(format), value) })
	return nil
}

// GetRequiredProducts returns the stored restriction of a coupon, for
// pre-filling the admin picker. Values that cannot be read come back with
// their format and no products.
func (s *Service) GetRequiredProducts(ctx context.Context, couponID string) (models.RequiredProductsResponse, error) {
	couponID = normalizeCouponID(couponID)
	if _, err := s.GetCoupon(ctx, couponID); err != nil {
		return models.RequiredProductsResponse{}, err
	}

	value, err := s.loadRequirement(ctx, couponID)
	if err != nil {
		return models.RequiredProductsResponse{}, err
	}

	req, err := requirement.Parse(value)
	if err != nil {
		log.Printf("coupon %s has an unreadable required products value: %v", couponID, err)
	}
	return toResponse(couponID, req), nil
}

// ValidateCoupon runs the required-products rule for one coupon application
// attempt. Invalid carts are reported in the result, not as errors; errors
// are reserved for bad input and storage failures.
func (s *Service) ValidateCoupon(ctx context.Context, couponID string, request models.ValidateCouponRequest, acceptLanguage string) (models.ValidationResult, error) {
	couponID = normalizeCouponID(couponID)
	ctx, span := tracing.GetTracer().StartSpan(ctx, "service.ValidateCoupon")
	defer span.End()
	span.SetAttributes(attribute.String("coupon.id", couponID))

	if err := validation.ValidateCartItems(request.CartItems); err != nil {
		return models.ValidationResult{}, err
	}

	if _, err := s.GetCoupon(ctx, couponID); err != nil {
		return models.ValidationResult{}, err
	}

	if request.IsValid != nil && !*request.IsValid {
		return models.ValidationResult{CouponID: couponID, Valid: false}, nil
	}

	value, err := s.loadRequirement(ctx, couponID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load requirement")
		return models.ValidationResult{}, err
	}

	items := make([]requirement.LineItem, len(request.CartItems))
	for i, item := range request.CartItems {
		items[i] = requirement.LineItem{
			ProductID: requirement.ProductID(item.ProductID),
			Quantity:  item.Quantity,
		}
	}

	outcome := requirement.Check(value, requirement.Aggregate(items))
	result := toValidationResult(couponID, outcome, acceptLanguage)

	label := metrics.OutcomeValid
	if !outcome.Valid {
		label = string(outcome.Reason)
	}
	metrics.RecordValidation(label)
	span.SetAttributes(
		attribute.Bool("coupon.valid", outcome.Valid),
		attribute.String("coupon.reason", string(outcome.Reason)),
	)

	s.publish(func() { s.events.PublishCouponValidated(ctx, result) })
	return result, nil
}

// loadRequirement reads the stored value, trying the cache first. A coupon
// without a stored value yields "".
func (s *Service) loadRequirement(ctx context.Context, couponID string) (string, error) {
	key := cache.RequirementKey(couponID)

	if s.cacheEnabled() {
		value, err := cache.GetString(ctx, s.cache, key)
		if err == nil {
			metrics.RecordCacheLookup(true)
			return value, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("requirement cache read for coupon %s failed: %v", couponID, err)
		}
		metrics.RecordCacheLookup(false)
	}

	gen := s.generation(couponID)
	value, err := s.db.GetCouponMeta(ctx, couponID, database.RequiredProductsMetaKey)
	if errors.Is(err, database.ErrNotFound) {
		value, err = "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load required products: %w", err)
	}

	if s.cacheEnabled() && s.generation(couponID) == gen {
		if err := cache.SetString(ctx, s.cache, key, value, s.cacheTTL); err != nil {
			log.Printf("requirement cache write for coupon %s failed: %v", couponID, err)
		} else if s.generation(couponID) != gen {
			// A save landed while the value was being cached.
			s.invalidate(ctx, couponID)
		}
	}

	return value, nil
}

func (s *Service) invalidate(ctx context.Context, couponID string) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.Delete(ctx, cache.RequirementKey(couponID)); err != nil {
		log.Printf("failed to invalidate requirement cache for coupon %s: %v", couponID, err)
	}
}

func (s *Service) generation(couponID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[couponID]
}

func (s *Service) bumpGeneration(couponID string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[couponID]++
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.features.IsEnabled(features.FeatureCacheEnabled)
}

func (s *Service) publish(fn func()) {
	if s.events != nil && s.features.IsEnabled(features.FeatureEventHooksEnabled) {
		fn()
	}
}

func toResponse(couponID string, req requirement.Requirement) models.RequiredProductsResponse {
	resp := models.RequiredProductsResponse{
		CouponID:   couponID,
		Format:     string(req.Format),
		Version:    req.Version,
		ProductIDs: []int64{},
		Products:   []models.RequiredProduct{},
	}
	for _, id := range req.ProductIDs() {
		resp.ProductIDs = append(resp.ProductIDs, int64(id))
		resp.Products = append(resp.Products, models.RequiredProduct{
			ProductID: int64(id),
			Quantity:  req.Products[id],
		})
	}
	return resp
}

func toValidationResult(couponID string, outcome requirement.Outcome, acceptLanguage string) models.ValidationResult {
	result := models.ValidationResult{CouponID: couponID, Valid: outcome.Valid}
	if outcome.Valid {
		return result
	}

	result.Reason = string(outcome.Reason)
	result.Message = i18n.ReasonMessage(acceptLanguage, outcome.Reason)
	for id, qty := range outcome.Missing {
		result.MissingProducts = append(result.MissingProducts, models.RequiredProduct{
			ProductID: int64(id),
			Quantity:  qty,
		})
	}
	sort.Slice(result.MissingProducts, func(i, j int) bool {
		return result.MissingProducts[i].ProductID < result.MissingProducts[j].ProductID
	})
	return result
}
