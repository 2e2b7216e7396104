package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"coupon-required-products/internal/cache"
	"coupon-required-products/internal/database"
	"coupon-required-products/internal/events"
	"coupon-required-products/internal/features"
	"coupon-required-products/internal/models"
	"coupon-required-products/internal/requirement"
	"coupon-required-products/internal/validation"
)

func setupTestDB(t *testing.T) *database.DB {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createCoupon(t *testing.T, svc *Service) string {
	t.Helper()
	id := uuid.New().String()
	if err := svc.CreateCoupon(context.Background(), models.Coupon{ID: id, Code: "SAVE10"}); err != nil {
		t.Fatalf("Failed to create coupon: %v", err)
	}
	return id
}

func cart(pairs ...int64) []models.CartItem {
	items := make([]models.CartItem, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		items = append(items, models.CartItem{ProductID: pairs[i], Quantity: int(pairs[i+1])})
	}
	return items
}

func validate(t *testing.T, svc *Service, couponID string, items []models.CartItem) models.ValidationResult {
	t.Helper()
	result, err := svc.ValidateCoupon(context.Background(), couponID, models.ValidateCouponRequest{CartItems: items}, "en")
	if err != nil {
		t.Fatalf("ValidateCoupon failed: %v", err)
	}
	return result
}

func importRaw(t *testing.T, svc *Service, couponID, raw string) {
	t.Helper()
	if _, err := svc.ImportRequiredProducts(context.Background(), couponID, json.RawMessage(raw)); err != nil {
		t.Fatalf("ImportRequiredProducts(%s) failed: %v", raw, err)
	}
}

func TestValidateCoupon_NoRestriction(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)

	result := validate(t, svc, couponID, nil)
	if !result.Valid {
		t.Errorf("Expected coupon without restriction to be valid, got %+v", result)
	}
}

func TestValidateCoupon_SavedSelection(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)

	resp, err := svc.SaveRequiredProducts(context.Background(), couponID, []int64{12, 34, 12})
	if err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}
	if resp.Version != requirement.CurrentVersion || len(resp.ProductIDs) != 2 {
		t.Fatalf("Unexpected save response: %+v", resp)
	}

	result := validate(t, svc, couponID, cart(12, 1, 34, 1, 99, 3))
	if !result.Valid {
		t.Errorf("Expected cart with all required products to be valid, got %+v", result)
	}

	result = validate(t, svc, couponID, cart(12, 1))
	if result.Valid {
		t.Fatal("Expected cart missing product 34 to be invalid")
	}
	if result.Reason != string(requirement.ReasonUnmetRequirement) {
		t.Errorf("Expected reason %s, got %s", requirement.ReasonUnmetRequirement, result.Reason)
	}
	if result.Message != requirement.MessageRequiresProducts {
		t.Errorf("Unexpected message %q", result.Message)
	}
	if len(result.MissingProducts) != 1 || result.MissingProducts[0].ProductID != 34 {
		t.Errorf("Expected product 34 missing, got %+v", result.MissingProducts)
	}
}

func TestValidateCoupon_QuantitiesAreSummedAcrossLines(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	importRaw(t, svc, couponID, `{"version":"1.0.0","required_products":{"12":2}}`)

	if result := validate(t, svc, couponID, cart(12, 1)); result.Valid {
		t.Error("Expected single unit to be insufficient")
	}
	if result := validate(t, svc, couponID, cart(12, 1, 12, 1)); !result.Valid {
		t.Errorf("Expected two lines of product 12 to satisfy quantity 2, got %+v", result)
	}
}

func TestValidateCoupon_LegacyValue(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	importRaw(t, svc, couponID, `"12, 34"`)

	if result := validate(t, svc, couponID, cart(12, 1, 34, 2)); !result.Valid {
		t.Errorf("Expected legacy requirement to be met, got %+v", result)
	}
	if result := validate(t, svc, couponID, cart(34, 1)); result.Valid {
		t.Error("Expected legacy requirement without product 12 to be invalid")
	}
}

func TestValidateCoupon_UnknownVersionFailsClosed(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	importRaw(t, svc, couponID, `{"version":"2.0.0","required_products":{"12":1}}`)

	result, err := svc.ValidateCoupon(context.Background(), couponID,
		models.ValidateCouponRequest{CartItems: cart(12, 5)}, "es")
	if err != nil {
		t.Fatalf("ValidateCoupon failed: %v", err)
	}
	if result.Valid || result.Reason != string(requirement.ReasonUnsupportedSchema) {
		t.Errorf("Expected unsupported schema outcome, got %+v", result)
	}
	if result.Message == "" || result.Message == requirement.MessageNotValid {
		t.Errorf("Expected translated message, got %q", result.Message)
	}
}

func TestValidateCoupon_EarlierVerdictShortCircuits(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)

	notValid := false
	result, err := svc.ValidateCoupon(context.Background(), couponID,
		models.ValidateCouponRequest{IsValid: &notValid}, "")
	if err != nil {
		t.Fatalf("ValidateCoupon failed: %v", err)
	}
	if result.Valid || result.Reason != "" {
		t.Errorf("Expected untouched invalid verdict, got %+v", result)
	}
}

func TestValidateCoupon_Errors(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	_, err := svc.ValidateCoupon(ctx, uuid.New().String(), models.ValidateCouponRequest{}, "")
	if !errors.Is(err, ErrCouponNotFound) {
		t.Errorf("Expected ErrCouponNotFound, got %v", err)
	}

	_, err = svc.ValidateCoupon(ctx, couponID, models.ValidateCouponRequest{CartItems: cart(12, 0)}, "")
	var vErr *validation.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("Expected validation error for zero quantity, got %v", err)
	}

	_, err = svc.ValidateCoupon(ctx, "not-a-uuid", models.ValidateCouponRequest{}, "")
	if !errors.As(err, &vErr) {
		t.Errorf("Expected validation error for bad coupon id, got %v", err)
	}
}

func TestImportRequiredProducts(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"legacy text", `"1,2,3"`, nil},
		{"versioned", `{"version":"1.0.0","required_products":{"7":2}}`, nil},
		{"unknown version", `{"version":"9.0.0","required_products":"opaque"}`, nil},
		{"malformed legacy", `"1,abc"`, requirement.ErrMalformedConfiguration},
		{"malformed versioned", `{"version":"1.0.0","required_products":{"7":"two"}}`, requirement.ErrMalformedConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ImportRequiredProducts(ctx, couponID, json.RawMessage(tt.raw))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	var vErr *validation.ValidationError
	for _, raw := range []string{`null`, `[1,2]`, `42`, `"{\"version\":\"1.0.0\"}"`} {
		if _, err := svc.ImportRequiredProducts(ctx, couponID, json.RawMessage(raw)); !errors.As(err, &vErr) {
			t.Errorf("Expected validation error for %s, got %v", raw, err)
		}
	}
}

func TestImportRequiredProducts_LegacyDisabled(t *testing.T) {
	flags := features.NewDefaultManager(false, false, false)
	svc := NewServiceWithOptions(setupTestDB(t), Options{Features: flags})
	couponID := createCoupon(t, svc)

	_, err := svc.ImportRequiredProducts(context.Background(), couponID, json.RawMessage(`"1,2"`))
	if !errors.Is(err, ErrLegacyFormatDisabled) {
		t.Errorf("Expected ErrLegacyFormatDisabled, got %v", err)
	}

	importRaw(t, svc, couponID, `{"version":"1.0.0","required_products":{"1":1}}`)
}

func TestGetRequiredProducts(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	resp, err := svc.GetRequiredProducts(ctx, couponID)
	if err != nil {
		t.Fatalf("GetRequiredProducts failed: %v", err)
	}
	if len(resp.ProductIDs) != 0 || resp.Format != "" {
		t.Errorf("Expected empty response, got %+v", resp)
	}

	importRaw(t, svc, couponID, `"34,12"`)
	resp, err = svc.GetRequiredProducts(ctx, couponID)
	if err != nil {
		t.Fatalf("GetRequiredProducts failed: %v", err)
	}
	if resp.Format != string(requirement.FormatLegacy) || len(resp.ProductIDs) != 2 || resp.ProductIDs[0] != 12 {
		t.Errorf("Unexpected response: %+v", resp)
	}

	if _, err := svc.GetRequiredProducts(ctx, uuid.New().String()); !errors.Is(err, ErrCouponNotFound) {
		t.Errorf("Expected ErrCouponNotFound, got %v", err)
	}
}

func TestSaveRequiredProducts_EmptyClearsRestriction(t *testing.T) {
	svc := NewService(setupTestDB(t))
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	if _, err := svc.SaveRequiredProducts(ctx, couponID, []int64{5}); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}
	if _, err := svc.SaveRequiredProducts(ctx, couponID, nil); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}

	if result := validate(t, svc, couponID, nil); !result.Valid {
		t.Errorf("Expected cleared restriction to be valid, got %+v", result)
	}
}

func TestValidateCoupon_CacheInvalidatedOnSave(t *testing.T) {
	store := cache.NewInMemoryCache()
	svc := NewServiceWithOptions(setupTestDB(t), Options{
		Cache:    store,
		CacheTTL: time.Minute,
		Features: features.NewDefaultManager(true, false, true),
	})
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	if result := validate(t, svc, couponID, nil); !result.Valid {
		t.Fatalf("Expected valid before any restriction, got %+v", result)
	}
	if _, err := store.Get(ctx, cache.RequirementKey(couponID)); err != nil {
		t.Fatalf("Expected requirement to be cached: %v", err)
	}

	if _, err := svc.SaveRequiredProducts(ctx, couponID, []int64{7}); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}
	if _, err := store.Get(ctx, cache.RequirementKey(couponID)); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected cache entry to be invalidated, got %v", err)
	}

	if result := validate(t, svc, couponID, nil); result.Valid {
		t.Error("Expected stale cached value not to be used after save")
	}
}

// racingCache runs onSet once, just before the first Set is applied, to
// interleave a write between a validation's store read and its cache fill.
type racingCache struct {
	cache.Cache
	onSet func()
}

func (c *racingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if fn := c.onSet; fn != nil {
		c.onSet = nil
		fn()
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func TestValidateCoupon_SaveDuringCacheFillIsNotLost(t *testing.T) {
	store := &racingCache{Cache: cache.NewInMemoryCache()}
	svc := NewServiceWithOptions(setupTestDB(t), Options{
		Cache:    store,
		CacheTTL: time.Minute,
		Features: features.NewDefaultManager(true, false, true),
	})
	couponID := createCoupon(t, svc)
	ctx := context.Background()

	if _, err := svc.SaveRequiredProducts(ctx, couponID, []int64{1}); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}

	store.onSet = func() {
		if _, err := svc.SaveRequiredProducts(ctx, couponID, []int64{2}); err != nil {
			t.Errorf("SaveRequiredProducts failed: %v", err)
		}
	}
	// Reads product 1 from the store; product 2 is saved while caching it.
	validate(t, svc, couponID, cart(1, 1))

	if result := validate(t, svc, couponID, cart(1, 1)); result.Valid {
		t.Error("Expected the requirement saved during the cache fill to be enforced")
	}
	if result := validate(t, svc, couponID, cart(2, 1)); !result.Valid {
		t.Errorf("Expected cart with product 2 to be valid, got %+v", result)
	}
}

func TestCouponIDsAreCaseInsensitive(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()
	id := uuid.New().String()
	upper := strings.ToUpper(id)

	if err := svc.CreateCoupon(ctx, models.Coupon{ID: upper, Code: "UPPER"}); err != nil {
		t.Fatalf("Failed to create coupon: %v", err)
	}

	for _, lookup := range []string{id, upper} {
		coupon, err := svc.GetCoupon(ctx, lookup)
		if err != nil {
			t.Fatalf("GetCoupon(%s) failed: %v", lookup, err)
		}
		if coupon.ID != id {
			t.Errorf("Expected stored id %s, got %s", id, coupon.ID)
		}
	}

	if _, err := svc.SaveRequiredProducts(ctx, upper, []int64{9}); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}
	if result := validate(t, svc, id, cart(9, 1)); !result.Valid {
		t.Errorf("Expected requirement saved under the uppercase id to apply, got %+v", result)
	}
}

func TestValidateCoupon_PublishesEvents(t *testing.T) {
	manager := events.NewManager(true)
	svc := NewServiceWithOptions(setupTestDB(t), Options{
		Events:   manager,
		Features: features.NewDefaultManager(false, true, true),
	})

	var (
		mu       sync.Mutex
		received []events.EventType
	)
	record := func(ctx context.Context, event events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event.Type)
		return nil
	}
	manager.Subscribe(events.EventCouponSaved, record)
	manager.Subscribe(events.EventRequirementSaved, record)
	manager.Subscribe(events.EventCouponValidated, record)

	couponID := createCoupon(t, svc)
	if _, err := svc.SaveRequiredProducts(context.Background(), couponID, []int64{1}); err != nil {
		t.Fatalf("SaveRequiredProducts failed: %v", err)
	}
	validate(t, svc, couponID, cart(1, 1))
	manager.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Errorf("Expected 3 events, got %v", received)
	}
}
