package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coupon-required-products/internal/models"
)

func TestPublish_DeliversToSubscribers(t *testing.T) {
	m := NewManager(true)

	var calls atomic.Int32
	var gotCoupon atomic.Value
	m.Subscribe(EventCouponValidated, func(ctx context.Context, e Event) error {
		calls.Add(1)
		gotCoupon.Store(e.Data.(CouponValidatedData).CouponID)
		return nil
	})
	m.Subscribe(EventCouponValidated, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("handler failure is logged, not propagated")
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.PublishCouponValidated(ctx, models.ValidationResult{CouponID: "c-1", Valid: true})
	cancel()
	m.Wait()

	if calls.Load() != 2 {
		t.Errorf("Expected 2 handler calls, got %d", calls.Load())
	}
	if gotCoupon.Load() != "c-1" {
		t.Errorf("Expected coupon c-1, got %v", gotCoupon.Load())
	}
}

func TestPublish_Disabled(t *testing.T) {
	m := NewManager(false)

	var calls atomic.Int32
	m.Subscribe(EventRequirementSaved, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.PublishRequirementSaved(context.Background(), "c-1", "versioned", "{}")
	m.Wait()

	if calls.Load() != 0 {
		t.Errorf("Expected no calls when disabled, got %d", calls.Load())
	}
}

func TestShutdown_StopsDelivery(t *testing.T) {
	m := NewManager(true)

	var calls atomic.Int32
	m.Subscribe(EventCouponSaved, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.Shutdown()
	m.PublishCouponSaved(context.Background(), models.Coupon{ID: "c-1"})
	m.Wait()

	if calls.Load() != 0 {
		t.Errorf("Expected no calls after shutdown, got %d", calls.Load())
	}
}

func TestShutdown_WaitsForConcurrentPublishes(t *testing.T) {
	m := NewManager(true)

	var started, finished atomic.Int32
	m.Subscribe(EventCouponSaved, func(ctx context.Context, e Event) error {
		started.Add(1)
		time.Sleep(time.Millisecond)
		finished.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.PublishCouponSaved(context.Background(), models.Coupon{ID: "c-1"})
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	m.Shutdown()

	// Every handler counted before Shutdown returned must have completed.
	if s, f := started.Load(), finished.Load(); s != f {
		t.Errorf("Expected all started handlers to finish before Shutdown returned, started=%d finished=%d", s, f)
	}

	wg.Wait()
	m.Wait()
}

func TestPublish_NilManager(t *testing.T) {
	var m *Manager
	m.PublishCouponSaved(context.Background(), models.Coupon{})
}
