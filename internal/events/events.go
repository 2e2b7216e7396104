package events

import (
	"context"
	"log"
	"sync"
	"time"

	"coupon-required-products/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCouponSaved is emitted when a coupon is created or updated
	EventCouponSaved EventType = "coupon.saved"
	// EventRequirementSaved is emitted when a coupon's required products change
	EventRequirementSaved EventType = "requirement.saved"
	// EventCouponValidated is emitted after every required-products check
	EventCouponValidated EventType = "coupon.validated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CouponSavedData contains data for coupon saved events.
type CouponSavedData struct {
	Coupon models.Coupon
}

// RequirementSavedData contains data for requirement saved events.
type RequirementSavedData struct {
	CouponID string
	Format   string
	Value    string
}

// CouponValidatedData contains data for coupon validated events.
type CouponValidatedData struct {
	CouponID  string
	Result    models.ValidationResult
	CheckedAt time.Time
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously and detached from the request's cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if m == nil {
		return
	}

	// Handlers are counted under the lock that Shutdown takes before waiting.
	m.mu.RLock()
	handlers := m.handlers[eventType]
	if !m.enabled || len(handlers) == 0 {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	ctx = context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				log.Printf("event handler for %s failed: %v", eventType, err)
			}
		}(handler)
	}
}

// PublishCouponSaved publishes a coupon saved event.
func (m *Manager) PublishCouponSaved(ctx context.Context, coupon models.Coupon) {
	m.Publish(ctx, EventCouponSaved, CouponSavedData{Coupon: coupon})
}

// PublishRequirementSaved publishes a requirement saved event.
func (m *Manager) PublishRequirementSaved(ctx context.Context, couponID, format, value string) {
	m.Publish(ctx, EventRequirementSaved, RequirementSavedData{
		CouponID: couponID,
		Format:   format,
		Value:    value,
	})
}

// PublishCouponValidated publishes a coupon validated event.
func (m *Manager) PublishCouponValidated(ctx context.Context, result models.ValidationResult) {
	m.Publish(ctx, EventCouponValidated, CouponValidatedData{
		CouponID:  result.CouponID,
		Result:    result,
		CheckedAt: time.Now(),
	})
}

// Wait blocks until every in-flight handler has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops delivery and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
