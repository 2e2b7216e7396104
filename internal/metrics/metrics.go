package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CouponValidations counts required-products evaluations by outcome.
	CouponValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_validations_total",
			Help: "Coupon required-products checks, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	// RequirementSaves counts stored requirement writes by format.
	RequirementSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_requirement_saves_total",
			Help: "Required-products configuration writes, labeled by stored format.",
		},
		[]string{"format"},
	)

	// RequirementCacheLookups counts cache hits and misses for stored requirements.
	RequirementCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_requirement_cache_lookups_total",
			Help: "Requirement cache lookups, labeled by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(CouponValidations, RequirementSaves, RequirementCacheLookups)
}

// OutcomeValid is the outcome label for carts that satisfy the requirement.
const OutcomeValid = "valid"

// RecordValidation increments the validation counter for an outcome label.
func RecordValidation(outcome string) {
	CouponValidations.WithLabelValues(outcome).Inc()
}

// RecordSave increments the save counter for a stored format.
func RecordSave(format string) {
	RequirementSaves.WithLabelValues(format).Inc()
}

// RecordCacheLookup increments the cache counter.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	RequirementCacheLookups.WithLabelValues(result).Inc()
}
