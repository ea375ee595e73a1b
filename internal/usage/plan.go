package usage

import (
	"strings"
	"time"
)

// Plan is a subscription tier that determines the lab time allowance
// per rolling period.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// operatorPrincipal always resolves to the premium plan. Escape hatch for
// operator-driven demos on shared lab environments.
const operatorPrincipal = "labuser"

// Limits holds the quota knobs for all plans.
type Limits struct {
	FreeSeconds    int64
	PremiumSeconds int64
	PeriodLength   time.Duration
	PremiumRole    string
}

// NewLimits normalizes the raw configuration values: negative hour counts
// are treated as zero, the period is at least one day, and the premium role
// is lower-cased for case-insensitive comparison.
func NewLimits(freeHours, premiumHours, periodDays int64, premiumRole string) Limits {
	if freeHours < 0 {
		freeHours = 0
	}
	if premiumHours < 0 {
		premiumHours = 0
	}
	if periodDays < 1 {
		periodDays = 1
	}
	role := strings.ToLower(strings.TrimSpace(premiumRole))
	if role == "" {
		role = "premium"
	}
	return Limits{
		FreeSeconds:    freeHours * 3600,
		PremiumSeconds: premiumHours * 3600,
		PeriodLength:   time.Duration(periodDays) * 24 * time.Hour,
		PremiumRole:    role,
	}
}

// Allowance returns the per-period allowance in seconds for the given plan.
func (l Limits) Allowance(plan Plan) int64 {
	if plan == PlanPremium {
		return l.PremiumSeconds
	}
	return l.FreeSeconds
}
