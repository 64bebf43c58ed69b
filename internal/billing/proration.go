package billing

import (
	"errors"
	"math"

	"github.com/marketfit/billingcore/internal/models"
)

// Expected business outcomes of proration and discount mapping. These are
// results to act on, not faults.
var (
	// ErrDowngradeRequested rejects a plan change to an equal or cheaper plan.
	ErrDowngradeRequested = errors.New("downgrades require manual processing, please contact support")
	// ErrDiscountTooHigh rejects remaining value above the automatic ceiling.
	ErrDiscountTooHigh = errors.New("remaining value exceeds the automatic discount ceiling, manual handling required")
)

// discountTiers is the ascending ladder of discount percentages a gateway
// offer can encode. Values above the last rung are never discounted
// automatically.
var discountTiers = []float64{1, 4, 7, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 67}

// DiscountTier maps a remaining-value percentage (0-100 scale) to the
// smallest ladder tier covering it. Percentages above the ceiling return
// ErrDiscountTooHigh.
func DiscountTier(pct float64, ceilingPct float64) (float64, error) {
	if ceilingPct <= 0 {
		ceilingPct = discountTiers[len(discountTiers)-1]
	}
	if pct > ceilingPct {
		return 0, ErrDiscountTooHigh
	}
	for _, tier := range discountTiers {
		if tier >= pct {
			return tier, nil
		}
	}
	return 0, ErrDiscountTooHigh
}

// Proration is the outcome of an advanced proration computation.
type Proration struct {
	ProratedAmount           float64 // Charge for the upgrade, minimum-floored.
	PriceDifference          float64 // New minus current plan amount.
	TimeConsumedPct          float64 // Elapsed fraction of the period.
	ResourceConsumedPct      float64 // Base-plan resource consumption fraction.
	BillingCycleConsumedPct  float64 // The larger of time and resource consumption.
	RemainingBillingCyclePct float64 // 1 - BillingCycleConsumedPct.
	Method                   string  // "time" or "resource", whichever dominated.
}

// AdvancedProration charges the plan price difference scaled by the unused
// fraction of the billing cycle, where "used" is the larger of time consumed
// and base-plan resources consumed. Positive charges below minimumCharge are
// raised to it. Equal or cheaper target plans return ErrDowngradeRequested.
func AdvancedProration(currentPlan, newPlan *models.Plan, cycle CycleInfo, utilization Utilization, minimumCharge float64) (Proration, error) {
	timeConsumed := 1 - cycle.TimeFactor
	resourceConsumed := utilization.BasePlanConsumedPct

	consumed := math.Max(timeConsumed, resourceConsumed)
	remaining := 1 - consumed

	priceDifference := newPlan.Amount - currentPlan.Amount
	if priceDifference <= 0 {
		return Proration{}, ErrDowngradeRequested
	}

	prorated := priceDifference * remaining
	if prorated > 0 && prorated < minimumCharge {
		prorated = minimumCharge
	}

	method := "resource"
	if timeConsumed > resourceConsumed {
		method = "time"
	}

	return Proration{
		ProratedAmount:           math.Round(prorated*100) / 100,
		PriceDifference:          priceDifference,
		TimeConsumedPct:          timeConsumed,
		ResourceConsumedPct:      resourceConsumed,
		BillingCycleConsumedPct:  consumed,
		RemainingBillingCyclePct: remaining,
		Method:                   method,
	}, nil
}
