// Package billing holds the pure billing-cycle and proration arithmetic.
// Nothing here touches the database or the gateways.
package billing

import (
	"math"
	"time"

	"github.com/marketfit/billingcore/internal/models"
)

// CycleInfo describes where "now" falls inside a billing period.
type CycleInfo struct {
	DaysTotal     int     // Length of the billing period in days.
	DaysElapsed   int     // Days consumed so far, floored at 0.
	DaysRemaining int     // Days left, floored at 0.
	TimeFactor    float64 // Remaining fraction of the period, 0 when the period is empty.
}

// NewCycleInfo computes billing cycle timing for a period at a point in time.
func NewCycleInfo(periodStart, periodEnd, now time.Time) CycleInfo {
	totalDays := int(periodEnd.Sub(periodStart).Hours() / 24)
	elapsedDays := int(now.Sub(periodStart).Hours() / 24)
	remainingDays := int(periodEnd.Sub(now).Hours() / 24)

	if elapsedDays < 0 {
		elapsedDays = 0
	}
	if remainingDays < 0 {
		remainingDays = 0
	}

	timeFactor := 0.0
	if totalDays > 0 {
		timeFactor = float64(remainingDays) / float64(totalDays)
	}

	return CycleInfo{
		DaysTotal:     totalDays,
		DaysElapsed:   elapsedDays,
		DaysRemaining: remainingDays,
		TimeFactor:    timeFactor,
	}
}

// Utilization describes base-plan resource consumption for a billing period.
// Addon-purchased quota is excluded throughout: addons must never earn
// proration credit.
type Utilization struct {
	ResourceFactor      float64            // 1 - average base-plan consumption.
	BasePlanConsumedPct float64            // Average base-plan consumption fraction.
	PerResourceConsumed map[string]float64 // Consumption fraction per resource.
}

// NewUtilization computes base-plan-only consumption from a usage row. For
// marketfit the two resource percentages carry equal weight; saleswit tracks
// a single resource.
func NewUtilization(usage *models.ResourceUsage, appID string) Utilization {
	resources := models.ResourcesForApp(appID)
	perResource := make(map[string]float64, len(resources))

	sum := 0.0
	for _, resource := range resources {
		original := usage.Original(resource)
		baseRemaining := usage.Remaining(resource) - usage.AddonContribution(resource)
		baseUsed := original - baseRemaining
		if baseUsed < 0 {
			baseUsed = 0
		}

		consumed := 0.0
		if original > 0 {
			consumed = baseUsed / original
		}
		perResource[resource] = consumed
		sum += consumed
	}

	avg := 0.0
	if len(resources) > 0 {
		avg = sum / float64(len(resources))
	}

	return Utilization{
		ResourceFactor:      1 - avg,
		BasePlanConsumedPct: avg,
		PerResourceConsumed: perResource,
	}
}

// ValueRemainingPct returns the fair upgrade-credit basis: the lesser of the
// time remaining and the base-plan resource value remaining, clamped at 0 and
// rounded to six decimal places. A user who burned quota faster than time (or
// waited out the clock) is only credited for the scarcer remainder.
func ValueRemainingPct(cycle CycleInfo, utilization Utilization) float64 {
	remaining := math.Min(cycle.TimeFactor, 1-utilization.BasePlanConsumedPct)
	if remaining < 0 {
		remaining = 0
	}
	return math.Round(remaining*1e6) / 1e6
}

// PeriodEnd computes a billing period end from a start, interval and count.
// Unknown intervals default to a 30-day month.
func PeriodEnd(start time.Time, interval string, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch interval {
	case models.IntervalMonth:
		return start.AddDate(0, 0, 30*count)
	case models.IntervalYear:
		return start.AddDate(0, 0, 365*count)
	default:
		return start.AddDate(0, 0, 30)
	}
}
