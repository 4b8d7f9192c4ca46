// Package pricing is the pure lookup catalog for service rates, product
// prices, and plan limits. It holds no mutable state; the quota engine and
// wallet treat it as an external collaborator.
package pricing

import (
	"fmt"
	"math"
)

// MicrosPerLUC is the fixed-point scale for LUC amounts.
const MicrosPerLUC int64 = 1_000_000

// ErrUnknownServiceKey reports a service key absent from the catalog.
// Callers treat this as a programmer error, not a billing condition.
type ErrUnknownServiceKey struct {
	ServiceKey string
}

// Error implements the error interface.
func (e *ErrUnknownServiceKey) Error() string {
	return fmt.Sprintf("pricing: unknown service key %q", e.ServiceKey)
}

// serviceRates maps service keys to their rate in LUC micros per unit.
// Plan multipliers scale base limits, never these rates.
var serviceRates = map[string]int64{
	"model-inference":  15,      // Per token.
	"embedding-tokens": 2,       // Per token.
	"vector-search":    40,      // Per query.
	"container-hours":  500_000, // Per hour.
	"storage-gb":       20_000,  // Per GB-day.
	"agent-dispatch":   5_000,   // Per dispatch.
}

// productPrices maps purchasable product IDs to their unit price in LUC micros.
var productPrices = map[string]int64{
	"research-report":  2_000_000,
	"api-call-bundle":  500_000,
	"compute-minutes":  100_000,
	"dataset-license":  5_000_000,
	"priority-channel": 1_000_000,
}

// plan describes base limits and the multiplier applied to them.
type plan struct {
	limitMultiplier float64
	baseLimits      map[string]int64
}

// defaultBaseLimits are the per-period unit limits the starter plan grants.
var defaultBaseLimits = map[string]int64{
	"model-inference":  1_000_000,
	"embedding-tokens": 5_000_000,
	"vector-search":    10_000,
	"container-hours":  100,
	"storage-gb":       500,
	"agent-dispatch":   2_000,
}

// plans is the static plan table. The p2p plan is unmetered end to end:
// consumption is unbounded and billing reconciles out of band.
var plans = map[string]plan{
	"free":       {limitMultiplier: 0.1, baseLimits: defaultBaseLimits},
	"starter":    {limitMultiplier: 1, baseLimits: defaultBaseLimits},
	"pro":        {limitMultiplier: 5, baseLimits: defaultBaseLimits},
	"enterprise": {limitMultiplier: 25, baseLimits: defaultBaseLimits},
	"p2p":        {limitMultiplier: -1, baseLimits: defaultBaseLimits},
}

// Rate returns the LUC micros charged per unit of a service key.
func Rate(serviceKey, planKey string) (int64, error) {
	rate, ok := serviceRates[serviceKey]
	if !ok {
		return 0, &ErrUnknownServiceKey{ServiceKey: serviceKey}
	}
	_ = planKey // Rates are plan-independent; plans scale limits only.
	return rate, nil
}

// KnownServiceKey reports whether a service key exists in the catalog.
func KnownServiceKey(serviceKey string) bool {
	_, ok := serviceRates[serviceKey]
	return ok
}

// UnitPrice returns the LUC micros price for one unit of a product.
func UnitPrice(productID string) (int64, bool) {
	price, ok := productPrices[productID]
	return price, ok
}

// PlanLimits returns the per-service unit limits a plan grants per period.
// An unmetered plan yields -1 for every service.
func PlanLimits(planKey string) map[string]int64 {
	p, ok := plans[planKey]
	if !ok {
		p = plans["free"]
	}
	limits := make(map[string]int64, len(p.baseLimits))
	for key, base := range p.baseLimits {
		if p.limitMultiplier < 0 {
			limits[key] = -1
			continue
		}
		limits[key] = int64(math.Round(float64(base) * p.limitMultiplier))
	}
	return limits
}

// KnownPlan reports whether a plan key exists in the catalog.
func KnownPlan(planKey string) bool {
	_, ok := plans[planKey]
	return ok
}

// LucCost converts a catalog amount into wallet LUC micros. Catalog prices
// are already quoted in LUC, so this is the identity today; external
// currencies convert here when a settlement backend reports them.
func LucCost(amountMicros int64) int64 {
	return amountMicros
}
