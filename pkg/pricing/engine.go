// Package pricing resolves price sheets and computes per-request cost with
// fixed-precision decimals. Substrate failures here fail closed: charging
// without pricing is worse than refusing.
package pricing

import (
	"context"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrPricingNotFound is returned when no active record covers (vendor, model)
var ErrPricingNotFound = errors.New("no active pricing record")

// ErrPricingMalformed marks a record that violates pricing invariants; this
// is an internal error, fatal to the pipeline.
var ErrPricingMalformed = errors.New("malformed pricing record")

// significantDigits is the precision every cost total is rounded to
const significantDigits = 10

// batchDiscountMinUnits is the combined unit count at which a batch discount
// starts to apply.
const batchDiscountMinUnits = 1000

// PricingRepository is the durable-store surface for price sheets
type PricingRepository interface {
	// GetPricing returns the record with the latest effective-from <= asOf
	GetPricing(ctx context.Context, vendor models.Vendor, model string, asOf time.Time) (*models.PricingRecord, error)
}

// Engine resolves pricing records cache-through and computes request cost
type Engine struct {
	repo     PricingRepository
	cache    cache.Cache
	keys     *cache.Keys
	logger   observability.Logger
	cacheTTL time.Duration
	now      func() time.Time
}

// NewEngine creates a pricing engine
func NewEngine(repo PricingRepository, c cache.Cache, keys *cache.Keys, logger observability.Logger, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Engine{
		repo:     repo,
		cache:    c,
		keys:     keys,
		logger:   logger,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Resolve returns the active pricing record for (vendor, model)
func (e *Engine) Resolve(ctx context.Context, vendor models.Vendor, model string) (*models.PricingRecord, error) {
	cacheKey := e.keys.Pricing(vendor, model)

	if e.cache != nil {
		var record models.PricingRecord
		if err := e.cache.Get(ctx, cacheKey, &record); err == nil {
			return &record, nil
		}
	}

	record, err := e.repo.GetPricing(ctx, vendor, model, e.now())
	if err != nil {
		if errors.Is(err, ErrPricingNotFound) {
			return nil, ErrPricingNotFound
		}
		return nil, errors.Wrap(err, "pricing lookup failed")
	}
	if record == nil {
		return nil, ErrPricingNotFound
	}
	if err := validateRecord(record); err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, cacheKey, record, e.cacheTTL); err != nil {
			e.logger.Warn("Failed to cache pricing record", map[string]interface{}{
				"vendor": vendor,
				"model":  model,
			})
		}
	}
	return record, nil
}

// Invalidate drops the cached record after a pricing update
func (e *Engine) Invalidate(ctx context.Context, vendor models.Vendor, model string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Delete(ctx, e.keys.Pricing(vendor, model))
}

// validateRecord rejects records that would produce nonsense costs
func validateRecord(record *models.PricingRecord) error {
	if record.InputUnitPrice.IsNegative() || record.OutputUnitPrice.IsNegative() {
		return errors.Wrapf(ErrPricingMalformed, "negative unit price for %s/%s", record.Vendor, record.Model)
	}
	if record.BatchDiscount.IsNegative() || record.BatchDiscount.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.Wrapf(ErrPricingMalformed, "batch discount out of range for %s/%s", record.Vendor, record.Model)
	}
	var prev decimal.Decimal
	for i, tier := range record.VolumeTiers {
		if i > 0 && !tier.Threshold.GreaterThan(prev) {
			return errors.Wrapf(ErrPricingMalformed, "non-monotonic volume tiers for %s/%s", record.Vendor, record.Model)
		}
		if tier.Discount.IsNegative() || tier.Discount.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return errors.Wrapf(ErrPricingMalformed, "volume discount out of range for %s/%s", record.Vendor, record.Model)
		}
		prev = tier.Threshold
	}
	return nil
}

// Cost computes the request cost from a pricing record and parsed usage.
// monthlyCost feeds the volume-tier lookup; pass nil when no lookup is
// available and tiers are skipped.
func (e *Engine) Cost(record *models.PricingRecord, usage *models.UsageData, monthlyCost *decimal.Decimal) *models.CostResult {
	inputUnits := decimal.NewFromInt(usage.InputUnits)
	outputUnits := decimal.NewFromInt(usage.OutputUnits)

	result := &models.CostResult{
		InputCost:      record.InputUnitPrice.Mul(inputUnits),
		OutputCost:     record.OutputUnitPrice.Mul(outputUnits),
		Currency:       record.Currency,
		PricingVersion: record.Version,
	}
	result.Subtotal = result.InputCost.Add(result.OutputCost)
	total := result.Subtotal

	if len(record.VolumeTiers) > 0 && monthlyCost != nil {
		// Highest threshold at or below the tenant's current monthly spend;
		// the boundary is inclusive.
		var discount decimal.Decimal
		for _, tier := range record.VolumeTiers {
			if monthlyCost.GreaterThanOrEqual(tier.Threshold) {
				discount = tier.Discount
			}
		}
		if discount.IsPositive() {
			discounted := total.Mul(decimal.NewFromInt(1).Sub(discount))
			result.VolumeDiscount = total.Sub(discounted)
			total = discounted
		}
	}

	if usage.InputUnits+usage.OutputUnits >= batchDiscountMinUnits && record.HasBatchDiscount() {
		discounted := total.Mul(decimal.NewFromInt(1).Sub(record.BatchDiscount))
		result.BatchDiscount = total.Sub(discounted)
		total = discounted
	}

	result.Total = roundSignificant(total, significantDigits)
	return result
}

// roundSignificant rounds to the given number of significant decimal digits
func roundSignificant(d decimal.Decimal, digits int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	// Number of digits left of the decimal point in |d|
	abs := d.Abs()
	intDigits := int32(len(abs.BigInt().String()))
	if abs.LessThan(decimal.NewFromInt(1)) {
		// Leading zeros after the point do not count as significant
		exp := abs.Exponent()
		coeffDigits := int32(len(abs.Coefficient().String()))
		intDigits = coeffDigits + exp // <= 0 for values < 1
	}
	return d.Round(digits - intDigits)
}
