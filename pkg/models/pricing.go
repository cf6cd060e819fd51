package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingModel is the unit of billing for a vendor/model pair
type PricingModel string

// Pricing model tags
const (
	PricingPerToken       PricingModel = "per_token"
	PricingPerCharacter   PricingModel = "per_character"
	PricingPerRequest     PricingModel = "per_request"
	PricingPerImage       PricingModel = "per_image"
	PricingPerAudioSecond PricingModel = "per_audio_second"
	PricingPerVideoSecond PricingModel = "per_video_second"
)

// VolumeTier maps a monthly-cost threshold to a discount fraction.
// Thresholds are inclusive: spend exactly at the threshold earns the discount.
type VolumeTier struct {
	Threshold decimal.Decimal `json:"threshold" db:"threshold"`
	Discount  decimal.Decimal `json:"discount" db:"discount"`
}

// PricingRecord is the active price sheet for one (vendor, model) pair.
// Prices carry at least 10 significant decimal digits; the record with the
// latest EffectiveFrom not after "now" wins.
type PricingRecord struct {
	ID              string          `json:"id" db:"id"`
	Vendor          Vendor          `json:"vendor" db:"vendor"`
	Model           string          `json:"model" db:"model"`
	PricingModel    PricingModel    `json:"pricing_model" db:"pricing_model"`
	InputUnitPrice  decimal.Decimal `json:"input_unit_price" db:"input_unit_price"`
	OutputUnitPrice decimal.Decimal `json:"output_unit_price" db:"output_unit_price"`
	Currency        string          `json:"currency" db:"currency"`
	BatchDiscount   decimal.Decimal `json:"batch_discount" db:"batch_discount"`
	VolumeTiers     []VolumeTier    `json:"volume_tiers,omitempty" db:"-"`
	EffectiveFrom   time.Time       `json:"effective_from" db:"effective_from"`
	Version         int             `json:"version" db:"version"`
}

// HasBatchDiscount reports whether a batch discount applies to this record
func (p *PricingRecord) HasBatchDiscount() bool {
	return p.BatchDiscount.IsPositive()
}

// UsageData is the normalized output of the vendor response parsers:
// billable units on each side plus the pricing family they bill under.
type UsageData struct {
	Vendor        Vendor                 `json:"vendor"`
	Model         string                 `json:"model"`
	InputUnits    int64                  `json:"input_units"`
	OutputUnits   int64                  `json:"output_units"`
	PricingModel  PricingModel           `json:"pricing_model"`
	Estimated     bool                   `json:"estimated"`
	LowConfidence bool                   `json:"low_confidence"`
	Warning       string                 `json:"warning,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CostResult is the outcome of a cost computation
type CostResult struct {
	InputCost      decimal.Decimal `json:"input_cost"`
	OutputCost     decimal.Decimal `json:"output_cost"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	VolumeDiscount decimal.Decimal `json:"volume_discount"`
	BatchDiscount  decimal.Decimal `json:"batch_discount"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	PricingVersion int             `json:"pricing_version"`
}

// AccuracyGrade buckets cost-prediction error against vendor billing
type AccuracyGrade string

// Accuracy grades: A+ within 1%, A within 2%, B within 5%, C within 10%
const (
	GradeAPlus AccuracyGrade = "A+"
	GradeA     AccuracyGrade = "A"
	GradeB     AccuracyGrade = "B"
	GradeC     AccuracyGrade = "C"
	GradeD     AccuracyGrade = "D"
)

// AccuracyReport is the result of validating a predicted cost against the
// amount the vendor actually charged.
type AccuracyReport struct {
	Predicted    decimal.Decimal `json:"predicted"`
	Actual       decimal.Decimal `json:"actual"`
	ErrorPercent decimal.Decimal `json:"error_percent"`
	Grade        AccuracyGrade   `json:"grade"`
	WithinTarget bool            `json:"within_target"`
	ValidatedAt  time.Time       `json:"validated_at"`
}
