package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/api-lens/api-lens/pkg/models"
	"github.com/shopspring/decimal"
)

// targetErrorPercent is the billing-accuracy target
var targetErrorPercent = decimal.NewFromInt(1)

// auditTTL keeps validation outcomes around long enough for a monthly audit
const auditTTL = 35 * 24 * time.Hour

// Validate compares a predicted cost against the amount the vendor actually
// charged and grades the error. The outcome is cached by date for later
// audit.
func (e *Engine) Validate(ctx context.Context, tenantID string, predicted, actual decimal.Decimal) *models.AccuracyReport {
	report := &models.AccuracyReport{
		Predicted:   predicted,
		Actual:      actual,
		ValidatedAt: e.now(),
	}

	if actual.IsZero() {
		if predicted.IsZero() {
			report.Grade = models.GradeAPlus
			report.WithinTarget = true
		} else {
			report.Grade = models.GradeD
		}
	} else {
		errPct := actual.Sub(predicted).Abs().Div(actual.Abs()).Mul(decimal.NewFromInt(100))
		report.ErrorPercent = errPct
		report.Grade = gradeFor(errPct)
		report.WithinTarget = errPct.LessThanOrEqual(targetErrorPercent)
	}

	if e.cache != nil {
		key := e.auditKey(tenantID, report.ValidatedAt)
		if err := e.cache.Set(ctx, key, report, auditTTL); err != nil {
			e.logger.Warn("Failed to cache accuracy report", map[string]interface{}{
				"tenant_id": tenantID,
			})
		}
	}
	return report
}

// AuditReport returns the cached validation outcome for a date, if any
func (e *Engine) AuditReport(ctx context.Context, tenantID string, date time.Time) (*models.AccuracyReport, error) {
	var report models.AccuracyReport
	if err := e.cache.Get(ctx, e.auditKey(tenantID, date), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (e *Engine) auditKey(tenantID string, date time.Time) string {
	return fmt.Sprintf("%s:%s", e.keys.Pricing("accuracy", tenantID), date.UTC().Format("2006-01-02"))
}

func gradeFor(errPct decimal.Decimal) models.AccuracyGrade {
	switch {
	case errPct.LessThanOrEqual(decimal.NewFromInt(1)):
		return models.GradeAPlus
	case errPct.LessThanOrEqual(decimal.NewFromInt(2)):
		return models.GradeA
	case errPct.LessThanOrEqual(decimal.NewFromInt(5)):
		return models.GradeB
	case errPct.LessThanOrEqual(decimal.NewFromInt(10)):
		return models.GradeC
	default:
		return models.GradeD
	}
}
