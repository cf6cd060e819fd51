// Package anomaly detects statistical deviations over rolling hourly
// aggregates: request volume, cost, response time, and error rate.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
)

// Detection thresholds. Each test fires when its z-score condition holds
// against the rolling baseline.
const (
	spikeZ       = 3.0
	dropZ        = -2.5
	costZ        = 2.0
	performanceZ = 2.0
	errorSurgeZ  = 1.5
	seasonalZ    = 2.5

	// errorRateStdevFloor prevents division blow-up on near-constant series
	errorRateStdevFloor = 1.0
)

// Defaults for the rolling baseline
const (
	DefaultBaselineHours = 168
	DefaultMinPoints     = 20
)

// anomalyRecordTTL bounds the recent-anomaly set and notifications
const anomalyRecordTTL = time.Hour

// StatsSource supplies hourly aggregates from the persistence collaborator
type StatsSource interface {
	GetHourlyStats(ctx context.Context, tenantID string, from, to time.Time) ([]models.HourlyStat, error)
	AppendAnomaly(ctx context.Context, anomaly *models.Anomaly) error
}

// Config tunes the detector
type Config struct {
	BaselineHours int `mapstructure:"baseline_hours"`
	MinPoints     int `mapstructure:"min_points"`
}

// Detector runs the z-score tests for one tenant at a time
type Detector struct {
	source    StatsSource
	substrate cache.Substrate
	keys      *cache.Keys
	logger    observability.Logger
	cfg       Config
	now       func() time.Time
}

// NewDetector creates an anomaly detector
func NewDetector(source StatsSource, substrate cache.Substrate, keys *cache.Keys, logger observability.Logger, cfg Config) *Detector {
	if cfg.BaselineHours <= 0 {
		cfg.BaselineHours = DefaultBaselineHours
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = DefaultMinPoints
	}
	return &Detector{
		source:    source,
		substrate: substrate,
		keys:      keys,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// baseline holds mean and standard deviation for one metric series
type baseline struct {
	mean  float64
	stdev float64
	n     int
}

func computeBaseline(values []float64) baseline {
	n := len(values)
	if n == 0 {
		return baseline{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	return baseline{mean: mean, stdev: math.Sqrt(variance), n: n}
}

func (b baseline) zScore(observed float64) float64 {
	if b.stdev == 0 {
		return 0
	}
	return (observed - b.mean) / b.stdev
}

// severityFor maps |z| to a severity bucket
func severityFor(z float64) models.AnomalySeverity {
	abs := math.Abs(z)
	switch {
	case abs >= 4:
		return models.SeverityEmergency
	case abs >= 3:
		return models.SeverityCritical
	case abs >= 2:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// confidenceFor maps |z| to a confidence in [0, 1]
func confidenceFor(z float64) float64 {
	return math.Min(math.Abs(z)/5.0, 1.0)
}

// Detect runs every test for the tenant against the trailing baseline. The
// most recent complete hour is the observation; the hours before it form the
// baseline. Detection is deterministic: identical inputs yield identical
// anomaly identifiers.
func (d *Detector) Detect(ctx context.Context, tenantID string) ([]*models.Anomaly, error) {
	now := d.now().UTC()
	observedHour := now.Truncate(time.Hour)
	from := observedHour.Add(-time.Duration(d.cfg.BaselineHours) * time.Hour)

	stats, err := d.source.GetHourlyStats(ctx, tenantID, from, now)
	if err != nil {
		return nil, err
	}

	var observed *models.HourlyStat
	var history []models.HourlyStat
	for i := range stats {
		if stats[i].Hour.Equal(observedHour) {
			observed = &stats[i]
		} else if stats[i].Hour.Before(observedHour) {
			history = append(history, stats[i])
		}
	}
	if observed == nil || len(history) < d.cfg.MinPoints {
		d.logger.Debug("Anomaly baseline insufficient", map[string]interface{}{
			"tenant_id": tenantID,
			"points":    len(history),
			"required":  d.cfg.MinPoints,
		})
		// Still counts as a check; otherwise a young tenant re-runs the
		// stats aggregate on every request until the baseline fills.
		d.markChecked(ctx, tenantID, now)
		return nil, nil
	}

	var anomalies []*models.Anomaly
	add := func(a *models.Anomaly) {
		if a != nil {
			anomalies = append(anomalies, a)
		}
	}

	requests := series(history, func(s models.HourlyStat) float64 { return s.RequestCount })
	costs := series(history, func(s models.HourlyStat) float64 { return s.TotalCost })
	latencies := series(history, func(s models.HourlyStat) float64 { return s.AvgResponseTime })
	errorRates := series(history, func(s models.HourlyStat) float64 { return s.ErrorRate })

	add(d.testRequests(tenantID, computeBaseline(requests), observed, now))
	add(d.testCost(tenantID, computeBaseline(costs), observed, now))
	add(d.testPerformance(tenantID, computeBaseline(latencies), observed, now))
	add(d.testErrorRate(tenantID, computeBaseline(errorRates), observed, now))
	add(d.testSeasonal(tenantID, history, observed, now))

	for _, anomaly := range anomalies {
		d.publish(ctx, anomaly)
	}

	d.markChecked(ctx, tenantID, now)
	return anomalies, nil
}

func series(stats []models.HourlyStat, pick func(models.HourlyStat) float64) []float64 {
	out := make([]float64, len(stats))
	for i, s := range stats {
		out[i] = pick(s)
	}
	return out
}

func (d *Detector) testRequests(tenantID string, b baseline, observed *models.HourlyStat, now time.Time) *models.Anomaly {
	z := b.zScore(observed.RequestCount)
	switch {
	case z > spikeZ:
		return d.record(tenantID, models.AnomalySuddenSpike, "request_volume", observed.RequestCount, b.mean, z, now,
			"request volume far above baseline",
			"check for runaway clients or a traffic surge; tighten rate limits if unintended")
	case z < dropZ:
		return d.record(tenantID, models.AnomalySuddenDrop, "request_volume", observed.RequestCount, b.mean, z, now,
			"request volume far below baseline",
			"verify client integrations and upstream availability")
	}
	return nil
}

func (d *Detector) testCost(tenantID string, b baseline, observed *models.HourlyStat, now time.Time) *models.Anomaly {
	z := b.zScore(observed.TotalCost)
	if math.Abs(z) <= costZ {
		return nil
	}
	recommendation := "audit recent requests for unusually large prompts or expensive models"
	if z < 0 {
		recommendation = "spend dropped sharply; confirm traffic is reaching the gateway"
	}
	return d.record(tenantID, models.AnomalyCost, "hourly_cost", observed.TotalCost, b.mean, z, now,
		"hourly cost deviates from baseline", recommendation)
}

func (d *Detector) testPerformance(tenantID string, b baseline, observed *models.HourlyStat, now time.Time) *models.Anomaly {
	z := b.zScore(observed.AvgResponseTime)
	if z <= performanceZ {
		return nil
	}
	return d.record(tenantID, models.AnomalyPerformance, "avg_response_time", observed.AvgResponseTime, b.mean, z, now,
		"response time degraded against baseline",
		"check vendor status and connection pool saturation")
}

func (d *Detector) testErrorRate(tenantID string, b baseline, observed *models.HourlyStat, now time.Time) *models.Anomaly {
	if b.stdev < errorRateStdevFloor {
		b.stdev = errorRateStdevFloor
	}
	z := (observed.ErrorRate - b.mean) / b.stdev
	if z <= errorSurgeZ {
		return nil
	}
	return d.record(tenantID, models.AnomalyErrorSurge, "error_rate", observed.ErrorRate, b.mean, z, now,
		"error rate surged against baseline",
		"inspect upstream error codes; rotate credentials if auth failures dominate")
}

// testSeasonal compares the observation against the same hour-of-day across
// the baseline window.
func (d *Detector) testSeasonal(tenantID string, history []models.HourlyStat, observed *models.HourlyStat, now time.Time) *models.Anomaly {
	hour := observed.Hour.Hour()
	var sameHour []float64
	for _, s := range history {
		if s.Hour.Hour() == hour {
			sameHour = append(sameHour, s.RequestCount)
		}
	}
	if len(sameHour) < 3 {
		return nil
	}
	b := computeBaseline(sameHour)
	z := b.zScore(observed.RequestCount)
	if math.Abs(z) <= seasonalZ {
		return nil
	}
	return d.record(tenantID, models.AnomalyUnusualPattern, "request_volume_seasonal", observed.RequestCount, b.mean, z, now,
		fmt.Sprintf("request volume unusual for hour %02d:00", hour),
		"compare against the same hour on previous days before acting")
}

func (d *Detector) record(tenantID string, kind models.AnomalyKind, metric string, observed, expected, z float64, now time.Time, description, recommendation string) *models.Anomaly {
	var deviation float64
	if expected != 0 {
		deviation = (observed - expected) / expected * 100
	}
	detectedAt := now.Truncate(time.Hour)
	return &models.Anomaly{
		ID:               models.AnomalyID(tenantID, kind, detectedAt),
		TenantID:         tenantID,
		Kind:             kind,
		Metric:           metric,
		ObservedValue:    observed,
		ExpectedValue:    expected,
		DeviationPercent: deviation,
		ZScore:           z,
		Severity:         severityFor(z),
		Confidence:       confidenceFor(z),
		WindowStart:      detectedAt,
		WindowEnd:        detectedAt.Add(time.Hour),
		Ongoing:          true,
		Description:      description,
		Recommendation:   recommendation,
		DetectedAt:       detectedAt,
	}
}

// publish persists the anomaly, appends it to the tenant's recent set, and
// enqueues a notification when severity is critical or worse.
func (d *Detector) publish(ctx context.Context, anomaly *models.Anomaly) {
	if err := d.source.AppendAnomaly(ctx, anomaly); err != nil {
		d.logger.Error("Failed to persist anomaly", map[string]interface{}{
			"tenant_id": anomaly.TenantID,
			"kind":      anomaly.Kind,
			"error":     err.Error(),
		})
	}

	bucket := anomaly.DetectedAt.Unix() / 3600
	key := d.keys.Anomaly(anomaly.TenantID, bucket)
	score := float64(anomaly.DetectedAt.Unix())
	minScore := float64(anomaly.DetectedAt.Add(-anomalyRecordTTL).Unix())
	if err := d.substrate.ZAddTrim(ctx, key, score, anomaly.ID, minScore, anomalyRecordTTL); err != nil {
		d.logger.Warn("Failed to record recent anomaly", map[string]interface{}{
			"tenant_id": anomaly.TenantID,
			"error":     err.Error(),
		})
	}

	if anomaly.Severity == models.SeverityCritical || anomaly.Severity == models.SeverityEmergency {
		notifyKey := d.keys.CriticalNotify(anomaly.TenantID, anomaly.DetectedAt.Unix())
		if _, err := d.substrate.SetNX(ctx, notifyKey, anomaly, anomalyRecordTTL); err != nil {
			d.logger.Warn("Failed to enqueue critical notification", map[string]interface{}{
				"tenant_id": anomaly.TenantID,
				"error":     err.Error(),
			})
		}
	}

	d.logger.Info("Anomaly detected", map[string]interface{}{
		"tenant_id": anomaly.TenantID,
		"kind":      anomaly.Kind,
		"severity":  anomaly.Severity,
		"z_score":   anomaly.ZScore,
	})
}

// ShouldCheck reports whether the tenant's last anomaly scan is older than
// the interval; used by the orchestrator to schedule out-of-band detection.
func (d *Detector) ShouldCheck(ctx context.Context, tenantID string, interval time.Duration) bool {
	last, err := d.substrate.GetInt(ctx, d.keys.AnomalyLastCheck(tenantID))
	if err != nil {
		return false // degraded substrate pauses detection
	}
	return d.now().Unix()-last >= int64(interval/time.Second)
}

func (d *Detector) markChecked(ctx context.Context, tenantID string, now time.Time) {
	if err := d.substrate.Set(ctx, d.keys.AnomalyLastCheck(tenantID), now.Unix(), 24*time.Hour); err != nil {
		d.logger.Warn("Failed to record anomaly check time", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
}
