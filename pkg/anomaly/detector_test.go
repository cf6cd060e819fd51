package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatsSource struct {
	stats     []models.HourlyStat
	appended  []*models.Anomaly
	statsErr  error
	appendErr error
}

func (s *stubStatsSource) GetHourlyStats(ctx context.Context, tenantID string, from, to time.Time) ([]models.HourlyStat, error) {
	return s.stats, s.statsErr
}

func (s *stubStatsSource) AppendAnomaly(ctx context.Context, anomaly *models.Anomaly) error {
	s.appended = append(s.appended, anomaly)
	return s.appendErr
}

// flatHistory builds 168 hourly points with fixed request mean/stdev via an
// alternating pattern, everything else constant.
func flatHistory(observedHour time.Time, mean, spread float64) []models.HourlyStat {
	stats := make([]models.HourlyStat, 0, 168)
	for i := 168; i >= 1; i-- {
		v := mean - spread
		if i%2 == 0 {
			v = mean + spread
		}
		stats = append(stats, models.HourlyStat{
			TenantID:        "tenant-1",
			Hour:            observedHour.Add(-time.Duration(i) * time.Hour),
			RequestCount:    v,
			TotalCost:       1.0,
			AvgResponseTime: 200,
			ErrorRate:       0.01,
		})
	}
	return stats
}

func newTestDetector(t *testing.T, source StatsSource) *Detector {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	return NewDetector(source, substrate, cache.NewKeys("test"), observability.NewNoopLogger(), Config{})
}

func TestDetectSuddenSpike(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	// mean=100, stdev=20, observed=250 -> z=7.5
	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
	source.stats = append(source.stats, models.HourlyStat{
		TenantID:        "tenant-1",
		Hour:            observedHour,
		RequestCount:    250,
		TotalCost:       1.0,
		AvgResponseTime: 200,
		ErrorRate:       0.01,
	})

	detector := newTestDetector(t, source)
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)

	spike := findKind(anomalies, models.AnomalySuddenSpike)
	require.NotNil(t, spike)
	assert.Equal(t, "request_volume", spike.Metric)
	assert.InDelta(t, 7.5, spike.ZScore, 0.001)
	assert.Equal(t, models.SeverityEmergency, spike.Severity)
	assert.Equal(t, 1.0, spike.Confidence)
	assert.True(t, spike.Ongoing)
}

func TestDetectSuddenDrop(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	// mean=100, stdev=20, observed=40 -> z=-3.0 < -2.5
	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
	source.stats = append(source.stats, models.HourlyStat{
		Hour: observedHour, RequestCount: 40, TotalCost: 1.0, AvgResponseTime: 200, ErrorRate: 0.01,
	})

	detector := newTestDetector(t, source)
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)

	drop := findKind(anomalies, models.AnomalySuddenDrop)
	require.NotNil(t, drop)
	assert.Equal(t, models.SeverityCritical, drop.Severity)
}

func TestDetectErrorSurgeUsesStdevFloor(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	// Error-rate history is nearly constant; the floor stdev of 1.0 keeps the
	// z-score from exploding. observed 2.5 vs mean ~0.01 -> z ~ 2.49 > 1.5.
	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
	source.stats = append(source.stats, models.HourlyStat{
		Hour: observedHour, RequestCount: 100, TotalCost: 1.0, AvgResponseTime: 200, ErrorRate: 2.5,
	})

	detector := newTestDetector(t, source)
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)

	surge := findKind(anomalies, models.AnomalyErrorSurge)
	require.NotNil(t, surge)
	assert.InDelta(t, 2.49, surge.ZScore, 0.01)
	assert.Equal(t, models.SeverityWarning, surge.Severity)
}

func TestDetectInsufficientBaseline(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)[:10]}
	source.stats = append(source.stats, models.HourlyStat{Hour: observedHour, RequestCount: 1000})

	detector := newTestDetector(t, source)
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	// The short-baseline run still counts as a check, so the next scan waits
	// out the interval instead of re-running the aggregate per request
	assert.False(t, detector.ShouldCheck(context.Background(), "tenant-1", time.Hour))
}

func TestDetectNormalTrafficNoAnomalies(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
	source.stats = append(source.stats, models.HourlyStat{
		Hour: observedHour, RequestCount: 110, TotalCost: 1.0, AvgResponseTime: 200, ErrorRate: 0.01,
	})

	detector := newTestDetector(t, source)
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, anomalies)
	assert.Empty(t, source.appended)
}

func TestDeterministicAnomalyIDs(t *testing.T) {
	detectedAt := time.Date(2026, time.August, 24, 15, 0, 0, 0, time.UTC)

	first := models.AnomalyID("tenant-1", models.AnomalySuddenSpike, detectedAt)
	second := models.AnomalyID("tenant-1", models.AnomalySuddenSpike, detectedAt)
	other := models.AnomalyID("tenant-2", models.AnomalySuddenSpike, detectedAt)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Len(t, first, 32)
}

func TestDetectRerunProducesSameIDs(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	build := func() *stubStatsSource {
		s := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
		s.stats = append(s.stats, models.HourlyStat{
			Hour: observedHour, RequestCount: 250, TotalCost: 1.0, AvgResponseTime: 200, ErrorRate: 0.01,
		})
		return s
	}

	d1 := newTestDetector(t, build())
	d1.now = func() time.Time { return now }
	d2 := newTestDetector(t, build())
	d2.now = func() time.Time { return now.Add(10 * time.Minute) } // same hour

	a1, err := d1.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)
	a2, err := d2.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NotEmpty(t, a1)
	require.NotEmpty(t, a2)
	assert.Equal(t, a1[0].ID, a2[0].ID)
}

func TestCriticalAnomalyEnqueuesNotification(t *testing.T) {
	now := time.Date(2026, time.August, 24, 15, 30, 0, 0, time.UTC)
	observedHour := now.Truncate(time.Hour)

	source := &stubStatsSource{stats: flatHistory(observedHour, 100, 20)}
	source.stats = append(source.stats, models.HourlyStat{
		Hour: observedHour, RequestCount: 250, TotalCost: 1.0, AvgResponseTime: 200, ErrorRate: 0.01,
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	detector := NewDetector(source, substrate, cache.NewKeys("test"), observability.NewNoopLogger(), Config{})
	detector.now = func() time.Time { return now }

	anomalies, err := detector.Detect(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)

	notifyKey := cache.NewKeys("test").CriticalNotify("tenant-1", observedHour.Unix())
	exists, err := substrate.Exists(context.Background(), notifyKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestShouldCheckHonorsInterval(t *testing.T) {
	source := &stubStatsSource{}
	detector := newTestDetector(t, source)
	ctx := context.Background()

	// Never checked: last-check reads as 0, so a check is due
	assert.True(t, detector.ShouldCheck(ctx, "tenant-1", time.Hour))

	detector.markChecked(ctx, "tenant-1", detector.now())
	assert.False(t, detector.ShouldCheck(ctx, "tenant-1", time.Hour))
}

func findKind(anomalies []*models.Anomaly, kind models.AnomalyKind) *models.Anomaly {
	for _, a := range anomalies {
		if a.Kind == kind {
			return a
		}
	}
	return nil
}
