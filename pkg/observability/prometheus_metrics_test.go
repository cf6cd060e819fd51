package observability

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var namespaceSeq atomic.Int64

// newTestMetricsClient gives every test its own namespace so collectors do
// not collide on the process-wide default registry.
func newTestMetricsClient(t *testing.T) *PrometheusMetricsClient {
	t.Helper()
	return NewPrometheusMetricsClient(fmt.Sprintf("test%d", namespaceSeq.Add(1)))
}

func TestRequestCounterReusesRegisteredCollector(t *testing.T) {
	c := newTestMetricsClient(t)

	// gateway_requests_total is registered up front with {outcome, vendor}.
	// Emitting with that same label set must reuse the collector; a second
	// registration under the same name panics in promauto.
	require.NotPanics(t, func() {
		c.IncrementCounterWithLabels("gateway_requests_total", 1, map[string]string{
			"outcome": "success",
			"vendor":  "openai",
		})
		c.IncrementCounterWithLabels("gateway_requests_total", 1, map[string]string{
			"outcome": "rate_limited",
			"vendor":  "anthropic",
		})
	})

	counter := c.getOrCreateCounter("gateway_requests_total", "", []string{"outcome", "vendor"})
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("success", "openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("rate_limited", "anthropic")))
}

func TestStageHistogramAndDegradedGauge(t *testing.T) {
	c := newTestMetricsClient(t)

	require.NotPanics(t, func() {
		c.RecordHistogram("gateway_stage_duration_seconds", 0.012, map[string]string{"stage": "ratelimit"})
		c.RecordGauge("gateway_degraded", 1, nil)
	})

	gauge := c.getOrCreateGauge("gateway_degraded", "", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues()))
}

func TestCollectorKeyIgnoresLabelOrder(t *testing.T) {
	assert.Equal(t,
		collectorKey("m", []string{"a", "b"}),
		collectorKey("m", []string{"b", "a"}))
}
