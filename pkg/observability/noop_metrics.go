package observability

import "time"

// noOpMetricsClient is a no-op implementation of MetricsClient for testing
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a metrics client that does nothing
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

func (n *noOpMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noOpMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}
func (n *noOpMetricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
}
func (n *noOpMetricsClient) RecordOperation(component, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (n *noOpMetricsClient) IncrementCounter(name string, value float64) {}
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (n *noOpMetricsClient) Close() error { return nil }
