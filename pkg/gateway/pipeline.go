// Package gateway composes the admission and metering stages into the
// request pipeline: resolve tenant, rate limit, quota pre-check, credential
// fetch, vendor proxy, usage parse, cost, counter write-back, quota
// post-update, and out-of-band anomaly sampling.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/api-lens/api-lens/pkg/anomaly"
	"github.com/api-lens/api-lens/pkg/auth"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/costtracker"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/api-lens/api-lens/pkg/pricing"
	"github.com/api-lens/api-lens/pkg/quota"
	"github.com/api-lens/api-lens/pkg/ratelimit"
	"github.com/api-lens/api-lens/pkg/security"
	"github.com/api-lens/api-lens/pkg/usage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// anomalyCheckInterval bounds how often out-of-band detection runs per tenant
const anomalyCheckInterval = time.Hour

// degradedErrorRate is the substrate error fraction past which the pipeline
// enters degraded mode.
const defaultDegradedErrorRate = 0.25

// VendorProxy is the injected collaborator that performs the upstream call
type VendorProxy interface {
	Call(ctx context.Context, vendor models.Vendor, model, credential string, body []byte) (*models.VendorResponse, error)
}

// TelemetrySink receives the per-request record after the pipeline finishes
type TelemetrySink interface {
	AppendTelemetry(ctx context.Context, record *models.TelemetryRecord) error
}

// Pipeline is the request orchestrator. Stages run sequentially; each
// records its own latency into the observation bag.
type Pipeline struct {
	resolver    *auth.Resolver
	limiter     *ratelimit.Limiter
	accountant  *quota.Accountant
	credentials *security.CredentialStore
	parsers     *usage.Registry
	pricing     *pricing.Engine
	tracker     *costtracker.Tracker
	detector    *anomaly.Detector
	proxy       VendorProxy
	telemetry   TelemetrySink
	substrate   cache.Substrate
	logger      observability.Logger
	metrics     observability.MetricsClient

	degradedErrorRate float64
	now               func() time.Time
}

// Config wires the pipeline's collaborators together
type Config struct {
	Resolver    *auth.Resolver
	Limiter     *ratelimit.Limiter
	Accountant  *quota.Accountant
	Credentials *security.CredentialStore
	Parsers     *usage.Registry
	Pricing     *pricing.Engine
	Tracker     *costtracker.Tracker
	Detector    *anomaly.Detector
	Proxy       VendorProxy
	Telemetry   TelemetrySink
	Substrate   cache.Substrate
	Logger      observability.Logger
	Metrics     observability.MetricsClient

	// DegradedErrorRate overrides the default degraded-mode threshold
	DegradedErrorRate float64
}

// NewPipeline creates the request pipeline
func NewPipeline(cfg Config) *Pipeline {
	rate := cfg.DegradedErrorRate
	if rate <= 0 {
		rate = defaultDegradedErrorRate
	}
	return &Pipeline{
		resolver:          cfg.Resolver,
		limiter:           cfg.Limiter,
		accountant:        cfg.Accountant,
		credentials:       cfg.Credentials,
		parsers:           cfg.Parsers,
		pricing:           cfg.Pricing,
		tracker:           cfg.Tracker,
		detector:          cfg.Detector,
		proxy:             cfg.Proxy,
		telemetry:         cfg.Telemetry,
		substrate:         cfg.Substrate,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		degradedErrorRate: rate,
		now:               time.Now,
	}
}

// Degraded reports whether the substrate is unhealthy enough that the
// pipeline is failing open and dropping counter writes.
func (p *Pipeline) Degraded() bool {
	return !p.substrate.Healthy() || p.substrate.ErrorRate() >= p.degradedErrorRate
}

// HealthStatus is the operational health snapshot served at /healthz
type HealthStatus struct {
	State              string  `json:"state"`
	SubstrateHealthy   bool    `json:"substrate_healthy"`
	SubstrateErrorRate float64 `json:"substrate_error_rate"`
}

// Health returns the pipeline's operational state
func (p *Pipeline) Health() HealthStatus {
	state := "healthy"
	if p.Degraded() {
		state = "degraded"
	}
	return HealthStatus{
		State:              state,
		SubstrateHealthy:   p.substrate.Healthy(),
		SubstrateErrorRate: p.substrate.ErrorRate(),
	}
}

// Fingerprint derives the stable request fingerprint from vendor, model, and
// a digest of the body.
func Fingerprint(req *models.ProxyRequest) string {
	bodySum := sha256.Sum256(req.Body)
	sum := sha256.Sum256([]byte(string(req.Vendor) + ":" + req.Model + ":" + hex.EncodeToString(bodySum[:])))
	return hex.EncodeToString(sum[:16])
}

// run tracks one stage's latency into the bag
type stageTimer struct {
	bag   map[string]float64
	start time.Time
	name  string
}

func startStage(bag map[string]float64, name string) *stageTimer {
	return &stageTimer{bag: bag, start: time.Now(), name: name}
}

func (s *stageTimer) stop() {
	s.bag[s.name] = float64(time.Since(s.start).Microseconds()) / 1000
}

// Handle runs the full pipeline for one request
func (p *Pipeline) Handle(ctx context.Context, req *models.ProxyRequest) *models.ProxyResponse {
	started := p.now()
	latencies := make(map[string]float64)
	fingerprint := Fingerprint(req)

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	// Stage 1: tenant resolution
	stage := startStage(latencies, "resolve")
	tenant, err := p.resolver.Resolve(ctx, req.Secret)
	stage.stop()
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			p.logger.Info("Request unauthenticated", map[string]interface{}{
				"fingerprint": fingerprint,
			})
			return p.reject(ErrKindUnauthenticated, req.Vendor, "", latencies, started, 0)
		}
		return p.reject(ErrKindSubstrateFailure, req.Vendor, "", latencies, started, 0)
	}

	// Stage 2: rate limiting, fail-open on substrate errors
	stage = startStage(latencies, "ratelimit")
	admission := p.limiter.Check(ctx, tenant)
	stage.stop()
	if !admission.Admitted {
		resp := p.reject(ErrKindRateLimited, req.Vendor, tenant.TenantID, latencies, started, 0)
		resp.RetryAfter = admission.RetryAfter
		return resp
	}

	// Stage 3: quota pre-check
	stage = startStage(latencies, "quota_pre")
	quotaDecision := p.accountant.PreCheck(ctx, tenant)
	stage.stop()
	if !quotaDecision.Admitted {
		return p.reject(ErrKindQuotaExceeded, req.Vendor, tenant.TenantID, latencies, started, 0)
	}

	// Stage 4: vendor credential
	stage = startStage(latencies, "credential")
	credential, err := p.credentials.Fetch(ctx, tenant, req.Vendor)
	stage.stop()
	if err != nil {
		if errors.Is(err, security.ErrCredentialNotFound) {
			p.logger.Info("No active vendor credential", map[string]interface{}{
				"tenant_id": tenant.TenantID,
				"vendor":    req.Vendor,
			})
			return p.reject(ErrKindCredentialMissing, req.Vendor, tenant.TenantID, latencies, started, 0)
		}
		// Decryption failure is an invariant violation, not a transient
		p.logger.Error("Credential fetch failed", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"vendor":    req.Vendor,
			"error":     err.Error(),
		})
		return p.reject(ErrKindInternal, req.Vendor, tenant.TenantID, latencies, started, 0)
	}

	// Stage 5: upstream call
	stage = startStage(latencies, "proxy")
	vendorResp, proxyErr := p.proxy.Call(ctx, req.Vendor, req.Model, credential, req.Body)
	stage.stop()

	cancelled := ctx.Err() != nil

	// Accounting for a partial response still runs after cancellation; only
	// the quota post-update is skipped.
	acctCtx := ctx
	if cancelled {
		var cancel context.CancelFunc
		acctCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	// Stages 6-8: parse, price, write back. A partial response on
	// cancellation or upstream error is still accounted.
	var usageData *models.UsageData
	var cost decimal.Decimal
	if vendorResp != nil && len(vendorResp.Body) > 0 {
		stage = startStage(latencies, "parse")
		usageData = p.parsers.Parse(req.Vendor, vendorResp.Body, req.Model)
		stage.stop()

		stage = startStage(latencies, "cost")
		cost = p.computeCost(acctCtx, tenant, usageData)
		stage.stop()

		if !p.Degraded() {
			stage = startStage(latencies, "cost_write")
			p.tracker.Record(acctCtx, tenant, cost)
			stage.stop()
		} else if p.metrics != nil {
			p.metrics.IncrementCounter("pipeline_degraded_writes_dropped_total", 1)
		}
	}

	record := &models.TelemetryRecord{
		ID:          uuid.NewString(),
		TenantID:    tenant.TenantID,
		Fingerprint: fingerprint,
		Vendor:      req.Vendor,
		Model:       req.Model,
		Cost:        cost,
		CreatedAt:   p.now(),
	}
	if usageData != nil {
		record.InputUnits = usageData.InputUnits
		record.OutputUnits = usageData.OutputUnits
	}
	if vendorResp != nil {
		record.StatusCode = vendorResp.StatusCode
		record.UpstreamLatencyMS = float64(vendorResp.UpstreamLatency.Microseconds()) / 1000
	}

	resp := &models.ProxyResponse{
		TenantID: tenant.TenantID,
		Cost:     cost,
	}

	switch {
	case cancelled:
		// Accounting above already ran; quota post-update is skipped
		resp.Outcome = "cancelled"
		resp.StatusCode = 499
		record.Outcome = "cancelled"
	case proxyErr != nil:
		resp.Outcome = string(ErrKindUpstreamError)
		resp.ErrorKind = string(ErrKindUpstreamError)
		resp.ErrorMessage = messageFor(ErrKindUpstreamError)
		resp.StatusCode = statusFor(ErrKindUpstreamError)
		var upstream *UpstreamError
		if errors.As(proxyErr, &upstream) {
			if upstream.StatusCode > 0 {
				resp.StatusCode = upstream.StatusCode
			}
			resp.RetryAfter = upstream.RetryAfter
		}
		record.Outcome = string(ErrKindUpstreamError)
		p.postUpdate(ctx, tenant, cost, record, resp)
	case vendorResp == nil:
		resp.Outcome = string(ErrKindUpstreamError)
		resp.ErrorKind = string(ErrKindUpstreamError)
		resp.ErrorMessage = messageFor(ErrKindUpstreamError)
		resp.StatusCode = statusFor(ErrKindUpstreamError)
		record.Outcome = string(ErrKindUpstreamError)
		p.postUpdate(ctx, tenant, cost, record, resp)
	default:
		resp.Outcome = "success"
		resp.StatusCode = vendorResp.StatusCode
		resp.Headers = vendorResp.Headers
		resp.Body = vendorResp.Body
		record.Outcome = "success"
		p.postUpdate(ctx, tenant, cost, record, resp)
	}

	record.StageLatency = latencies
	resp.StageLatency = latencies
	resp.TotalLatency = p.now().Sub(started)
	record.TotalLatencyMS = float64(resp.TotalLatency.Microseconds()) / 1000

	p.emitTelemetry(acctCtx, record)
	p.scheduleAnomalyCheck(tenant.TenantID)
	p.observe(record.Outcome, req.Vendor, latencies, started)

	return resp
}

// computeCost resolves pricing and computes the request cost. A pricing
// failure fails closed for billing: the cost is recorded as zero and the
// request is flagged, because inventing a price is worse than under-billing
// a single request.
func (p *Pipeline) computeCost(ctx context.Context, tenant *models.TenantContext, usageData *models.UsageData) decimal.Decimal {
	record, err := p.pricing.Resolve(ctx, usageData.Vendor, usageData.Model)
	if err != nil {
		p.logger.Error("Pricing resolution failed", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"vendor":    usageData.Vendor,
			"model":     usageData.Model,
			"error":     err.Error(),
		})
		if p.metrics != nil {
			p.metrics.IncrementCounter("pipeline_unpriced_requests_total", 1)
		}
		return decimal.Zero
	}

	var monthly *decimal.Decimal
	if len(record.VolumeTiers) > 0 {
		if current, err := p.tracker.Get(ctx, tenant, models.PeriodMonthly); err == nil {
			monthly = &current
		}
	}
	return p.pricing.Cost(record, usageData, monthly).Total
}

// postUpdate runs the quota post-update and attaches any emitted alerts
func (p *Pipeline) postUpdate(ctx context.Context, tenant *models.TenantContext, cost decimal.Decimal, record *models.TelemetryRecord, resp *models.ProxyResponse) {
	alerts, err := p.accountant.PostUpdate(ctx, tenant, cost)
	if err != nil {
		p.logger.Warn("Quota post-update failed", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"error":     err.Error(),
		})
		return
	}
	for _, alert := range alerts {
		record.AlertIDs = append(record.AlertIDs, alert.ID)
		resp.AlertIDs = append(resp.AlertIDs, alert.ID)
	}
}

// emitTelemetry hands the record to the persistence collaborator
func (p *Pipeline) emitTelemetry(ctx context.Context, record *models.TelemetryRecord) {
	if p.telemetry == nil {
		return
	}
	if err := p.telemetry.AppendTelemetry(ctx, record); err != nil {
		p.logger.Error("Failed to persist telemetry", map[string]interface{}{
			"tenant_id": record.TenantID,
			"error":     err.Error(),
		})
	}
}

// scheduleAnomalyCheck runs detection out-of-band when the tenant's last
// check is stale. Detection pauses entirely in degraded mode.
func (p *Pipeline) scheduleAnomalyCheck(tenantID string) {
	if p.detector == nil || p.Degraded() {
		return
	}
	checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if !p.detector.ShouldCheck(checkCtx, tenantID, anomalyCheckInterval) {
		cancel()
		return
	}
	go func() {
		defer cancel()
		if _, err := p.detector.Detect(checkCtx, tenantID); err != nil {
			p.logger.Warn("Out-of-band anomaly check failed", map[string]interface{}{
				"tenant_id": tenantID,
				"error":     err.Error(),
			})
		}
	}()
}

// reject builds the error envelope for a short-circuited pipeline
func (p *Pipeline) reject(kind ErrorKind, vendor models.Vendor, tenantID string, latencies map[string]float64, started time.Time, statusOverride int) *models.ProxyResponse {
	status := statusFor(kind)
	if statusOverride > 0 {
		status = statusOverride
	}
	p.observe(string(kind), vendor, latencies, started)
	return &models.ProxyResponse{
		StatusCode:   status,
		TenantID:     tenantID,
		Outcome:      string(kind),
		ErrorKind:    string(kind),
		ErrorMessage: messageFor(kind),
		StageLatency: latencies,
		TotalLatency: p.now().Sub(started),
	}
}

func (p *Pipeline) observe(outcome string, vendor models.Vendor, latencies map[string]float64, started time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.IncrementCounterWithLabels("gateway_requests_total", 1, map[string]string{
		"outcome": outcome,
		"vendor":  string(vendor),
	})
	p.metrics.RecordHistogram("gateway_request_duration_seconds", p.now().Sub(started).Seconds(), nil)
	for stage, ms := range latencies {
		p.metrics.RecordHistogram("gateway_stage_duration_seconds", ms/1000, map[string]string{"stage": stage})
	}
	var degraded float64
	if p.Degraded() {
		degraded = 1
	}
	p.metrics.RecordGauge("gateway_degraded", degraded, nil)
}
