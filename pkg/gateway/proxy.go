package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
)

// vendorEndpoints are the default upstream completion endpoints
var vendorEndpoints = map[models.Vendor]string{
	models.VendorOpenAI:    "https://api.openai.com/v1/chat/completions",
	models.VendorAnthropic: "https://api.anthropic.com/v1/messages",
	models.VendorGoogle:    "https://generativelanguage.googleapis.com/v1beta/models",
}

// forwardedHeaders are the upstream response headers passed back to clients
var forwardedHeaders = []string{"Content-Type", "Retry-After", "X-Request-Id"}

// HTTPProxy is the production VendorProxy: it forwards the request body to
// the vendor endpoint with the tenant's credential and classifies failures.
type HTTPProxy struct {
	client    *http.Client
	endpoints map[models.Vendor]string
	logger    observability.Logger
}

// NewHTTPProxy creates the vendor proxy. Endpoint overrides replace the
// defaults per vendor; the deadline on the request context governs the call.
func NewHTTPProxy(client *http.Client, overrides map[models.Vendor]string, logger observability.Logger) *HTTPProxy {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	endpoints := make(map[models.Vendor]string, len(vendorEndpoints))
	for vendor, url := range vendorEndpoints {
		endpoints[vendor] = url
	}
	for vendor, url := range overrides {
		endpoints[vendor] = url
	}
	return &HTTPProxy{client: client, endpoints: endpoints, logger: logger}
}

// Call implements VendorProxy
func (p *HTTPProxy) Call(ctx context.Context, vendor models.Vendor, model, credential string, body []byte) (*models.VendorResponse, error) {
	endpoint, ok := p.endpoints[vendor]
	if !ok {
		return nil, &UpstreamError{Class: UpstreamClient, Err: errUnknownVendor(vendor)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Class: UpstreamTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeader(req, vendor, credential)

	started := time.Now()
	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Class: UpstreamTransport, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &UpstreamError{Class: UpstreamTransport, Err: err}
	}

	resp := &models.VendorResponse{
		StatusCode:      httpResp.StatusCode,
		Headers:         filterHeaders(httpResp.Header),
		Body:            respBody,
		UpstreamLatency: time.Since(started),
	}

	if httpResp.StatusCode >= 400 {
		upstream := &UpstreamError{StatusCode: httpResp.StatusCode}
		switch {
		case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
			upstream.Class = UpstreamAuth
		case httpResp.StatusCode == http.StatusTooManyRequests:
			upstream.Class = UpstreamRateLimited
			upstream.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"))
		case httpResp.StatusCode >= 500:
			upstream.Class = UpstreamServer
		default:
			upstream.Class = UpstreamClient
		}
		// The body is returned alongside the error so partial usage can
		// still be accounted.
		return resp, upstream
	}

	return resp, nil
}

func setAuthHeader(req *http.Request, vendor models.Vendor, credential string) {
	switch vendor {
	case models.VendorAnthropic:
		req.Header.Set("x-api-key", credential)
		req.Header.Set("anthropic-version", "2023-06-01")
	case models.VendorGoogle:
		req.Header.Set("x-goog-api-key", credential)
	default:
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

func filterHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

type errUnknownVendor models.Vendor

func (e errUnknownVendor) Error() string { return "unsupported vendor: " + string(e) }
