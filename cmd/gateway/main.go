// Command gateway runs the API Lens admission and metering gateway.
//
// It fronts the upstream LLM vendors with a single proxy endpoint and an
// operational surface for health and metrics. All admission state lives in
// the shared Redis substrate; durable records go to Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/api-lens/api-lens/pkg/anomaly"
	"github.com/api-lens/api-lens/pkg/auth"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/common/config"
	"github.com/api-lens/api-lens/pkg/costtracker"
	"github.com/api-lens/api-lens/pkg/gateway"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/api-lens/api-lens/pkg/pricing"
	"github.com/api-lens/api-lens/pkg/quota"
	"github.com/api-lens/api-lens/pkg/ratelimit"
	"github.com/api-lens/api-lens/pkg/repository"
	"github.com/api-lens/api-lens/pkg/security"
	"github.com/api-lens/api-lens/pkg/usage"
)

const maxRequestBody = 4 << 20

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLoggerFromConfig("gateway", cfg.Logging)
	metrics := observability.NewPrometheusMetricsClient("apilens")
	keys := cache.NewKeys(cfg.Environment)

	substrate, err := cache.NewRedisSubstrate(cfg.Redis, logger, metrics)
	if err != nil {
		return err
	}
	defer substrate.Close()

	layered, err := cache.NewLayeredCache(substrate, cfg.L1Cache, logger, metrics)
	if err != nil {
		return err
	}

	repo, err := repository.New(repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	encryption := security.NewEncryptionService(cfg.Security.MasterEncryptionKey)
	credentials := security.NewCredentialStore(encryption, repo, layered, keys, logger, cfg.CacheTTL.VendorCred)
	resolver := auth.NewResolver(repo, layered, keys, logger, cfg.Security.APIKeySalt, cfg.CacheTTL.Tenant)
	limiter := ratelimit.NewLimiter(substrate, keys, logger, metrics, cfg.Admission.RateLimitFailOpen)
	accountant := quota.NewAccountant(substrate, keys, repo, logger, metrics, cfg.Admission.QuotaFailOpen)
	parsers := usage.NewRegistry(logger, cfg.Usage.GoogleCharFamilies)
	priceEngine := pricing.NewEngine(repo, layered, keys, logger, cfg.CacheTTL.Pricing)
	tracker := costtracker.NewTracker(substrate, keys, accountant, logger, metrics)
	detector := anomaly.NewDetector(repo, substrate, keys, logger, cfg.Anomaly)
	proxy := gateway.NewHTTPProxy(nil, nil, logger)

	pipeline := gateway.NewPipeline(gateway.Config{
		Resolver:          resolver,
		Limiter:           limiter,
		Accountant:        accountant,
		Credentials:       credentials,
		Parsers:           parsers,
		Pricing:           priceEngine,
		Tracker:           tracker,
		Detector:          detector,
		Proxy:             proxy,
		Telemetry:         repo,
		Substrate:         substrate,
		Logger:            logger,
		Metrics:           metrics,
		DegradedErrorRate: cfg.Admission.DegradedErrorRate,
	})

	router := newRouter(cfg, pipeline)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", map[string]interface{}{
			"address":     cfg.Server.ListenAddress,
			"environment": cfg.Environment,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", map[string]interface{}{"timeout": cfg.Server.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRouter(cfg *config.Config, pipeline *gateway.Pipeline) *gin.Engine {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		health := pipeline.Health()
		status := http.StatusOK
		if health.State != "healthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, health)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/v1/proxy/:vendor/:model", func(c *gin.Context) {
		handleProxy(c, pipeline)
	})

	return router
}

func handleProxy(c *gin.Context, pipeline *gateway.Pipeline) {
	vendor := models.Vendor(c.Param("vendor"))
	if !vendor.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vendor"})
		return
	}

	secret := bearerSecret(c.GetHeader("Authorization"))
	if secret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	req := &models.ProxyRequest{
		Secret:          secret,
		Vendor:          vendor,
		Model:           c.Param("model"),
		Body:            body,
		ClientTimestamp: time.Now(),
		ClientID:        c.GetHeader("X-Client-Id"),
	}
	if deadline, ok := c.Request.Context().Deadline(); ok {
		req.Deadline = deadline
	}

	resp := pipeline.Handle(c.Request.Context(), req)
	writeProxyResponse(c, resp)
}

func writeProxyResponse(c *gin.Context, resp *models.ProxyResponse) {
	for name, value := range resp.Headers {
		c.Header(name, value)
	}
	c.Header("X-ApiLens-Outcome", resp.Outcome)
	if !resp.Cost.IsZero() {
		c.Header("X-ApiLens-Cost", resp.Cost.String())
	}
	if resp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(resp.RetryAfter/time.Second)))
	}

	if resp.ErrorKind != "" && len(resp.Body) == 0 {
		c.JSON(resp.StatusCode, gin.H{
			"error":      resp.ErrorMessage,
			"error_kind": resp.ErrorKind,
		})
		return
	}

	contentType := resp.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

func bearerSecret(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
