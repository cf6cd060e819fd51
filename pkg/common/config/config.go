// Package config loads the gateway configuration from file and environment.
// Every option has a sane default; only the master encryption key is
// mandatory.
package config

import (
	"strings"
	"time"

	"github.com/api-lens/api-lens/pkg/anomaly"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DatabaseConfig holds the durable-store connection settings
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// ServerConfig holds the operational HTTP surface settings
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SecurityConfig holds key material and hashing settings
type SecurityConfig struct {
	MasterEncryptionKey string `mapstructure:"master_encryption_key"`
	APIKeySalt          string `mapstructure:"api_key_salt"`
}

// CacheTTLConfig holds the per-record cache lifetimes
type CacheTTLConfig struct {
	Tenant     time.Duration `mapstructure:"tenant"`
	VendorCred time.Duration `mapstructure:"vendor_cred"`
	Pricing    time.Duration `mapstructure:"pricing"`
}

// AdmissionConfig holds the fail-open policy and degraded-mode threshold
type AdmissionConfig struct {
	RateLimitFailOpen bool    `mapstructure:"ratelimit_fail_open"`
	QuotaFailOpen     bool    `mapstructure:"quota_fail_open"`
	DegradedErrorRate float64 `mapstructure:"degraded_error_rate"`
}

// UsageConfig tunes the vendor response parsers
type UsageConfig struct {
	// GoogleCharFamilies lists the model-name substrings billed per character
	GoogleCharFamilies []string `mapstructure:"google_char_families"`
}

// Config is the top-level gateway configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Server      ServerConfig                `mapstructure:"server"`
	Redis       cache.RedisConfig           `mapstructure:"redis"`
	L1Cache     cache.LayeredCacheConfig    `mapstructure:"l1_cache"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Security    SecurityConfig              `mapstructure:"security"`
	CacheTTL    CacheTTLConfig              `mapstructure:"cache_ttl"`
	Admission   AdmissionConfig             `mapstructure:"admission"`
	Anomaly     anomaly.Config              `mapstructure:"anomaly"`
	Usage       UsageConfig                 `mapstructure:"usage"`
}

// Load reads configuration from the optional file path and the APILENS_
// environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APILENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	rc := cache.DefaultRedisConfig()
	v.SetDefault("redis.address", rc.Address)
	v.SetDefault("redis.max_retries", rc.MaxRetries)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.min_idle_conns", rc.MinIdleConns)
	v.SetDefault("redis.pool_timeout", rc.PoolTimeout)

	v.SetDefault("l1_cache.l1_size", 4096)
	v.SetDefault("l1_cache.l1_max_ttl", 30*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.query_timeout", 5*time.Second)

	// Registered empty so AutomaticEnv can bind them during Unmarshal
	v.SetDefault("security.master_encryption_key", "")
	v.SetDefault("security.api_key_salt", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("cache_ttl.tenant", time.Hour)
	v.SetDefault("cache_ttl.vendor_cred", 30*time.Minute)
	v.SetDefault("cache_ttl.pricing", 24*time.Hour)

	v.SetDefault("admission.ratelimit_fail_open", true)
	v.SetDefault("admission.quota_fail_open", true)
	v.SetDefault("admission.degraded_error_rate", 0.25)

	v.SetDefault("anomaly.baseline_hours", anomaly.DefaultBaselineHours)
	v.SetDefault("anomaly.min_points", anomaly.DefaultMinPoints)
}

// Validate rejects configurations the gateway cannot start with
func (c *Config) Validate() error {
	if c.Security.MasterEncryptionKey == "" {
		return errors.New("security.master_encryption_key is required")
	}
	if c.Security.APIKeySalt == "" {
		return errors.New("security.api_key_salt is required")
	}
	if c.Admission.DegradedErrorRate <= 0 || c.Admission.DegradedErrorRate > 1 {
		return errors.New("admission.degraded_error_rate must be in (0, 1]")
	}
	return nil
}
