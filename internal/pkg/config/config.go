// Package config loads gateway and epic-service settings from defaults, an
// optional YAML/JSON file and CANTEEN_* environment variables, in that order
// of precedence (last wins).
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
)

// EnvPrefix namespaces environment overrides: http.addr is CANTEEN_HTTP_ADDR.
const EnvPrefix = "CANTEEN"

type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Redis struct {
		// Addr empty keeps results in process.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`

	SagaLog struct {
		// Path empty disables the audit trail.
		Path string `mapstructure:"path"`
	} `mapstructure:"sagalog"`

	OTel struct {
		Enabled     bool    `mapstructure:"enabled"`
		Endpoint    string  `mapstructure:"endpoint"`
		ServiceName string  `mapstructure:"service_name"`
		Environment string  `mapstructure:"environment"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
	} `mapstructure:"otel"`

	// Epics maps a domain to its gRPC endpoint. Domains without an address
	// are served in process when Embedded is set.
	Epics    map[string]Endpoint `mapstructure:"epics"`
	Embedded bool                `mapstructure:"embedded"`

	Canteen struct {
		ChargeLimit float64 `mapstructure:"charge_limit"`
	} `mapstructure:"canteen"`

	Engine coordinator.Settings `mapstructure:"engine"`

	Retry struct {
		Default retry.Policy            `mapstructure:"default"`
		Domains map[string]retry.Update `mapstructure:"domains"`
	} `mapstructure:"retry"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Endpoint struct {
	Addr string `mapstructure:"addr"`
}

var knownDomains = []string{
	retry.DomainAuthentication,
	retry.DomainMenus,
	retry.DomainOrders,
	retry.DomainPayments,
	retry.DomainNotifications,
	retry.DomainAnalytics,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("sagalog.path", "")
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.service_name", "canteen-gateway")
	v.SetDefault("otel.environment", "development")
	v.SetDefault("otel.sample_ratio", 1.0)
	v.SetDefault("embedded", true)
	v.SetDefault("canteen.charge_limit", 500.0)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	// Registered so CANTEEN_EPICS_<DOMAIN>_ADDR is picked up by AutomaticEnv.
	for _, d := range knownDomains {
		v.SetDefault("epics."+d+".addr", "")
	}

	s := coordinator.DefaultSettings()
	v.SetDefault("engine.trace_capacity", s.TraceCapacity)
	v.SetDefault("engine.metrics_window", s.MetricsWindow)
	v.SetDefault("engine.epic_interval", s.EpicInterval)
	v.SetDefault("engine.flow_interval", s.FlowInterval)
	v.SetDefault("engine.health_interval", s.HealthInterval)
	v.SetDefault("engine.cleanup_interval", s.CleanupInterval)
	v.SetDefault("engine.trace_max_age", s.TraceMaxAge)
	v.SetDefault("engine.retention", s.Retention)
	v.SetDefault("engine.result_ttl", s.ResultTTL)
	v.SetDefault("engine.history", s.History)
	v.SetDefault("engine.recent_reports", s.RecentReports)
	v.SetDefault("engine.consistency_ratio", s.ConsistencyRatio)
	v.SetDefault("engine.failure_threshold", s.FailureThreshold)
	v.SetDefault("engine.success_threshold", s.SuccessThreshold)
	v.SetDefault("engine.breaker_timeout", s.BreakerTimeout)
	v.SetDefault("engine.thresholds.poor_response_time", s.Thresholds.PoorResponseTime)
	v.SetDefault("engine.thresholds.high_error_rate", s.Thresholds.HighErrorRate)
	v.SetDefault("engine.thresholds.active_saga_soft_cap", s.Thresholds.ActiveSagaSoftCap)

	p := retry.DefaultPolicy()
	v.SetDefault("retry.default.max_retries", p.MaxRetries)
	v.SetDefault("retry.default.base_delay", p.BaseDelay)
	v.SetDefault("retry.default.max_delay", p.MaxDelay)
	v.SetDefault("retry.default.backoff_multiplier", p.BackoffMultiplier)
	v.SetDefault("retry.default.jitter", p.Jitter)
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Retry.Default.Validate(); err != nil {
		return nil, fmt.Errorf("config: retry.default: %w", err)
	}
	return cfg, nil
}

// RetryPolicies builds the policy store: the default policy for every known
// epic, the built-in per-epic overrides, then the configured patches.
func (c *Config) RetryPolicies() (*retry.Store, error) {
	store := retry.NewStore(c.Retry.Default, retry.DefaultOverrides(), knownDomains...)

	domains := make([]string, 0, len(c.Retry.Domains))
	for d := range c.Retry.Domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		if _, err := store.Update(d, c.Retry.Domains[d]); err != nil {
			return nil, fmt.Errorf("config: retry.domains: %w", err)
		}
	}
	return store, nil
}

// RemoteEpics maps each domain that has a gRPC address to that address.
func (c *Config) RemoteEpics() map[string]string {
	out := make(map[string]string)
	for d, ep := range c.Epics {
		if ep.Addr != "" {
			out[d] = ep.Addr
		}
	}
	return out
}
