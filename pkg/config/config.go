// Package config loads organism settings from ORGANISM_* environment
// variables, optionally layered over a YAML file named by ORGANISM_CONFIG.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/organism/pkg/archive"
	"github.com/Mindburn-Labs/organism/pkg/lookup"
	"github.com/Mindburn-Labs/organism/pkg/observability"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig selects the audit store. Path is used by the file backend and
// DSN by sqlite and postgres.
type AuditConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ApprovalConfig struct {
	URL           string `yaml:"url"`
	PublicKeyPath string `yaml:"public_key"`
	Issuer        string `yaml:"issuer"`
}

type PolicyConfig struct {
	BundlePath string `yaml:"bundle"`
	MinVersion string `yaml:"min_version"`
}

type TimeoutConfig struct {
	KillSwitch time.Duration `yaml:"kill_switch"`
	Policy     time.Duration `yaml:"policy"`
	Trust      time.Duration `yaml:"trust"`
	Approval   time.Duration `yaml:"approval"`
	Binding    time.Duration `yaml:"binding"`
}

type LookupConfig struct {
	Timeouts         TimeoutConfig `yaml:"timeouts"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryMax         time.Duration `yaml:"retry_max"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// Config is the full organism configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	CellID    string          `yaml:"cell_id"`
	TenantID  string          `yaml:"tenant_id"`
	Workers   int             `yaml:"workers"`
	Audit     AuditConfig     `yaml:"audit"`
	Redis     RedisConfig     `yaml:"redis"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Policy    PolicyConfig    `yaml:"policy"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Archive   archive.Config  `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in settings.
func Default() *Config {
	lo := lookup.DefaultOptions()
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		CellID:  "cell-local",
		Workers: 4,
		Audit:   AuditConfig{Backend: "file", Path: "data/audit.jsonl"},
		Redis:   RedisConfig{Prefix: lookup.DefaultKeyPrefix},
		Lookup: LookupConfig{
			Timeouts: TimeoutConfig{
				KillSwitch: lo.Timeouts[lookup.CategoryKillSwitch],
				Policy:     lo.Timeouts[lookup.CategoryPolicy],
				Trust:      lo.Timeouts[lookup.CategoryTrust],
				Approval:   lo.Timeouts[lookup.CategoryApproval],
				Binding:    lo.Timeouts[lookup.CategoryBinding],
			},
			RetryMaxAttempts: lo.Retry.MaxAttempts,
			RetryBase:        lo.Retry.Base,
			RetryMax:         lo.Retry.Max,
			RatePerSecond:    lo.RatePerSecond,
			Burst:            lo.Burst,
			BreakerThreshold: lo.BreakerThreshold,
			BreakerReset:     lo.BreakerReset,
		},
		Archive:   archive.Config{Kind: archive.KindFile, Dir: "data/archive"},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4317", SampleRate: 1.0, Environment: "development"},
	}
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a config from defaults, then the YAML file named by
// ORGANISM_CONFIG, then ORGANISM_* variables, and validates it.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := getenv("ORGANISM_CONFIG"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envParser struct {
	getenv func(string) string
	errs   []error
}

func (p *envParser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) integer(key string, dst *int) {
	if v := p.getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) float(key string, dst *float64) {
	if v := p.getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	if v := p.getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v := p.getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	p := &envParser{getenv: getenv}

	p.str("ORGANISM_LOG_LEVEL", &cfg.Log.Level)
	p.str("ORGANISM_LOG_FORMAT", &cfg.Log.Format)
	p.str("ORGANISM_CELL_ID", &cfg.CellID)
	p.str("ORGANISM_TENANT_ID", &cfg.TenantID)
	p.integer("ORGANISM_WORKERS", &cfg.Workers)

	p.str("ORGANISM_AUDIT_BACKEND", &cfg.Audit.Backend)
	p.str("ORGANISM_AUDIT_PATH", &cfg.Audit.Path)
	p.str("ORGANISM_AUDIT_DSN", &cfg.Audit.DSN)

	p.str("ORGANISM_REDIS_ADDR", &cfg.Redis.Addr)
	p.str("ORGANISM_REDIS_PASSWORD", &cfg.Redis.Password)
	p.integer("ORGANISM_REDIS_DB", &cfg.Redis.DB)
	p.str("ORGANISM_REDIS_PREFIX", &cfg.Redis.Prefix)

	p.str("ORGANISM_APPROVAL_URL", &cfg.Approval.URL)
	p.str("ORGANISM_APPROVAL_PUBLIC_KEY", &cfg.Approval.PublicKeyPath)
	p.str("ORGANISM_APPROVAL_ISSUER", &cfg.Approval.Issuer)

	p.str("ORGANISM_POLICY_BUNDLE", &cfg.Policy.BundlePath)
	p.str("ORGANISM_POLICY_MIN_VERSION", &cfg.Policy.MinVersion)

	p.duration("ORGANISM_TIMEOUT_KILL_SWITCH", &cfg.Lookup.Timeouts.KillSwitch)
	p.duration("ORGANISM_TIMEOUT_POLICY", &cfg.Lookup.Timeouts.Policy)
	p.duration("ORGANISM_TIMEOUT_TRUST", &cfg.Lookup.Timeouts.Trust)
	p.duration("ORGANISM_TIMEOUT_APPROVAL", &cfg.Lookup.Timeouts.Approval)
	p.duration("ORGANISM_TIMEOUT_BINDING", &cfg.Lookup.Timeouts.Binding)
	p.integer("ORGANISM_RETRY_MAX_ATTEMPTS", &cfg.Lookup.RetryMaxAttempts)
	p.duration("ORGANISM_RETRY_BASE", &cfg.Lookup.RetryBase)
	p.duration("ORGANISM_RETRY_MAX", &cfg.Lookup.RetryMax)
	p.float("ORGANISM_LOOKUP_RATE", &cfg.Lookup.RatePerSecond)
	p.integer("ORGANISM_LOOKUP_BURST", &cfg.Lookup.Burst)

	var kind string
	p.str("ORGANISM_ARCHIVE_BACKEND", &kind)
	if kind != "" {
		cfg.Archive.Kind = archive.Kind(kind)
	}
	p.str("ORGANISM_ARCHIVE_DIR", &cfg.Archive.Dir)
	p.str("ORGANISM_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	p.str("ORGANISM_ARCHIVE_PREFIX", &cfg.Archive.Prefix)
	p.str("ORGANISM_ARCHIVE_REGION", &cfg.Archive.Region)
	p.str("ORGANISM_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)

	p.boolean("ORGANISM_OTEL_ENABLED", &cfg.Telemetry.Enabled)
	p.str("ORGANISM_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	p.boolean("ORGANISM_OTEL_INSECURE", &cfg.Telemetry.Insecure)
	p.float("ORGANISM_OTEL_SAMPLE_RATE", &cfg.Telemetry.SampleRate)

	if len(p.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(p.errs...))
	}
	return nil
}

// Validate rejects unknown backends and non-positive timeouts.
func (c *Config) Validate() error {
	var errs []error
	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q", c.Log.Format))
	}
	switch c.Audit.Backend {
	case "memory":
	case "file":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required for the file backend"))
		}
	case "sqlite", "postgres":
		if c.Audit.DSN == "" {
			errs = append(errs, fmt.Errorf("audit.dsn is required for the %s backend", c.Audit.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("audit backend %q", c.Audit.Backend))
	}
	switch c.Archive.Kind {
	case archive.KindFile, archive.KindS3, archive.KindGCS:
	default:
		errs = append(errs, fmt.Errorf("archive backend %q", c.Archive.Kind))
	}
	if (c.Archive.Kind == archive.KindS3 || c.Archive.Kind == archive.KindGCS) && c.Archive.Bucket == "" {
		errs = append(errs, fmt.Errorf("archive.bucket is required for %s", c.Archive.Kind))
	}
	t := c.Lookup.Timeouts
	for name, d := range map[string]time.Duration{
		"kill_switch": t.KillSwitch, "policy": t.Policy, "trust": t.Trust, "approval": t.Approval, "binding": t.Binding,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("lookup.timeouts.%s must be positive", name))
		}
	}
	if c.Lookup.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("lookup.retry_max_attempts must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be within [0,1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LookupOptions converts the lookup section for lookup.NewResolver.
func (c *Config) LookupOptions() lookup.Options {
	o := lookup.DefaultOptions()
	o.Timeouts = map[lookup.Category]time.Duration{
		lookup.CategoryKillSwitch: c.Lookup.Timeouts.KillSwitch,
		lookup.CategoryPolicy:     c.Lookup.Timeouts.Policy,
		lookup.CategoryTrust:      c.Lookup.Timeouts.Trust,
		lookup.CategoryApproval:   c.Lookup.Timeouts.Approval,
		lookup.CategoryBinding:    c.Lookup.Timeouts.Binding,
	}
	o.Retry.MaxAttempts = c.Lookup.RetryMaxAttempts
	o.Retry.Base = c.Lookup.RetryBase
	o.Retry.Max = c.Lookup.RetryMax
	o.RatePerSecond = c.Lookup.RatePerSecond
	o.Burst = c.Lookup.Burst
	o.BreakerThreshold = c.Lookup.BreakerThreshold
	o.BreakerReset = c.Lookup.BreakerReset
	return o
}

// ObservabilityConfig converts the telemetry section for observability.New.
func (c *Config) ObservabilityConfig() observability.Config {
	o := observability.DefaultConfig()
	o.Enabled = c.Telemetry.Enabled
	o.OTLPEndpoint = c.Telemetry.Endpoint
	o.Insecure = c.Telemetry.Insecure
	o.SampleRate = c.Telemetry.SampleRate
	o.Environment = c.Telemetry.Environment
	return o
}
