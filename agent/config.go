package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration file.
type Config struct {
	// ServerURL is the Theas server's base URL. Empty enables discovery.
	ServerURL string `yaml:"server_url"`
	AsyncURL  string `yaml:"async_url"`
	Listen    string `yaml:"listen"`
	UIDir     string `yaml:"ui_dir"`
	// SnapshotPath is a bbolt file restoring parameters across restarts. Empty disables it.
	SnapshotPath string `yaml:"snapshot_path"`
	XSRF         string `yaml:"xsrf"`
	Terminal     bool   `yaml:"terminal"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// ScrubAfterSubmit names parameters blanked once a form is sent.
	ScrubAfterSubmit []string `yaml:"scrub_after_submit"`
}

type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Disabled   bool          `yaml:"disabled"`
}

type DiscoveryConfig struct {
	Service   string        `yaml:"service"`
	Domain    string        `yaml:"domain"`
	Timeout   time.Duration `yaml:"timeout"`
	Advertise bool          `yaml:"advertise"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Journal bool   `yaml:"journal"`
}

type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

const envPrefix = "THEAS_AGENT_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig reads path, substitutes ${VAR} references, applies THEAS_AGENT_*
// overrides and defaults, and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			if v, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
				return v
			}
			return match
		})
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_URL", &cfg.ServerURL)
	str("ASYNC_URL", &cfg.AsyncURL)
	str("LISTEN", &cfg.Listen)
	str("UI_DIR", &cfg.UIDir)
	str("SNAPSHOT_PATH", &cfg.SnapshotPath)
	str("XSRF", &cfg.XSRF)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	boolean("TERMINAL", &cfg.Terminal)
	boolean("LOG_JOURNAL", &cfg.Log.Journal)
	boolean("HEARTBEAT_DISABLED", &cfg.Heartbeat.Disabled)
	dur("HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval)
	dur("HEARTBEAT_STALE_AFTER", &cfg.Heartbeat.StaleAfter)
	if v, ok := os.LookupEnv(envPrefix + "SCRUB_AFTER_SUBMIT"); ok {
		cfg.ScrubAfterSubmit = strings.Split(v, ",")
	}
	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	if cfg.AsyncURL == "" {
		cfg.AsyncURL = "async"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = 30 * time.Second
	}
	if cfg.Heartbeat.StaleAfter == 0 {
		cfg.Heartbeat.StaleAfter = 60 * time.Second
	}
	if cfg.Heartbeat.MaxBackoff == 0 {
		cfg.Heartbeat.MaxBackoff = 5 * time.Minute
	}
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = ServiceType
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = "local."
	}
	if cfg.Discovery.Timeout == 0 {
		cfg.Discovery.Timeout = 15 * time.Second
	}
	if cfg.RateLimit.PerSecond == 0 {
		cfg.RateLimit.PerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1
	}
	if cfg.ScrubAfterSubmit == nil {
		cfg.ScrubAfterSubmit = []string{"Login$Password"}
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL))
		}
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.StaleAfter < 0 {
		errs = append(errs, errors.New("heartbeat durations must be positive"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v is outside [0, 1]", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}
