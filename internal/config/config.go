// Package config loads and validates client configuration from environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the YAML file nor the environment sets a value.
const (
	DefaultEnvironment    = "production"
	DefaultFlushInterval  = 5 * time.Second
	DefaultMaxBufferSize  = 100
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// Config holds all client configuration.
type Config struct {
	// Collector settings.
	Endpoint   string // Base URL of the collector; trailing slash is stripped.
	ProjectKey string // Sent as X-Project-Key and used as the signing secret.

	// Tags stamped on every event and trace.
	Environment string
	Release     string

	// Dispatch settings.
	FlushInterval  time.Duration
	MaxBufferSize  int // Applied independently to the event and trace buffers.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// OTEL settings for the client's own health metrics.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// fileConfig is the YAML shape. Pointer-free: zero values mean "not set".
type fileConfig struct {
	Endpoint       string `yaml:"endpoint"`
	ProjectKey     string `yaml:"project_key"`
	Environment    string `yaml:"environment"`
	Release        string `yaml:"release"`
	FlushInterval  string `yaml:"flush_interval"`
	MaxBufferSize  int    `yaml:"max_buffer_size"`
	ConnectTimeout string `yaml:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout"`
}

// Defaults returns a Config with every optional field at its default.
func Defaults() Config {
	return Config{
		Environment:    DefaultEnvironment,
		FlushInterval:  DefaultFlushInterval,
		MaxBufferSize:  DefaultMaxBufferSize,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		ServiceName:    "beacon",
		LogLevel:       "info",
	}
}

// Load reads configuration from BEACON_CONFIG (if set) and then from
// environment variables, which take precedence over the file.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("BEACON_CONFIG"); path != "" {
		var err error
		cfg, err = LoadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg.Endpoint = envStr("BEACON_ENDPOINT", cfg.Endpoint)
	cfg.ProjectKey = envStr("BEACON_PROJECT_KEY", cfg.ProjectKey)
	cfg.Environment = envStr("BEACON_ENVIRONMENT", cfg.Environment)
	cfg.Release = envStr("BEACON_RELEASE", cfg.Release)
	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTELEndpoint)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = envStr("BEACON_LOG_LEVEL", cfg.LogLevel)

	var err error
	cfg.FlushInterval, err = envDuration("BEACON_FLUSH_INTERVAL", cfg.FlushInterval)
	collect(err)
	cfg.MaxBufferSize, err = envInt("BEACON_MAX_BUFFER_SIZE", cfg.MaxBufferSize)
	collect(err)
	cfg.ConnectTimeout, err = envDuration("BEACON_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	collect(err)
	cfg.ReadTimeout, err = envDuration("BEACON_READ_TIMEOUT", cfg.ReadTimeout)
	collect(err)
	cfg.OTELInsecure, err = envBool("BEACON_OTEL_INSECURE", cfg.OTELInsecure)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto base. Keys absent from the
// file keep base's value.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := base
	if fc.Endpoint != "" {
		cfg.Endpoint = fc.Endpoint
	}
	if fc.ProjectKey != "" {
		cfg.ProjectKey = fc.ProjectKey
	}
	if fc.Environment != "" {
		cfg.Environment = fc.Environment
	}
	if fc.Release != "" {
		cfg.Release = fc.Release
	}
	if fc.MaxBufferSize != 0 {
		cfg.MaxBufferSize = fc.MaxBufferSize
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"flush_interval", fc.FlushInterval, &cfg.FlushInterval},
		{"connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %q is not a valid duration", d.name, d.raw)
		}
		*d.dst = v
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: BEACON_ENDPOINT is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: BEACON_ENDPOINT %q is not an absolute URL", c.Endpoint)
	}
	if c.ProjectKey == "" {
		return fmt.Errorf("config: BEACON_PROJECT_KEY is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: BEACON_FLUSH_INTERVAL must be positive")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("config: BEACON_MAX_BUFFER_SIZE must be positive")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("config: connect and read timeouts must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
