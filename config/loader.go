package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookup     LookupFunc
}

// NewLoader creates a new configuration loader reading the process environment.
func NewLoader() *Loader {
	return NewLoaderWithLookup(os.LookupEnv)
}

// NewLoaderWithLookup creates a loader with a custom environment source.
func NewLoaderWithLookup(lookup LookupFunc) *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookup:     lookup,
	}
}

// Lookup returns the environment source used by this loader.
func (l *Loader) Lookup() LookupFunc {
	return l.lookup
}

// Load reads and parses a configuration file. An empty path uses the
// defaults plus the environment overlay.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookup(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv overlays well-known environment variables on top of the file.
func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%w: PORT %q is not a valid port", ErrInvalidConfig, v)
		}
		cfg.Listener.Address = ":" + v
	}
	if v, ok := l.lookup("JWT_SECRET"); ok && v != "" {
		cfg.Auth.Secret = v
	}
	if v, ok := l.lookup("JWT_ALGORITHM"); ok && v != "" {
		cfg.Auth.Algorithm = v
	}
	if v, ok := l.lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := l.lookup("LOG_OUTPUT"); ok && v != "" {
		cfg.Logging.Output = v
	}
	if v, ok := l.lookup("GATEWAY_ENV"); ok && v != "" {
		cfg.Environment.Mode = normalizeMode(v)
	} else if v, ok := l.lookup("NODE_ENV"); ok && v != "" {
		cfg.Environment.Mode = normalizeMode(v)
	}
	if v, ok := l.lookup("DOCKER_ENV"); ok && v != "" {
		cfg.Environment.Docker = v == "true"
	}
	if v, ok := l.lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Address = v
	}
	if v, ok := l.lookup("REDIS_PASSWORD"); ok && v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := l.lookup("RATE_LIMIT_STORE"); ok && v != "" {
		cfg.RateLimit.Store = v
	}
	if v, ok := l.lookup("ADMIN_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ADMIN_PORT %q is not a number", ErrInvalidConfig, v)
		}
		cfg.Admin.Port = port
	}
	if v, ok := l.lookup("TRACING_ENABLED"); ok && v != "" {
		cfg.Tracing.Enabled = v == "true"
	}
	if v, ok := l.lookup("PROXY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PROXY_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Proxy.Timeout = d
	}
	return nil
}

// normalizeMode treats anything but "development" as production.
func normalizeMode(v string) string {
	if strings.EqualFold(v, ModeDevelopment) {
		return ModeDevelopment
	}
	return ModeProduction
}

var validAlgorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

var validClasses = map[string]bool{
	"":                true,
	RateLimitNone:     true,
	RateLimitStandard: true,
	RateLimitStrict:   true,
	RateLimitAuth:     true,
}

// Validate checks configuration for errors.
func Validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("%w: listener address is required", ErrInvalidConfig)
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("%w: auth secret is required (set JWT_SECRET)", ErrInvalidConfig)
	}
	if !validAlgorithms[cfg.Auth.Algorithm] {
		return fmt.Errorf("%w: unsupported auth algorithm %q", ErrInvalidConfig, cfg.Auth.Algorithm)
	}

	switch cfg.Environment.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("%w: environment mode must be %q or %q, got %q",
			ErrInvalidConfig, ModeDevelopment, ModeProduction, cfg.Environment.Mode)
	}

	switch cfg.RateLimit.Store {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("%w: rate_limit store redis requires redis.address", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown rate_limit store %q", ErrInvalidConfig, cfg.RateLimit.Store)
	}
	for _, name := range []string{RateLimitAuth, RateLimitStandard, RateLimitStrict} {
		w, _ := cfg.RateLimit.Class(name)
		if w.Window <= 0 || w.Max <= 0 {
			return fmt.Errorf("%w: rate_limit.%s needs a positive window and max", ErrInvalidConfig, name)
		}
	}

	if cfg.Body.MaxBytes <= 0 {
		return fmt.Errorf("%w: body.max_bytes must be positive", ErrInvalidConfig)
	}
	if cfg.Proxy.Timeout <= 0 {
		return fmt.Errorf("%w: proxy.timeout must be positive", ErrInvalidConfig)
	}
	if cfg.Proxy.MaxRedirects < 0 {
		return fmt.Errorf("%w: proxy.max_redirects must not be negative", ErrInvalidConfig)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("%w: tracing.sample_rate must be between 0 and 1", ErrInvalidConfig)
	}
	if cfg.ProxyHops < 0 {
		return fmt.Errorf("%w: proxy_hops must not be negative", ErrInvalidConfig)
	}
	for _, p := range cfg.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				return fmt.Errorf("%w: trusted_proxies: invalid network %q", ErrInvalidConfig, p)
			}
		}
	}
	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("%w: admin.port %d out of range", ErrInvalidConfig, cfg.Admin.Port)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("%w: at least one service is required", ErrInvalidConfig)
	}
	names := make(map[string]bool, len(cfg.Services))
	prefixes := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("%w: service %d: name is required", ErrInvalidConfig, i)
		}
		if names[svc.Name] {
			return fmt.Errorf("%w: duplicate service name: %s", ErrInvalidConfig, svc.Name)
		}
		names[svc.Name] = true

		if err := validatePrefix(svc.Prefix); err != nil {
			return fmt.Errorf("%w: service %s: %v", ErrInvalidConfig, svc.Name, err)
		}
		if prefixes[svc.Prefix] {
			return fmt.Errorf("%w: duplicate service prefix: %s", ErrInvalidConfig, svc.Prefix)
		}
		prefixes[svc.Prefix] = true

		if svc.URL == "" && (svc.Port <= 0 || svc.Port > 65535) {
			return fmt.Errorf("%w: service %s: port %d out of range", ErrInvalidConfig, svc.Name, svc.Port)
		}
		if svc.URL != "" {
			if _, err := url.Parse(svc.URL); err != nil {
				return fmt.Errorf("%w: service %s: invalid url: %v", ErrInvalidConfig, svc.Name, err)
			}
		}
		switch svc.Scheme {
		case "", "http", "https":
		default:
			return fmt.Errorf("%w: service %s: unsupported scheme %q", ErrInvalidConfig, svc.Name, svc.Scheme)
		}
		if !validClasses[svc.RateLimit] {
			return fmt.Errorf("%w: service %s: unknown rate_limit class %q", ErrInvalidConfig, svc.Name, svc.RateLimit)
		}
	}

	return nil
}

func validatePrefix(prefix string) error {
	switch {
	case prefix == "":
		return fmt.Errorf("prefix is required")
	case prefix == "/":
		return fmt.Errorf("prefix / would shadow every route")
	case !strings.HasPrefix(prefix, "/"):
		return fmt.Errorf("prefix %q must start with /", prefix)
	case strings.HasSuffix(prefix, "/"):
		return fmt.Errorf("prefix %q must not end with /", prefix)
	}
	return nil
}
