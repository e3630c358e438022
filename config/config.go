package config

import (
	"time"
)

// Rate limit class names accepted in service entries.
const (
	RateLimitNone     = "none"
	RateLimitStandard = "standard"
	RateLimitStrict   = "strict"
	RateLimitAuth     = "auth"
)

// Environment modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config represents the complete gateway configuration
type Config struct {
	Environment     EnvironmentConfig     `yaml:"environment"`
	Listener        ListenerConfig        `yaml:"listener"`
	Auth            AuthConfig            `yaml:"auth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Redis           RedisConfig           `yaml:"redis"`
	CORS            CORSConfig            `yaml:"cors"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Compression     CompressionConfig     `yaml:"compression"`
	Body            BodyConfig            `yaml:"body"`
	Proxy           ProxyConfig           `yaml:"proxy"`
	Logging         LoggingConfig         `yaml:"logging"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Admin           AdminConfig           `yaml:"admin"`
	Shutdown        ShutdownConfig        `yaml:"shutdown"`
	TrustProxy      bool                  `yaml:"trust_proxy"`     // take the client IP from X-Forwarded-For
	ProxyHops       int                   `yaml:"proxy_hops"`      // proxies in front of the gateway, default 1
	TrustedProxies  []string              `yaml:"trusted_proxies"` // CIDRs those proxies connect from
	Services        []ServiceConfig       `yaml:"services"`
}

// EnvironmentConfig selects how upstream hosts are derived.
type EnvironmentConfig struct {
	Mode   string `yaml:"mode"`   // development | production
	Docker bool   `yaml:"docker"` // services reachable by container name
}

// IsDevelopment reports whether the gateway runs in development mode.
func (e EnvironmentConfig) IsDevelopment() bool {
	return e.Mode == ModeDevelopment
}

// ListenerConfig defines the public HTTP listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`  // 0 disables; uploads may be large
	WriteTimeout      time.Duration `yaml:"write_timeout"` // 0 disables; the proxy timeout bounds responses
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// AuthConfig defines bearer token verification.
type AuthConfig struct {
	Secret    string `yaml:"secret" redact:"true"`
	Algorithm string `yaml:"algorithm"` // HS256, HS384, HS512
}

// RateLimitConfig defines the fixed-window limiter and its classes.
type RateLimitConfig struct {
	Store    string        `yaml:"store"`  // memory | redis
	Prefix   string        `yaml:"prefix"` // key prefix in the shared store
	Timeout  time.Duration `yaml:"timeout"`
	Auth     WindowConfig  `yaml:"auth"`
	Standard WindowConfig  `yaml:"standard"`
	Strict   WindowConfig  `yaml:"strict"`
}

// WindowConfig is one rate limit class: at most Max requests per Window.
type WindowConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Class returns the window settings for a class name.
func (c RateLimitConfig) Class(name string) (WindowConfig, bool) {
	switch name {
	case RateLimitAuth:
		return c.Auth, true
	case RateLimitStandard:
		return c.Standard, true
	case RateLimitStrict:
		return c.Strict, true
	}
	return WindowConfig{}, false
}

// RedisConfig defines the shared counter store connection.
type RedisConfig struct {
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password" redact:"true"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // total startup wait before giving up
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// SecurityHeadersConfig defines automatic security response headers.
type SecurityHeadersConfig struct {
	Enabled                       bool              `yaml:"enabled"`
	StrictTransportSecurity       string            `yaml:"strict_transport_security"` // sent in production only
	ContentSecurityPolicy         string            `yaml:"content_security_policy"`
	XContentTypeOptions           string            `yaml:"x_content_type_options"` // default "nosniff"
	XFrameOptions                 string            `yaml:"x_frame_options"`
	XDNSPrefetchControl           string            `yaml:"x_dns_prefetch_control"`
	XDownloadOptions              string            `yaml:"x_download_options"`
	ReferrerPolicy                string            `yaml:"referrer_policy"`
	XPermittedCrossDomainPolicies string            `yaml:"x_permitted_cross_domain_policies"`
	CustomHeaders                 map[string]string `yaml:"custom_headers"`
}

// CompressionConfig defines response compression settings
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`         // 0-11, default 6
	MinSize      int      `yaml:"min_size"`      // default 1024 bytes
	ContentTypes []string `yaml:"content_types"` // MIME types to compress
	Algorithms   []string `yaml:"algorithms"`    // "gzip", "br", "zstd"; default all three
}

// BodyConfig bounds parsed request bodies.
type BodyConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// ProxyConfig defines upstream forwarding behavior.
type ProxyConfig struct {
	Timeout         time.Duration   `yaml:"timeout"` // dial through full response
	FollowRedirects bool            `yaml:"follow_redirects"`
	MaxRedirects    int             `yaml:"max_redirects"`
	Transport       TransportConfig `yaml:"transport"`
}

// TransportConfig defines upstream connection pool settings.
type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	DisableKeepAlives   bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"` // upstream TLS only
	FlushInterval       time.Duration `yaml:"flush_interval"`       // 0 flushes after every read
	Nameservers         []string      `yaml:"nameservers"`          // host:port; empty uses the system resolver
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// TracingConfig defines OpenTelemetry span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"` // host:port; empty uses OTEL_EXPORTER_OTLP_ENDPOINT
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers" redact:"true"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ShutdownConfig defines graceful shutdown settings.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ServiceConfig declares one upstream service and the prefix it owns.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Prefix    string `yaml:"prefix"`
	Host      string `yaml:"host"` // default <name>-service
	Port      int    `yaml:"port"`
	Scheme    string `yaml:"scheme"` // default http
	URL       string `yaml:"url"`    // fixed target, below the <NAME>_SERVICE_URL override
	Auth      bool   `yaml:"auth"`
	RateLimit string `yaml:"rate_limit"` // none | standard | strict | auth
	WebSocket *bool  `yaml:"websocket"`  // default true
}

// HostName returns the service's network name on the container network.
func (s ServiceConfig) HostName() string {
	if s.Host != "" {
		return s.Host
	}
	return s.Name + "-service"
}

// WebSocketEnabled reports whether upgrade requests may be relayed.
func (s ServiceConfig) WebSocketEnabled() bool {
	return s.WebSocket == nil || *s.WebSocket
}

// TrustedHops returns how many X-Forwarded-For entries, counted from the
// right, were appended by trusted proxies. Zero means forwarding headers
// are ignored.
func (c *Config) TrustedHops() int {
	if !c.TrustProxy {
		return 0
	}
	if c.ProxyHops < 1 {
		return 1
	}
	return c.ProxyHops
}

// DefaultTrustedProxies covers loopback and private networks, where the
// load balancer or container network sits.
func DefaultTrustedProxies() []string {
	return []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"::1/128", "fc00::/7",
	}
}

// DefaultServices returns the platform's service map.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Name: "auth", Prefix: "/api/auth", Port: 3001, RateLimit: RateLimitNone},
		{Name: "user", Prefix: "/api/users", Port: 3015, RateLimit: RateLimitAuth},
		{Name: "restaurant", Prefix: "/api/restaurants", Port: 3012, RateLimit: RateLimitStandard},
		{Name: "order", Prefix: "/api/orders", Port: 3010, Auth: true, RateLimit: RateLimitStandard},
		{Name: "booking", Prefix: "/api/bookings", Port: 3002, Auth: true, RateLimit: RateLimitStandard},
		{Name: "inventory", Prefix: "/api/inventory", Port: 3005, Auth: true, RateLimit: RateLimitStandard},
		{Name: "notification", Prefix: "/api/notification", Port: 3009, Auth: true, RateLimit: RateLimitStandard},
		{Name: "review", Prefix: "/api/review", Port: 3013, RateLimit: RateLimitStandard},
		{Name: "menu", Prefix: "/api/menu", Port: 3008, RateLimit: RateLimitStandard},
		{Name: "payment", Prefix: "/api/payment", Port: 3011, Auth: true, RateLimit: RateLimitStandard},
		{Name: "analytics", Prefix: "/api/analytics", Port: 3016, Auth: true, RateLimit: RateLimitStandard},
		{Name: "chat", Prefix: "/api/chat", Port: 3003, Auth: true, RateLimit: RateLimitStandard},
		{Name: "media", Prefix: "/api/media", Port: 3007, RateLimit: RateLimitStandard},
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			Mode: ModeProduction,
		},
		Listener: ListenerConfig{
			Address:           ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		RateLimit: RateLimitConfig{
			Store:    "memory",
			Prefix:   "gw:rl:",
			Timeout:  100 * time.Millisecond,
			Auth:     WindowConfig{Window: 15 * time.Minute, Max: 100},
			Standard: WindowConfig{Window: time.Hour, Max: 1000},
			Strict:   WindowConfig{Window: time.Minute, Max: 10},
		},
		Redis: RedisConfig{
			Address:        "localhost:6379",
			PoolSize:       10,
			DialTimeout:    5 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		CORS: CORSConfig{
			Enabled: true,
			AllowOrigins: []string{
				"*",
				"http://localhost:8081",
				"http://localhost:5000",
				"http://localhost:8000",
				"http://localhost:3000",
				"https://imranmd96.github.io",
			},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "X-API-Source"},
			AllowCredentials: true,
			MaxAge:           86400,
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:                       true,
			StrictTransportSecurity:       "max-age=15552000; includeSubDomains",
			XContentTypeOptions:           "nosniff",
			XFrameOptions:                 "SAMEORIGIN",
			XDNSPrefetchControl:           "off",
			XDownloadOptions:              "noopen",
			ReferrerPolicy:                "no-referrer",
			XPermittedCrossDomainPolicies: "none",
		},
		Compression: CompressionConfig{
			Enabled: true,
			Level:   6,
			MinSize: 1024,
		},
		Body: BodyConfig{
			MaxBytes: 50 << 20,
		},
		Proxy: ProxyConfig{
			Timeout:         300 * time.Second,
			FollowRedirects: true,
			MaxRedirects:    10,
			Transport: TransportConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "api-gateway",
			SampleRate:  1.0,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
		TrustProxy:     true,
		ProxyHops:      1,
		TrustedProxies: DefaultTrustedProxies(),
		Services:       DefaultServices(),
	}
}
