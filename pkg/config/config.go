// Package config provides unified configuration for the mcpconnect server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (MCPCONNECT_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. MCP server transport resolution
//  6. Validation
package config

import (
	"time"

	"github.com/rhuss/mcpconnect/pkg/mcp"
)

// Config holds all configuration for the mcpconnect server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Flows         FlowsConfig         `yaml:"flows"`
	Crypto        CryptoConfig        `yaml:"crypto"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DebugConfig selects debug categories and the log level. The
// MCPCONNECT_DEBUG and MCPCONNECT_LOG_LEVEL variables take precedence.
type DebugConfig struct {
	Categories string `yaml:"categories"` // comma-separated, e.g. "mcp,oauth"
	Level      string `yaml:"level"`      // default: "INFO"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 180s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// StorageConfig holds token persistence settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// FlowsConfig holds settings for the store behind OAuth flow state.
type FlowsConfig struct {
	Type         string        `yaml:"type"`          // "memory" or "redis", default: "memory"
	TTL          time.Duration `yaml:"ttl"`           // default: 120s
	PollInterval time.Duration `yaml:"poll_interval"` // default: 2s
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string `yaml:"url"` // takes precedence over addr/password/db
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // _file variant for password
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
}

// CryptoConfig holds the key used to encrypt stored OAuth tokens.
type CryptoConfig struct {
	Key          string `yaml:"key"`           // 64 hex characters
	KeyFile      string `yaml:"key_file"`      // _file variant for key
	WriteVersion string `yaml:"write_version"` // "v3" or "v4", default: "v4"
}

// AuthConfig holds management API authentication settings.
type AuthConfig struct {
	Type    string         `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"` // API key entries for type=apikey
	JWT     JWTConfig      `yaml:"jwt"`

	// RequestsPerMinute limits management API requests per subject. Zero
	// disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key      string `yaml:"key" json:"key"`
	KeyFile  string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject  string `yaml:"subject" json:"subject"`
	Email    string `yaml:"email" json:"email"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
}

// JWTConfig holds settings for HS256-signed bearer tokens.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"` // _file variant for secret
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	UserClaim  string `yaml:"user_claim"` // default: "sub"
}

// MCPConfig holds the configured MCP servers and connection settings.
type MCPConfig struct {
	Servers map[string]*mcp.ServerConfig `yaml:"servers"`

	InitTimeout          time.Duration `yaml:"init_timeout"`           // default: 120s
	OAuthTimeout         time.Duration `yaml:"oauth_timeout"`          // default: 120s
	PingTTL              time.Duration `yaml:"ping_ttl"`               // default: 60s
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // default: 3
	IdleTimeout          time.Duration `yaml:"idle_timeout"`           // default: 15m
	IdleSweepInterval    time.Duration `yaml:"idle_sweep_interval"`    // default: 1m

	// RedirectBaseURL is the externally reachable root of this server;
	// the OAuth callback path is appended to it.
	RedirectBaseURL string `yaml:"redirect_base_url"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    180 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Flows: FlowsConfig{
			Type:         "memory",
			TTL:          120 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Crypto: CryptoConfig{
			WriteVersion: "v4",
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				UserClaim: "sub",
			},
		},
		MCP: MCPConfig{
			InitTimeout:          mcp.DefaultInitTimeout,
			OAuthTimeout:         mcp.DefaultOAuthTimeout,
			PingTTL:              mcp.DefaultPingTTL,
			MaxReconnectAttempts: mcp.DefaultMaxReconnectAttempts,
			IdleTimeout:          mcp.DefaultIdleTimeout,
			IdleSweepInterval:    time.Minute,
			RedirectBaseURL:      "http://localhost:8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Debug: DebugConfig{
			Level: "INFO",
		},
	}
}
