package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
		errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
	}

	switch c.Flows.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("flows.type must be \"memory\" or \"redis\", got %q", c.Flows.Type))
	}
	if c.Flows.Type == "redis" && c.Flows.Redis.URL == "" && c.Flows.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("flows.redis.url or flows.redis.addr is required when flows.type is \"redis\""))
	}
	if c.Flows.TTL <= 0 {
		errs = append(errs, fmt.Errorf("flows.ttl must be > 0, got %v", c.Flows.TTL))
	}
	if c.Flows.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("flows.poll_interval must be > 0, got %v", c.Flows.PollInterval))
	}

	if c.Crypto.Key != "" {
		if key, err := hex.DecodeString(c.Crypto.Key); err != nil || len(key) != 32 {
			errs = append(errs, fmt.Errorf("crypto.key must be 64 hex characters"))
		}
	}
	switch c.Crypto.WriteVersion {
	case "v3", "v4":
	default:
		errs = append(errs, fmt.Errorf("crypto.write_version must be \"v3\" or \"v4\", got %q", c.Crypto.WriteVersion))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretFile == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.secret or auth.jwt.secret_file is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if u, err := url.Parse(c.MCP.RedirectBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("mcp.redirect_base_url must be an absolute URL, got %q", c.MCP.RedirectBaseURL))
	}
	if c.MCP.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("mcp.idle_timeout must not be negative, got %v", c.MCP.IdleTimeout))
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	return errors.Join(errs...)
}
