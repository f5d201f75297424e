package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/mcp"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, MCPCONNECT_CONFIG env, ./config.yaml, /etc/mcpconnect/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. MCP server transport resolution
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Transports are fixed once here so that nothing downstream has to
	// guess from the config shape again.
	if err := mcp.ResolveServers(cfg.MCP.Servers); err != nil {
		return nil, fmt.Errorf("resolving mcp servers: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. MCPCONNECT_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/mcpconnect/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("MCPCONNECT_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/mcpconnect/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps MCPCONNECT_* environment variables to config
// fields. Malformed numbers are ignored; malformed JSON is an error since
// it would otherwise silently drop servers or keys.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MCPCONNECT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MCPCONNECT_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("MCPCONNECT_STORAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Storage.MaxSize = size
		}
	}
	if v := os.Getenv("MCPCONNECT_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("MCPCONNECT_FLOWS"); v != "" {
		cfg.Flows.Type = v
	}
	if v := os.Getenv("MCPCONNECT_REDIS_URL"); v != "" {
		cfg.Flows.Redis.URL = v
	}
	if v := os.Getenv("MCPCONNECT_REDIS_ADDR"); v != "" {
		cfg.Flows.Redis.Addr = v
	}
	if v := os.Getenv("MCPCONNECT_ENCRYPTION_KEY"); v != "" {
		cfg.Crypto.Key = v
	}
	if v := os.Getenv("MCPCONNECT_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("MCPCONNECT_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
	if v := os.Getenv("MCPCONNECT_REDIRECT_BASE_URL"); v != "" {
		cfg.MCP.RedirectBaseURL = v
	}

	// MCPCONNECT_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("MCPCONNECT_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	// MCPCONNECT_MCP_SERVERS: JSON object of server configs keyed by name.
	if v := os.Getenv("MCPCONNECT_MCP_SERVERS"); v != "" {
		servers, err := parseMCPServersJSON(v)
		if err != nil {
			return err
		}
		if len(servers) > 0 {
			cfg.MCP.Servers = servers
		}
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing MCPCONNECT_API_KEYS: %w", err)
	}
	return keys, nil
}

// parseMCPServersJSON parses a JSON object of MCP server configurations.
func parseMCPServersJSON(jsonStr string) (map[string]*mcp.ServerConfig, error) {
	var servers map[string]*mcp.ServerConfig
	if err := json.Unmarshal([]byte(jsonStr), &servers); err != nil {
		return nil, fmt.Errorf("parsing MCPCONNECT_MCP_SERVERS: %w", err)
	}
	return servers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"flows.redis.password_file", cfg.Flows.Redis.PasswordFile, &cfg.Flows.Redis.Password},
		{"crypto.key_file", cfg.Crypto.KeyFile, &cfg.Crypto.Key},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		refs = append(refs, struct {
			name  string
			file  string
			value *string
		}{fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
