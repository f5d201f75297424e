// Command server runs the mcpconnect MCP connection manager and its
// management API.
//
// Configuration is read from a YAML file (see pkg/config) with
// MCPCONNECT_* environment overrides. The file is taken from -config,
// MCPCONNECT_CONFIG, ./config.yaml or /etc/mcpconnect/config.yaml.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/mcpconnect/pkg/auth"
	"github.com/rhuss/mcpconnect/pkg/auth/apikey"
	"github.com/rhuss/mcpconnect/pkg/auth/header"
	"github.com/rhuss/mcpconnect/pkg/auth/jwt"
	"github.com/rhuss/mcpconnect/pkg/config"
	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/flow"
	"github.com/rhuss/mcpconnect/pkg/kv"
	kvredis "github.com/rhuss/mcpconnect/pkg/kv/redis"
	"github.com/rhuss/mcpconnect/pkg/mcp"
	"github.com/rhuss/mcpconnect/pkg/oauth"
	"github.com/rhuss/mcpconnect/pkg/storage"
	"github.com/rhuss/mcpconnect/pkg/storage/memory"
	"github.com/rhuss/mcpconnect/pkg/storage/postgres"
	"github.com/rhuss/mcpconnect/pkg/tokencrypto"
	"github.com/rhuss/mcpconnect/pkg/transport"
	transporthttp "github.com/rhuss/mcpconnect/pkg/transport/http"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Debug.Categories, cfg.Debug.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]transport.HealthChecker{}

	tokens, err := newTokenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeQuietly("storage", tokens)
	if hc, ok := tokens.(transport.HealthChecker); ok {
		checks["storage"] = hc
	}

	flowStore, err := newFlowStore(ctx, cfg.Flows)
	if err != nil {
		return err
	}
	defer closeQuietly("flows", flowStore)
	if hc, ok := flowStore.(transport.HealthChecker); ok {
		checks["flows"] = hc
	}

	cipher, err := newCipher(cfg.Crypto)
	if err != nil {
		return err
	}

	handler := oauth.NewHandler(cfg.MCP.RedirectBaseURL, oauth.WithClientName("mcpconnect"))
	flows := flow.NewManager[*oauth.Tokens](flowStore,
		flow.WithTTL(cfg.Flows.TTL),
		flow.WithPollInterval(cfg.Flows.PollInterval),
	)
	tokenStorage := oauth.NewTokenStorage(tokens, cipher)

	manager := mcp.NewManager(mcp.Deps{
		Servers: cfg.MCP.Servers,
		Handler: handler,
		Tokens:  tokenStorage,
		Flows:   flows,
		ConnectionOptions: mcp.ConnectionOptions{
			InitTimeout:          cfg.MCP.InitTimeout,
			OAuthTimeout:         cfg.MCP.OAuthTimeout,
			PingTTL:              cfg.MCP.PingTTL,
			MaxReconnectAttempts: cfg.MCP.MaxReconnectAttempts,
			ClientName:           "mcpconnect",
			ClientVersion:        version,
		},
		IdleTimeout: cfg.MCP.IdleTimeout,
	})
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing MCP servers: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			slog.Warn("closing MCP connections", "error", err)
		}
	}()
	if cfg.MCP.IdleTimeout > 0 {
		manager.Users().StartIdleSweeper(ctx, cfg.MCP.IdleSweepInterval)
	}
	slog.Info("MCP servers initialized",
		"servers", len(cfg.MCP.Servers),
		"oauth_servers", manager.OAuthServers(),
	)

	authn, err := newAuthMiddleware(cfg.Auth)
	if err != nil {
		return err
	}

	adapterCfg := transporthttp.DefaultConfig()
	adapterCfg.Callback = &oauth.Callback{Handler: handler, Storage: tokenStorage, Flows: flows}
	adapterCfg.Checks = checks
	adapterCfg.MetricsPath = ""
	if cfg.Observability.Metrics.Enabled {
		adapterCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	adapter := transporthttp.NewAdapter(manager, adapterCfg)

	srv := transporthttp.NewServer(adapter.Handler(authn),
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	return srv.ListenAndServe(ctx)
}

// newTokenStore creates the token store selected by cfg.Type.
func newTokenStore(ctx context.Context, cfg config.StorageConfig) (storage.TokenStore, error) {
	switch cfg.Type {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("creating postgres token store: %w", err)
		}
		slog.Info("token storage enabled", "type", "postgres")
		return store, nil
	default:
		slog.Info("token storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	}
}

// newFlowStore creates the key/value store behind OAuth flow state.
func newFlowStore(ctx context.Context, cfg config.FlowsConfig) (kv.Store, error) {
	switch cfg.Type {
	case "redis":
		store, err := kvredis.New(ctx, kvredis.Config{
			URL:       cfg.Redis.URL,
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("creating redis flow store: %w", err)
		}
		slog.Info("flow store enabled", "type", "redis")
		return store, nil
	default:
		slog.Info("flow store enabled", "type", "memory")
		return kv.NewMemory(time.Minute), nil
	}
}

// newCipher creates the token cipher. Without a configured key an
// ephemeral one is generated, so stored tokens do not survive a restart.
func newCipher(cfg config.CryptoConfig) (*tokencrypto.Cipher, error) {
	key := cfg.Key
	if key == "" {
		raw := make([]byte, tokencrypto.KeySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating encryption key: %w", err)
		}
		key = hex.EncodeToString(raw)
		slog.Warn("no crypto.key configured, using an ephemeral key; stored tokens will be unreadable after restart")
	}
	cipher, err := tokencrypto.NewFromHex(key, tokencrypto.Version(cfg.WriteVersion))
	if err != nil {
		return nil, fmt.Errorf("creating token cipher: %w", err)
	}
	return cipher, nil
}

// newAuthMiddleware builds the management API authentication chain.
// Type "none" trusts identity headers from a fronting proxy and admits
// everyone else anonymously.
func newAuthMiddleware(cfg config.AuthConfig) (transport.Middleware, error) {
	chain := &auth.AuthChain{DefaultDecision: auth.No}

	switch cfg.Type {
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, apikey.Key{Key: k.Key, Subject: k.Subject, Email: k.Email, TenantID: k.TenantID})
		}
		chain.Authenticators = append(chain.Authenticators, apikey.New(keys))
	case "jwt":
		authn, err := jwt.New(jwt.Config{
			Secret:    []byte(cfg.JWT.Secret),
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			UserClaim: cfg.JWT.UserClaim,
		})
		if err != nil {
			return nil, fmt.Errorf("creating jwt authenticator: %w", err)
		}
		chain.Authenticators = append(chain.Authenticators, authn)
	default:
		chain.Authenticators = append(chain.Authenticators, header.New())
		chain.DefaultDecision = auth.Yes
		slog.Warn("management API authentication disabled, trusting identity headers")
	}

	var limiter auth.RateLimiter
	if cfg.RequestsPerMinute > 0 {
		limiter = auth.NewInProcessLimiter(cfg.RequestsPerMinute, time.Now)
	}
	return auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints), nil
}

func closeQuietly(name string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("closing "+name, "error", err)
	}
}
