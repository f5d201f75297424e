package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/mcpconnect/pkg/debug"
)

// Repository is a keyed pool of app-scoped connections over a fixed set
// of server configurations. Connections are created lazily and replaced
// when they stop answering.
type Repository struct {
	configs map[string]*ServerConfig
	factory *Factory

	group singleflight.Group

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewRepository returns a repository over configs.
func NewRepository(configs map[string]*ServerConfig, factory *Factory) *Repository {
	return &Repository{
		configs: configs,
		factory: factory,
		conns:   make(map[string]*Connection),
	}
}

// Has reports whether name is configured in this repository.
func (r *Repository) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Names returns the configured server names in sorted order.
func (r *Repository) Names() []string {
	return slices.Sorted(maps.Keys(r.configs))
}

// Config returns the configuration of name.
func (r *Repository) Config(name string) (*ServerConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Get returns a live connection to name, connecting or reconnecting as
// needed. Concurrent calls for the same name share one attempt.
func (r *Repository) Get(ctx context.Context, name string) (*Connection, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	r.mu.Lock()
	existing := r.conns[name]
	r.mu.Unlock()
	if existing != nil && existing.IsConnected(ctx) {
		return existing, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.Lock()
		stale := r.conns[name]
		r.mu.Unlock()
		if stale != nil {
			if stale.IsConnected(ctx) {
				return stale, nil
			}
			debug.Log("pool", "replacing stale connection", "server", name)
			r.remove(name, stale)
			if err := stale.Disconnect(ctx); err != nil {
				debug.Log("pool", "disconnecting stale connection", "server", name, "error", err)
			}
		}

		conn, err := r.factory.Create(ctx, BasicOptions{ServerName: name, Config: ProcessEnv(cfg, nil, nil)}, nil)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.conns[name] = conn
		r.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// GetMany connects to names concurrently. Servers that fail are logged
// and left out of the result.
func (r *Repository) GetMany(ctx context.Context, names []string) map[string]*Connection {
	var mu sync.Mutex
	out := make(map[string]*Connection, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			conn, err := r.Get(gctx, name)
			if err != nil {
				debug.Log("pool", "connection failed", "server", name, "error", err)
				return nil
			}
			mu.Lock()
			out[name] = conn
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// GetAll connects to every configured server, tolerating failures.
func (r *Repository) GetAll(ctx context.Context) map[string]*Connection {
	return r.GetMany(ctx, r.Names())
}

// Loaded returns the connections currently held, connected or not.
func (r *Repository) Loaded() map[string]*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.conns)
}

// Disconnect closes and forgets the connection to name.
func (r *Repository) Disconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	conn := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

// DisconnectAll closes every connection.
func (r *Repository) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Repository) remove(name string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[name] == conn {
		delete(r.conns, name)
	}
}
