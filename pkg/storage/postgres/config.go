package postgres

import "time"

// Config controls the token store's pgx pool.
type Config struct {
	DSN string

	MaxConns int32 // default: 25
	MinConns int32 // default: 2

	// MaxConnIdleTime closes pooled connections that sat unused this
	// long. Default: 10m.
	MaxConnIdleTime time.Duration

	// MigrateOnStart applies the embedded schema before New returns.
	MigrateOnStart bool
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 10 * time.Minute
	}
	return c
}
