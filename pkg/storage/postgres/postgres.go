// Package postgres provides a PostgreSQL implementation of storage.TokenStore.
// It uses pgx/v5 for connection pooling and JSONB for record metadata.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/mcpconnect/pkg/storage"
)

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is a PostgreSQL-backed TokenStore.
type Store struct {
	pool DB
	now  func() time.Time
}

// Ensure Store implements storage.TokenStore at compile time.
var _ storage.TokenStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := NewWithDB(pool)

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// NewWithDB wraps an existing pool. No migrations are run.
func NewWithDB(db DB) *Store {
	return &Store{pool: db, now: time.Now}
}

const selectColumns = `user_id, type, identifier, token, expires_at, metadata, created_at, updated_at`

// FindToken returns the most recently updated record matching filter.
func (s *Store) FindToken(ctx context.Context, filter storage.TokenFilter) (*storage.Token, error) {
	where, args, err := whereClause(ctx, filter)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + selectColumns + " FROM tokens WHERE " + where + " ORDER BY updated_at DESC LIMIT 1"

	var t storage.Token
	var expiresAt sql.NullTime
	var metadata []byte
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&t.UserID, &t.Type, &t.Identifier, &t.Token,
		&expiresAt, &metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.Time
		if remaining := t.ExpiresAt.Sub(s.now()); remaining > 0 {
			t.ExpiresIn = int64(remaining / time.Second)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling token metadata: %w", err)
		}
	}
	return &t, nil
}

// CreateToken inserts a new record.
func (s *Store) CreateToken(ctx context.Context, t *storage.Token) error {
	if t.UserID == "" || t.Type == "" || t.Identifier == "" {
		return errors.New("token requires user id, type and identifier")
	}
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	now := s.now()
	rec := *t
	rec.ResolveExpiry(now)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tokens (
			tenant_id, user_id, type, identifier, token,
			expires_at, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		storage.GetTenant(ctx), rec.UserID, rec.Type, rec.Identifier, rec.Token,
		nullTime(rec.ExpiresAt), metadata, now, now,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// UpdateToken replaces payload, expiry and metadata of the matching record.
func (s *Store) UpdateToken(ctx context.Context, filter storage.TokenFilter, t *storage.Token) error {
	where, args, err := whereClause(ctx, filter)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	now := s.now()
	rec := *t
	rec.ResolveExpiry(now)

	n := len(args)
	query := fmt.Sprintf(
		"UPDATE tokens SET token = $%d, expires_at = $%d, metadata = $%d, updated_at = $%d WHERE %s",
		n+1, n+2, n+3, n+4, where,
	)
	args = append(args, rec.Token, nullTime(rec.ExpiresAt), metadata, now)

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteToken removes the matching record.
func (s *Store) DeleteToken(ctx context.Context, filter storage.TokenFilter) error {
	where, args, err := whereClause(ctx, filter)
	if err != nil {
		return err
	}
	result, err := s.pool.Exec(ctx, "DELETE FROM tokens WHERE "+where, args...)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpired removes records whose expiry is before the given time,
// across all tenants, and returns the number removed.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx,
		"DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// whereClause builds the tenant-scoped condition for filter.
func whereClause(ctx context.Context, f storage.TokenFilter) (string, []any, error) {
	if f.UserID == "" || (f.Type == "" && f.Identifier == "") {
		return "", nil, errors.New("token filter requires user id and type or identifier")
	}
	conds := []string{"tenant_id = $1", "user_id = $2"}
	args := []any{storage.GetTenant(ctx), f.UserID}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Identifier != "" {
		args = append(args, f.Identifier)
		conds = append(conds, fmt.Sprintf("identifier = $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling token metadata: %w", err)
	}
	return b, nil
}

// nullTime converts a zero time to nil for nullable TIMESTAMPTZ columns.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
