// Package policy provides the durable policy store and the cache-aside lookup in front of it.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/config"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS api_limits (
		api_key VARCHAR(255) PRIMARY KEY,
		limit_count INTEGER NOT NULL,
		window_seconds INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_limits_created_at ON api_limits(created_at)`,
}

// Open connects to the configured database and applies pool settings.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// Every sqlite connection to :memory: opens its own empty database,
		// so the schema and rows only exist on one long-lived connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return "postgres", nil
	case "sqlite":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}
}

// SQLRepository implements ratelimit.PolicyRepository on postgres or sqlite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates the repository and bootstraps the schema.
func NewSQLRepository(ctx context.Context, db *sqlx.DB) (*SQLRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	r := &SQLRepository{db: db}
	if err := r.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts the policy or updates limit and window of an existing one.
// createdAt is kept on update.
func (r *SQLRepository) Save(ctx context.Context, p *ratelimit.Policy) (bool, error) {
	p.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt time.Time
	err = tx.GetContext(ctx, &createdAt,
		tx.Rebind(`SELECT created_at FROM api_limits WHERE api_key = ?`), p.APIKey)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created, err = r.insertOrUpdate(ctx, tx, p)
	case err == nil:
		err = r.update(ctx, tx, p)
	}
	if err != nil {
		return false, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to save policy", err)
	}

	if err := tx.Commit(); err != nil {
		return false, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to commit policy", err)
	}
	return created, nil
}

// insertOrUpdate inserts p. When a concurrent create committed the key first,
// the insert is a no-op and p is applied as an update instead.
func (r *SQLRepository) insertOrUpdate(ctx context.Context, tx *sqlx.Tx, p *ratelimit.Policy) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO api_limits (api_key, limit_count, window_seconds, created_at, updated_at)
		VALUES (:api_key, :limit_count, :window_seconds, :created_at, :updated_at)
		ON CONFLICT (api_key) DO NOTHING`, p)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, r.update(ctx, tx, p)
}

// update applies limit and window to the stored row and loads its createdAt into p.
func (r *SQLRepository) update(ctx context.Context, tx *sqlx.Tx, p *ratelimit.Policy) error {
	if _, err := tx.NamedExecContext(ctx, `
		UPDATE api_limits
		SET limit_count = :limit_count, window_seconds = :window_seconds, updated_at = :updated_at
		WHERE api_key = :api_key`, p); err != nil {
		return err
	}
	return tx.GetContext(ctx, &p.CreatedAt,
		tx.Rebind(`SELECT created_at FROM api_limits WHERE api_key = ?`), p.APIKey)
}

// FindByAPIKey returns the policy for apiKey.
func (r *SQLRepository) FindByAPIKey(ctx context.Context, apiKey string) (*ratelimit.Policy, error) {
	query := r.db.Rebind(`
		SELECT api_key, limit_count, window_seconds, created_at, updated_at
		FROM api_limits
		WHERE api_key = ?`)

	var p ratelimit.Policy
	if err := r.db.GetContext(ctx, &p, query, apiKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ratelimit.ErrNotFound
		}
		return nil, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to get policy", err)
	}
	return &p, nil
}

// ExistsByAPIKey reports whether a policy is stored for apiKey.
func (r *SQLRepository) ExistsByAPIKey(ctx context.Context, apiKey string) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM api_limits WHERE api_key = ?`)
	if err := r.db.GetContext(ctx, &n, query, apiKey); err != nil {
		return false, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to check policy", err)
	}
	return n > 0, nil
}

// DeleteByAPIKey removes the policy for apiKey.
func (r *SQLRepository) DeleteByAPIKey(ctx context.Context, apiKey string) error {
	query := r.db.Rebind(`DELETE FROM api_limits WHERE api_key = ?`)
	if _, err := r.db.ExecContext(ctx, query, apiKey); err != nil {
		return ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to delete policy", err)
	}
	return nil
}

// List returns one page of policies, newest first, with the total row count.
func (r *SQLRepository) List(ctx context.Context, page, size int) ([]ratelimit.Policy, int64, error) {
	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM api_limits`); err != nil {
		return nil, 0, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to count policies", err)
	}

	query := r.db.Rebind(`
		SELECT api_key, limit_count, window_seconds, created_at, updated_at
		FROM api_limits
		ORDER BY created_at DESC, api_key ASC
		LIMIT ? OFFSET ?`)

	policies := []ratelimit.Policy{}
	if err := r.db.SelectContext(ctx, &policies, query, size, page*size); err != nil {
		return nil, 0, ratelimit.WrapError(ratelimit.ErrRepositoryDown, "failed to list policies", err)
	}
	return policies, total, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
