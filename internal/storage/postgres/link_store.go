// Package postgres persists job links in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "job_links"
	defaultLimit = 50
)

// Config controls the Postgres connection pool used for link rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// LinkStore reads and updates rows in the job links table.
type LinkStore struct {
	pool  pool
	table string
}

// NewLinkStore connects a pool using cfg.
func NewLinkStore(ctx context.Context, cfg Config) (*LinkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LinkStore{pool: p, table: table}, nil
}

// NewLinkStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLinkStoreWithPool(p pool, table string) (*LinkStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LinkStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LinkStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *LinkStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// ListEligible returns links awaiting processing, oldest submission first.
func (s *LinkStore) ListEligible(ctx context.Context, q links.EligibilityQuery) ([]links.SubmittedLink, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = links.DefaultMaxLongRetry
	}
	statuses := make([]string, 0, len(links.EligibleStatuses))
	for _, st := range links.EligibleStatuses {
		statuses = append(statuses, string(st))
	}

	query := fmt.Sprintf(`
SELECT id, original_url, attempts_count, last_attempt_at
FROM %s
WHERE status = ANY($1)
	AND attempts_count <= $2
	AND (last_attempt_at IS NULL OR last_attempt_at < $3)
ORDER BY created_at ASC
LIMIT $4`, s.table)

	rows, err := s.pool.Query(ctx, query, statuses, maxAttempts, q.AttemptedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible links: %w", err)
	}
	defer rows.Close()

	var out []links.SubmittedLink
	for rows.Next() {
		var link links.SubmittedLink
		if err := rows.Scan(&link.ID, &link.OriginalURL, &link.AttemptsCount, &link.LastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link rows: %w", err)
	}
	return out, nil
}

// SaveOutcome writes a run outcome onto the link row. attempts_count never decreases.
func (s *LinkStore) SaveOutcome(ctx context.Context, outcome links.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	var metadata []byte
	if outcome.Metadata != nil {
		var err error
		metadata, err = json.Marshal(outcome.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	failure_stage = $3,
	attempts_count = GREATEST(attempts_count, $4),
	last_attempt_at = $5,
	final_url = $6,
	extracted_metadata = $7,
	error_message = $8,
	scraped_text_uri = $9,
	updated_at = $5
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		outcome.LinkID,
		string(outcome.Status),
		nullable(string(outcome.FailureStage)),
		outcome.AttemptsCount,
		outcome.AttemptedAt,
		nullable(outcome.URL),
		metadata,
		nullable(outcome.Error),
		nullable(outcome.TextURI),
	)
	if err != nil {
		return fmt.Errorf("update link %s: %w", outcome.LinkID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update link %s: %w", outcome.LinkID, links.ErrLinkNotFound)
	}
	return nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
