// Package postgres provides the Postgres-backed analysis job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable      = "analysis_jobs"
	uniqueViolation   = "23505"
	jobColumns        = `id, owner_id, website_url, status, attempt, error, result, created_at, stage_started_at, updated_at, finished_at`
	defaultStaleLimit = 100
)

// Config controls the Postgres connection pool backing the job store.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate creates the table and indexes on startup when true.
	Migrate bool `mapstructure:"migrate"`
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobStore persists analysis jobs in Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Migrate creates the jobs table and its indexes if missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.table) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateJob inserts job. A unique violation on the active-pair index becomes
// a *analysis.ConflictError naming the job that holds the pair.
func (s *JobStore) CreateJob(ctx context.Context, job analysis.Job) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table, jobColumns)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.WebsiteURL,
		string(job.Status),
		job.Attempt,
		job.Error,
		result,
		job.CreatedAt,
		job.StageStartedAt,
		job.UpdatedAt,
		job.FinishedAt,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeIndexName(s.table) {
		conflict := &analysis.ConflictError{WebsiteURL: job.WebsiteURL}
		if active, lookupErr := s.activeJobID(ctx, job.OwnerID, job.WebsiteURL); lookupErr == nil {
			conflict.ActiveJobID = active
		}
		return conflict
	}
	return fmt.Errorf("insert job: %w", err)
}

func (s *JobStore) activeJobID(ctx context.Context, ownerID, websiteURL string) (string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE owner_id = $1 AND website_url = $2 AND status NOT IN %s`,
		s.table, terminalList)
	var id string
	if err := s.pool.QueryRow(ctx, query, ownerID, websiteURL).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup active job: %w", err)
	}
	return id, nil
}

// UpdateJob writes the mutable columns when the stored status equals expected.
func (s *JobStore) UpdateJob(ctx context.Context, job analysis.Job, expected analysis.Status) error {
	if expected.Terminal() {
		return fmt.Errorf("job %s is terminal: %w", job.ID, analysis.ErrStatusChanged)
	}
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s
SET status = $2, error = $3, result = $4, stage_started_at = $5, updated_at = $6, finished_at = $7
WHERE id = $1 AND status = $8`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.Error,
		result,
		job.StageStartedAt,
		job.UpdatedAt,
		job.FinishedAt,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, current.Status, expected, analysis.ErrStatusChanged)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (analysis.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Job{}, fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
	}
	if err != nil {
		return analysis.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// LatestJob returns the active job for the pair, else the newest terminal one.
func (s *JobStore) LatestJob(ctx context.Context, ownerID, websiteURL string) (analysis.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE owner_id = $1 AND website_url = $2
ORDER BY (status NOT IN %s) DESC, created_at DESC, id DESC
LIMIT 1`, jobColumns, s.table, terminalList)
	job, err := scanJob(s.pool.QueryRow(ctx, query, ownerID, websiteURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Job{}, fmt.Errorf("no job for %s: %w", websiteURL, analysis.ErrNotFound)
	}
	if err != nil {
		return analysis.Job{}, fmt.Errorf("select latest job: %w", err)
	}
	return job, nil
}

// ListStale returns non-terminal jobs last updated before the cutoff.
func (s *JobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]analysis.Job, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status NOT IN %s AND updated_at < $1
ORDER BY updated_at
LIMIT $2`, jobColumns, s.table, terminalList)
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	defer rows.Close()
	var out []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (analysis.Job, error) {
	var (
		job      analysis.Job
		status   string
		result   []byte
		finished *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.WebsiteURL,
		&status,
		&job.Attempt,
		&job.Error,
		&result,
		&job.CreatedAt,
		&job.StageStartedAt,
		&job.UpdatedAt,
		&finished,
	); err != nil {
		return analysis.Job{}, err
	}
	job.Status = analysis.Status(status)
	job.FinishedAt = finished
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return analysis.Job{}, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func marshalResult(r analysis.Result) ([]byte, error) {
	data, err := json.Marshal(r.Clone())
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}
