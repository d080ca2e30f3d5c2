// Package sqlite provides a single-node analysis job store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const (
	driverName        = "sqlite"
	defaultStaleLimit = 100
	selectJob         = `SELECT id, owner_id, website_url, status, attempt, error, result,
       created_at, stage_started_at, updated_at, finished_at
FROM analysis_jobs`
)

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Config locates the database file. ":memory:" keeps everything in process.
type Config struct {
	Path string `mapstructure:"path"`
}

type jobRow struct {
	ID             string        `db:"id"`
	OwnerID        string        `db:"owner_id"`
	WebsiteURL     string        `db:"website_url"`
	Status         string        `db:"status"`
	Attempt        int           `db:"attempt"`
	Error          string        `db:"error"`
	Result         string        `db:"result"`
	CreatedAt      int64         `db:"created_at"`
	StageStartedAt int64         `db:"stage_started_at"`
	UpdatedAt      int64         `db:"updated_at"`
	FinishedAt     sql.NullInt64 `db:"finished_at"`
}

// JobStore persists analysis jobs in a SQLite database.
type JobStore struct {
	db *sqlx.DB
}

// New opens the database at cfg.Path, creating the directory and schema if
// needed.
func New(cfg Config) (*JobStore, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &JobStore{db: db}, nil
}

// CreateJob inserts job, mapping an active-pair index violation to a
// *analysis.ConflictError.
func (s *JobStore) CreateJob(ctx context.Context, job analysis.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO analysis_jobs
    (id, owner_id, website_url, status, attempt, error, result, created_at, stage_started_at, updated_at, finished_at)
VALUES
    (:id, :owner_id, :website_url, :status, :attempt, :error, :result, :created_at, :stage_started_at, :updated_at, :finished_at)`, row)
	if err == nil {
		return nil
	}
	var sqlErr *sqlitedrv.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			conflict := &analysis.ConflictError{WebsiteURL: job.WebsiteURL}
			var active string
			if lookupErr := s.db.GetContext(ctx, &active,
				`SELECT id FROM analysis_jobs WHERE owner_id = ? AND website_url = ? AND status NOT IN ('completed', 'failed')`,
				job.OwnerID, job.WebsiteURL); lookupErr == nil {
				conflict.ActiveJobID = active
			}
			return conflict
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("job %s already exists", job.ID)
		}
	}
	return fmt.Errorf("insert job: %w", err)
}

// UpdateJob writes the mutable columns when the stored status equals expected.
func (s *JobStore) UpdateJob(ctx context.Context, job analysis.Job, expected analysis.Status) error {
	if expected.Terminal() {
		return fmt.Errorf("job %s is terminal: %w", job.ID, analysis.ErrStatusChanged)
	}
	row, err := toRow(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs
SET status = ?, error = ?, result = ?, stage_started_at = ?, updated_at = ?, finished_at = ?
WHERE id = ? AND status = ?`,
		row.Status, row.Error, row.Result, row.StageStartedAt, row.UpdatedAt, row.FinishedAt,
		row.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 1 {
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
	var row jobRow
	err := s.db.GetContext(ctx, &row, selectJob+` WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return analysis.Job{}, fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
	}
	if err != nil {
		return analysis.Job{}, fmt.Errorf("select job: %w", err)
	}
	return row.toJob()
}

// LatestJob returns the active job for the pair, else the newest terminal one.
func (s *JobStore) LatestJob(ctx context.Context, ownerID, websiteURL string) (analysis.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, selectJob+`
WHERE owner_id = ? AND website_url = ?
ORDER BY (status NOT IN ('completed', 'failed')) DESC, created_at DESC, id DESC
LIMIT 1`, ownerID, websiteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return analysis.Job{}, fmt.Errorf("no job for %s: %w", websiteURL, analysis.ErrNotFound)
	}
	if err != nil {
		return analysis.Job{}, fmt.Errorf("select latest job: %w", err)
	}
	return row.toJob()
}

// ListStale returns non-terminal jobs last updated before the cutoff.
func (s *JobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]analysis.Job, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, selectJob+`
WHERE status NOT IN ('completed', 'failed') AND updated_at < ?
ORDER BY updated_at
LIMIT ?`, before.UTC().UnixNano(), limit); err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	out := make([]analysis.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Ping checks the database handle.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toRow(job analysis.Job) (jobRow, error) {
	result, err := json.Marshal(job.Result.Clone())
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal result: %w", err)
	}
	row := jobRow{
		ID:             job.ID,
		OwnerID:        job.OwnerID,
		WebsiteURL:     job.WebsiteURL,
		Status:         string(job.Status),
		Attempt:        job.Attempt,
		Error:          job.Error,
		Result:         string(result),
		CreatedAt:      job.CreatedAt.UTC().UnixNano(),
		StageStartedAt: job.StageStartedAt.UTC().UnixNano(),
		UpdatedAt:      job.UpdatedAt.UTC().UnixNano(),
	}
	if job.FinishedAt != nil {
		row.FinishedAt = sql.NullInt64{Int64: job.FinishedAt.UTC().UnixNano(), Valid: true}
	}
	return row, nil
}

func (r jobRow) toJob() (analysis.Job, error) {
	job := analysis.Job{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		WebsiteURL:     r.WebsiteURL,
		Status:         analysis.Status(r.Status),
		Attempt:        r.Attempt,
		Error:          r.Error,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		StageStartedAt: time.Unix(0, r.StageStartedAt).UTC(),
		UpdatedAt:      time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.FinishedAt.Valid {
		finished := time.Unix(0, r.FinishedAt.Int64).UTC()
		job.FinishedAt = &finished
	}
	if r.Result != "" {
		if err := json.Unmarshal([]byte(r.Result), &job.Result); err != nil {
			return analysis.Job{}, fmt.Errorf("decode result for job %s: %w", r.ID, err)
		}
	}
	return job, nil
}
