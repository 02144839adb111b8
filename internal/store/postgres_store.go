package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dunamismax/cinerender/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	status_text TEXT NOT NULL DEFAULT '',
	spec JSONB NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	artifact JSONB,
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS render_usage (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	pixels_produced BIGINT NOT NULL,
	artifact_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS render_usage_user_idx ON render_usage (user_id, created_at);
`

const jobColumns = `id, status, stage, status_text, spec, webhook_url, user_id, artifact, error_kind, error, created_at, updated_at, finished_at`

// activeFilter guards updates so terminal jobs never change.
const activeFilter = `status NOT IN ('succeeded', 'failed', 'cancelled')`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure render schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, job domain.Job) error {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO render_jobs (id, status, stage, status_text, spec, webhook_url, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID,
		job.Status,
		job.Stage,
		job.StatusText,
		specJSON,
		job.WebhookURL,
		job.UserID,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE render_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3 AND `+activeFilter+`
		 RETURNING `+jobColumns,
		status,
		time.Now().UTC(),
		id,
	)
	return s.updated(ctx, id, row)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, progress domain.Progress) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE render_jobs
		 SET status = $1, stage = $2, status_text = $3, updated_at = $4
		 WHERE id = $5 AND `+activeFilter+`
		 RETURNING `+jobColumns,
		domain.JobStatusRunning,
		progress.Stage,
		progress.StatusText,
		time.Now().UTC(),
		id,
	)
	return s.updated(ctx, id, row)
}

func (s *PostgresStore) Finish(ctx context.Context, id string, outcome domain.Outcome) (domain.Job, error) {
	var artifactJSON []byte
	if outcome.Artifact != nil {
		var err error
		if artifactJSON, err = json.Marshal(outcome.Artifact); err != nil {
			return domain.Job{}, fmt.Errorf("marshal job artifact: %w", err)
		}
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE render_jobs
		 SET status = $1, stage = $1, status_text = $2, artifact = $3, error_kind = $4, error = $5,
		     updated_at = $6, finished_at = $6
		 WHERE id = $7 AND `+activeFilter+`
		 RETURNING `+jobColumns,
		outcome.Status,
		finishedText(outcome),
		artifactJSON,
		outcome.ErrorKind,
		outcome.Error,
		now,
		id,
	)
	return s.updated(ctx, id, row)
}

func (s *PostgresStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO render_usage (user_id, job_id, pixels_produced, artifact_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.UserID,
		usage.JobID,
		usage.PixelsProduced,
		usage.ArtifactBytes,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// updated resolves the result of a guarded UPDATE ... RETURNING: no row means
// the job is either missing or already terminal.
func (s *PostgresStore) updated(ctx context.Context, id string, row *sql.Row) (domain.Job, error) {
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return current, ErrJobFinished
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job          domain.Job
		specJSON     []byte
		artifactJSON []byte
		finishedAt   sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Stage,
		&job.StatusText,
		&specJSON,
		&job.WebhookURL,
		&job.UserID,
		&artifactJSON,
		&job.ErrorKind,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&finishedAt,
	); err != nil {
		return domain.Job{}, err
	}

	if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job spec: %w", err)
	}
	if len(artifactJSON) > 0 {
		job.Artifact = &domain.Artifact{}
		if err := json.Unmarshal(artifactJSON, job.Artifact); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job artifact: %w", err)
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}
