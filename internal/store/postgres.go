// Package store persists analysis requests and processed-email records
// in Postgres, and holds completed results in a TTL-bounded cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/pkg/models"
)

// RequestStore is the durable record of every analysis request.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.AnalysisRequest) error
	UpdateRequest(ctx context.Context, req *models.AnalysisRequest) error
	GetRequest(ctx context.Context, id string) (*models.AnalysisRequest, error)
	MarkNonTerminalExpired(ctx context.Context) (int, error)
	IsEmailProcessed(ctx context.Context, messageID string) (bool, error)
	RecordProcessedEmail(ctx context.Context, rec models.ProcessedEmailRecord) error
}

// Postgres implements RequestStore on a pgx connection pool. The same
// pool also backs the job queue.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and verifies the pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool for the job queue driver.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_requests (
	id               TEXT PRIMARY KEY,
	fingerprint      TEXT NOT NULL,
	status           TEXT NOT NULL,
	trigger          JSONB NOT NULL,
	analysis_context JSONB,
	result           JSONB,
	error            TEXT NOT NULL DEFAULT '',
	processing_steps JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_requests_fingerprint
	ON analysis_requests (fingerprint);
CREATE INDEX IF NOT EXISTS idx_analysis_requests_status
	ON analysis_requests (status);

CREATE TABLE IF NOT EXISTS processed_emails (
	message_id   TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema. Statements are idempotent, so running it
// on every startup is safe.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Debug().Msg("Database schema is up to date")
	return nil
}

// CreateRequest inserts a new request row.
func (s *Postgres) CreateRequest(ctx context.Context, req *models.AnalysisRequest) error {
	trigger, err := json.Marshal(req.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	steps, err := json.Marshal(req.ProcessingSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal processing steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_requests (id, fingerprint, status, trigger, processing_steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, string(req.Fingerprint), string(req.Status), trigger, steps, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request %s: %w", req.ID, err)
	}
	return nil
}

// UpdateRequest rewrites the mutable columns of a request row.
func (s *Postgres) UpdateRequest(ctx context.Context, req *models.AnalysisRequest) error {
	steps, err := json.Marshal(req.ProcessingSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal processing steps: %w", err)
	}

	actx, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis context: %w", err)
	}
	var result []byte
	if req.Result != nil {
		if result, err = json.Marshal(req.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $2, analysis_context = $3, result = $4, error = $5, processing_steps = $6, updated_at = $7
		WHERE id = $1`,
		req.ID, string(req.Status), actx, result, req.Error, steps, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetRequest loads one request by identifier.
func (s *Postgres) GetRequest(ctx context.Context, id string) (*models.AnalysisRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, fingerprint, status, trigger, analysis_context, result, error, processing_steps, created_at, updated_at
		FROM analysis_requests WHERE id = $1`, id)

	var req models.AnalysisRequest
	var fingerprint, status string
	var trigger, actx, result, steps []byte

	err := row.Scan(&req.ID, &fingerprint, &status, &trigger, &actx, &result, &req.Error, &steps, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}

	req.Fingerprint = models.Fingerprint(fingerprint)
	req.Status = models.RequestStatus(status)
	if err := json.Unmarshal(trigger, &req.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger for %s: %w", id, err)
	}
	if len(actx) > 0 {
		if err := json.Unmarshal(actx, &req.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal analysis context for %s: %w", id, err)
		}
	}
	if len(result) > 0 {
		req.Result = &models.AnalysisResult{}
		if err := json.Unmarshal(result, req.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for %s: %w", id, err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &req.ProcessingSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal processing steps for %s: %w", id, err)
		}
	}

	return &req, nil
}

// MarkNonTerminalExpired sweeps requests left mid-flight by a previous
// process. Runs once at startup, before workers start.
func (s *Postgres) MarkNonTerminalExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_requests
		SET status = $1, error = 'process restarted before analysis completed', updated_at = $2
		WHERE status NOT IN ($3, $4, $5)`,
		string(models.StatusExpired), time.Now().UTC(),
		string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusExpired))
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale requests: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		log.Warn().Int("count", n).Msg("Expired requests left over from previous run")
	}
	return n, nil
}

// IsEmailProcessed reports whether a message id was handled before.
func (s *Postgres) IsEmailProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_emails WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed email: %w", err)
	}
	return exists, nil
}

// RecordProcessedEmail stores the record, tolerating replays of the
// same message id.
func (s *Postgres) RecordProcessedEmail(ctx context.Context, rec models.ProcessedEmailRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_emails (message_id, fingerprint, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, string(rec.Fingerprint), rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to record processed email: %w", err)
	}
	return nil
}
