package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderdeck/backend/internal/models"
)

const jobColumns = `id, user_id, model_id, external_request_id, status, source_asset_id, end_asset_id,
	result_asset_id, thumbnail_asset_id, params, error, provider_seed, created_at, completed_at`

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var params []byte
	err := row.Scan(&j.ID, &j.UserID, &j.ModelID, &j.ExternalRequestID, &j.Status,
		&j.SourceAssetID, &j.EndAssetID, &j.ResultAssetID, &j.ThumbnailAssetID,
		&params, &j.Error, &j.ProviderSeed, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Params = json.RawMessage(params)
	return &j, nil
}

// CreateTx inserts the job inside the given transaction so callers can pair
// it with the ledger debit atomically.
func (r *JobRepo) CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, user_id, model_id, status, source_asset_id, end_asset_id, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, j.ID, j.UserID, j.ModelID, j.Status, j.SourceAssetID, j.EndAssetID, []byte(j.Params)).Scan(&j.CreatedAt)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
}

func (r *JobRepo) GetByExternalRequestID(ctx context.Context, externalID string) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE external_request_id = $1`, externalID))
}

// GetByIDForUpdate locks the job row. Every terminal write re-reads status
// through this method immediately before writing, never trusting in-memory
// state; that re-check is the idempotency guard for the whole pipeline.
func (r *JobRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 FOR UPDATE`, id))
}

// MarkProcessing records provider acceptance: pending -> processing with the
// external correlation id.
func (r *JobRepo) MarkProcessing(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, external_request_id = $3
		WHERE id = $1
	`, id, models.JobStatusProcessing, externalID)
	return err
}

// MarkCompletedTx writes the completed terminal state. Call only after
// GetByIDForUpdate in the same transaction confirmed a non-terminal status.
func (r *JobRepo) MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultAssetID, thumbnailAssetID string, seed *int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, result_asset_id = $3, thumbnail_asset_id = $4, provider_seed = $5, completed_at = now()
		WHERE id = $1
	`, id, models.JobStatusCompleted, resultAssetID, thumbnailAssetID, seed)
	return err
}

// MarkFailedTx writes the failed terminal state. Same locking contract as
// MarkCompletedTx.
func (r *JobRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, message string) error {
	_, err := tx.Exec(ctx, `
		UPDATE generation_jobs SET status = $2, error = $3, completed_at = now()
		WHERE id = $1
	`, id, models.JobStatusFailed, message)
	return err
}

// ListByUser returns the user's jobs, newest first, optionally filtered by
// status.
func (r *JobRepo) ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// ListStale returns non-terminal jobs created before the cutoff, oldest
// first, optionally scoped to one user. Pending jobs count too: a crash
// between the charge committing and the provider acknowledging leaves a paid
// pending row that only the sweeper can resolve.
func (r *JobRepo) ListStale(ctx context.Context, cutoff time.Time, scope *uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status IN ($1, $2) AND created_at < $3 AND ($4::uuid IS NULL OR user_id = $4)
		ORDER BY created_at ASC
		LIMIT $5
	`, models.JobStatusPending, models.JobStatusProcessing, cutoff, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
