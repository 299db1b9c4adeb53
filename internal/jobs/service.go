package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderdeck/backend/internal/catalog"
	"github.com/renderdeck/backend/internal/ledger"
	"github.com/renderdeck/backend/internal/models"
	"github.com/renderdeck/backend/internal/provider"
)

// ErrProviderSubmission is returned by Submit when the provider rejected or
// never acknowledged the request. The charge has already been compensated by
// the time callers see it.
var ErrProviderSubmission = errors.New("provider submission failed")

// ErrNotFound is returned when a job id does not exist or belongs to another
// user.
var ErrNotFound = errors.New("job not found")

// InsufficientCreditsError carries the computed cost so the API can tell the
// user how much the run would have charged.
type InsufficientCreditsError struct {
	Cost    int64
	Balance int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Cost, e.Balance)
}

func (e *InsufficientCreditsError) Unwrap() error { return ledger.ErrInsufficientCredits }

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobStore is the persistence surface the orchestrator needs.
type JobStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	GetByExternalRequestID(ctx context.Context, externalID string) (*models.GenerationJob, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, externalID string) error
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultAssetID, thumbnailAssetID string, seed *int64) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, message string) error
	ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.GenerationJob, error)
}

// Ledger is the slice of the credit ledger the orchestrator uses.
type Ledger interface {
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, related *models.RelatedEntity) (int64, error)
	RefundByRelatedEntity(ctx context.Context, tx pgx.Tx, related models.RelatedEntity, description string) (int64, bool, error)
}

// ProviderGateway submits work to the external generation service and pulls
// finished artifacts back.
type ProviderGateway interface {
	Submit(ctx context.Context, modelID string, params map[string]any, callbackURL string) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// ObjectStore persists artifacts and issues transient download URLs.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	URLFor(ctx context.Context, assetID string) (string, error)
}

// ThumbnailFunc produces a thumbnail asset id for a completed job. The
// default reuses the job's source asset, which is already a representative
// still of the output.
type ThumbnailFunc func(ctx context.Context, job *models.GenerationJob, video []byte) (string, error)

// Service orchestrates the generation job lifecycle. Money ordering is fixed:
// charge and create atomically, submit after commit, compensate on any
// failure past the charge. Completion and failure both re-check status under
// a row lock, so duplicate deliveries and sweeper races collapse to exactly
// one terminal transition.
type Service struct {
	db          TxBeginner
	jobs        JobStore
	ledger      Ledger
	provider    ProviderGateway
	storage     ObjectStore
	catalog     *catalog.Catalog
	callbackURL string
	thumbnail   ThumbnailFunc
	log         *slog.Logger
}

func NewService(db TxBeginner, jobs JobStore, lgr Ledger, gw ProviderGateway, store ObjectStore, cat *catalog.Catalog, callbackURL string, log *slog.Logger) *Service {
	s := &Service{
		db:          db,
		jobs:        jobs,
		ledger:      lgr,
		provider:    gw,
		storage:     store,
		catalog:     cat,
		callbackURL: callbackURL,
		log:         log,
	}
	s.thumbnail = func(_ context.Context, job *models.GenerationJob, _ []byte) (string, error) {
		return job.SourceAssetID, nil
	}
	return s
}

// SetThumbnailFunc swaps the thumbnail strategy.
func (s *Service) SetThumbnailFunc(fn ThumbnailFunc) { s.thumbnail = fn }

type SubmitInput struct {
	UserID        uuid.UUID
	ModelID       string
	SourceAssetID string
	EndAssetID    *string
	Params        map[string]any
}

// Submit validates, prices, charges, and hands the job to the provider.
//
// The job row and the debit commit in one transaction before the provider
// sees anything, so an accepted job is always a paid job. If submission then
// fails, the job is failed and the charge refunded before Submit returns.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.GenerationJob, error) {
	merged, err := s.catalog.ValidateMerge(in.ModelID, in.Params)
	if err != nil {
		return nil, err
	}
	cost, err := s.catalog.Cost(in.ModelID, merged)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	job := &models.GenerationJob{
		ID:            uuid.New(),
		UserID:        in.UserID,
		ModelID:       in.ModelID,
		Status:        models.JobStatusPending,
		SourceAssetID: in.SourceAssetID,
		EndAssetID:    in.EndAssetID,
		Params:        params,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.jobs.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	related := job.Related()
	balance, err := s.ledger.Debit(ctx, tx, in.UserID, cost,
		fmt.Sprintf("generation %s (%s)", job.ID, in.ModelID), &related)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, &InsufficientCreditsError{Cost: cost, Balance: balance}
		}
		return nil, fmt.Errorf("debit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	externalID, err := s.provider.Submit(ctx, in.ModelID, merged, s.callbackURL)
	if err != nil {
		s.log.Error("provider submission failed, compensating",
			"job_id", job.ID, "error", err)
		if ferr := s.FailAndRefund(ctx, job.ID, "submission to provider failed"); ferr != nil {
			// Pending jobs with a recorded debit are also swept, so the
			// refund still happens eventually.
			s.log.Error("compensation failed, sweeper will retry", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderSubmission, err)
	}
	if err := s.jobs.MarkProcessing(ctx, job.ID, externalID); err != nil {
		s.log.Error("mark processing failed, compensating", "job_id", job.ID, "error", err)
		if ferr := s.FailAndRefund(ctx, job.ID, "failed to record provider acceptance"); ferr != nil {
			s.log.Error("compensation failed, sweeper will retry", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	job.Status = models.JobStatusProcessing
	job.ExternalRequestID = &externalID

	s.log.Info("generation job submitted",
		"job_id", job.ID, "user_id", in.UserID, "model", in.ModelID, "cost", cost)
	return job, nil
}

// MaterializeResult downloads the artifact for a successful callback, stores
// it, and completes the job. Returning an error means the job is still
// non-terminal and the attempt should be retried; a job that turns out to be
// terminal already is a no-op success.
func (s *Service) MaterializeResult(ctx context.Context, jobID uuid.UUID, result *provider.Result) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.IsTerminal() {
		return nil
	}

	data, contentType, err := s.provider.Download(ctx, result.VideoURL)
	if err != nil {
		return fmt.Errorf("download result: %w", err)
	}
	assetID, err := s.storage.Put(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	thumbID, err := s.thumbnail(ctx, job, data)
	if err != nil {
		s.log.Warn("thumbnail generation failed, falling back to source asset",
			"job_id", jobID, "error", err)
		thumbID = job.SourceAssetID
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.jobs.GetByIDForUpdate(ctx, tx, jobID)
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if locked.IsTerminal() {
		// Lost the race to another delivery or the sweeper. The uploaded
		// object stays orphaned; bucket lifecycle rules reap it.
		return nil
	}
	if err := s.jobs.MarkCompletedTx(ctx, tx, jobID, assetID, thumbID, result.Seed); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("generation job completed", "job_id", jobID, "asset_id", assetID)
	return nil
}

// FailAndRefund drives the job to failed and reverses its charge in one
// transaction. Idempotent: a terminal job is left untouched and the refund
// is recorded at most once regardless of how many paths race here.
func (s *Service) FailAndRefund(ctx context.Context, jobID uuid.UUID, message string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.jobs.GetByIDForUpdate(ctx, tx, jobID)
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if job.IsTerminal() {
		return nil
	}
	amount, refunded, err := s.ledger.RefundByRelatedEntity(ctx, tx, job.Related(),
		fmt.Sprintf("refund for failed generation %s", jobID))
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	if err := s.jobs.MarkFailedTx(ctx, tx, jobID, message); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("generation job failed",
		"job_id", jobID, "reason", message, "refunded", refunded, "amount", amount)
	return nil
}

// GetForUser loads a job and enforces ownership. Another user's job is
// indistinguishable from a missing one.
func (s *Service) GetForUser(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

// GetByExternalRequestID resolves a provider correlation id to the job.
func (s *Service) GetByExternalRequestID(ctx context.Context, externalID string) (*models.GenerationJob, error) {
	job, err := s.jobs.GetByExternalRequestID(ctx, externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByUser returns the user's jobs, newest first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.GenerationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, status, limit, offset)
}

// AssetURL issues a transient download URL for a stored asset.
func (s *Service) AssetURL(ctx context.Context, assetID string) (string, error) {
	return s.storage.URLFor(ctx, assetID)
}
