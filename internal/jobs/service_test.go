package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderdeck/backend/internal/catalog"
	"github.com/renderdeck/backend/internal/ledger"
	"github.com/renderdeck/backend/internal/models"
	"github.com/renderdeck/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// In-memory mocks. Transactions are stand-ins: the mocks apply writes
// immediately, which is fine because these tests exercise orchestration
// ordering and idempotency, not transactional rollback.
// ---------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
}

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type fakeDB struct{}

func (fakeDB) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type mockJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.GenerationJob
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[uuid.UUID]*models.GenerationJob)}
}

func (m *mockJobStore) CreateTx(_ context.Context, _ pgx.Tx, j *models.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockJobStore) get(id uuid.UUID) (*models.GenerationJob, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobStore) GetByID(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *mockJobStore) GetByExternalRequestID(_ context.Context, externalID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ExternalRequestID != nil && *j.ExternalRequestID == externalID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockJobStore) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *mockJobStore) MarkProcessing(_ context.Context, id uuid.UUID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return pgx.ErrNoRows
	}
	j.Status = models.JobStatusProcessing
	j.ExternalRequestID = &externalID
	return nil
}

func (m *mockJobStore) MarkCompletedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, resultAssetID, thumbnailAssetID string, seed *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return pgx.ErrNoRows
	}
	j.Status = models.JobStatusCompleted
	j.ResultAssetID = &resultAssetID
	j.ThumbnailAssetID = &thumbnailAssetID
	j.ProviderSeed = seed
	return nil
}

func (m *mockJobStore) MarkFailedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return pgx.ErrNoRows
	}
	j.Status = models.JobStatusFailed
	j.Error = &message
	return nil
}

func (m *mockJobStore) ListByUser(_ context.Context, userID uuid.UUID, status string, _, _ int) ([]*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range m.jobs {
		if j.UserID == userID && (status == "" || j.Status == status) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockLedger struct {
	mu      sync.Mutex
	balance int64
	debits  map[models.RelatedEntity]int64
	refunds map[models.RelatedEntity]int64
}

func newMockLedger(balance int64) *mockLedger {
	return &mockLedger{
		balance: balance,
		debits:  make(map[models.RelatedEntity]int64),
		refunds: make(map[models.RelatedEntity]int64),
	}
}

func (m *mockLedger) Debit(_ context.Context, _ pgx.Tx, _ uuid.UUID, amount int64, _ string, related *models.RelatedEntity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance < amount {
		return m.balance, ledger.ErrInsufficientCredits
	}
	m.balance -= amount
	m.debits[*related] = amount
	return m.balance, nil
}

func (m *mockLedger) RefundByRelatedEntity(_ context.Context, _ pgx.Tx, related models.RelatedEntity, _ string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, debited := m.debits[related]
	if !debited {
		return 0, false, nil
	}
	if _, done := m.refunds[related]; done {
		return 0, false, nil
	}
	m.refunds[related] = amount
	m.balance += amount
	return amount, true, nil
}

type mockGateway struct {
	mu         sync.Mutex
	submitErr  error
	externalID string
	downloads  int
	data       []byte
}

func (m *mockGateway) Submit(context.Context, string, map[string]any, string) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if m.externalID == "" {
		m.externalID = "req-" + uuid.NewString()
	}
	return m.externalID, nil
}

func (m *mockGateway) Download(context.Context, string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	if m.data == nil {
		m.data = []byte("video-bytes")
	}
	return m.data, "video/mp4", nil
}

type mockStore struct {
	mu   sync.Mutex
	puts int
}

func (m *mockStore) Put(context.Context, []byte, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	return fmt.Sprintf("asset-%d", m.puts), nil
}

func (m *mockStore) URLFor(_ context.Context, assetID string) (string, error) {
	return "https://media.example.com/" + assetID, nil
}

func newTestService(balance int64) (*Service, *mockJobStore, *mockLedger, *mockGateway, *mockStore) {
	jobStore := newMockJobStore()
	lgr := newMockLedger(balance)
	gw := &mockGateway{}
	store := &mockStore{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(fakeDB{}, jobStore, lgr, gw, store, catalog.Default(),
		"http://localhost:8080/jobs/webhook", log)
	return svc, jobStore, lgr, gw, store
}

func submitOne(t *testing.T, svc *Service, userID uuid.UUID) *models.GenerationJob {
	t.Helper()
	job, err := svc.Submit(context.Background(), SubmitInput{
		UserID:        userID,
		ModelID:       "motion-1",
		SourceAssetID: "src-1",
		Params:        map[string]any{"prompt": "a dog surfing"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

func TestSubmitHappyPath(t *testing.T) {
	svc, jobStore, lgr, _, _ := newTestService(100)
	user := uuid.New()

	job := submitOne(t, svc, user)

	if job.Status != models.JobStatusProcessing {
		t.Errorf("status: got %s, want processing", job.Status)
	}
	if job.ExternalRequestID == nil {
		t.Error("external request id should be recorded")
	}
	// Default params: 5s at 720p on motion-1 costs 20.
	if lgr.balance != 80 {
		t.Errorf("balance: got %d, want 80", lgr.balance)
	}
	if got := lgr.debits[job.Related()]; got != 20 {
		t.Errorf("debit for job: got %d, want 20", got)
	}

	stored, err := jobStore.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != models.JobStatusProcessing {
		t.Errorf("stored status: got %s, want processing", stored.Status)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	svc, _, lgr, gw, _ := newTestService(5)

	_, err := svc.Submit(context.Background(), SubmitInput{
		UserID:        uuid.New(),
		ModelID:       "motion-1",
		SourceAssetID: "src-1",
		Params:        map[string]any{"prompt": "a dog surfing"},
	})

	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got: %v", err)
	}
	if insufficient.Cost != 20 {
		t.Errorf("cost in error: got %d, want 20", insufficient.Cost)
	}
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Error("error should unwrap to ledger.ErrInsufficientCredits")
	}
	if lgr.balance != 5 {
		t.Errorf("balance must be untouched: got %d, want 5", lgr.balance)
	}
	if gw.externalID != "" {
		t.Error("provider must not be called when the charge fails")
	}
}

func TestSubmitInvalidParams(t *testing.T) {
	svc, _, lgr, _, _ := newTestService(100)

	_, err := svc.Submit(context.Background(), SubmitInput{
		UserID:        uuid.New(),
		ModelID:       "motion-1",
		SourceAssetID: "src-1",
		Params:        map[string]any{"prompt": "x", "fps": 60},
	})
	if !errors.Is(err, catalog.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got: %v", err)
	}
	if lgr.balance != 100 {
		t.Errorf("validation failures must not charge: balance %d, want 100", lgr.balance)
	}
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	svc, jobStore, lgr, gw, _ := newTestService(100)
	gw.submitErr = errors.New("connect refused")

	_, err := svc.Submit(context.Background(), SubmitInput{
		UserID:        uuid.New(),
		ModelID:       "motion-1",
		SourceAssetID: "src-1",
		Params:        map[string]any{"prompt": "a dog surfing"},
	})
	if !errors.Is(err, ErrProviderSubmission) {
		t.Fatalf("expected ErrProviderSubmission, got: %v", err)
	}

	// Charge fully compensated.
	if lgr.balance != 100 {
		t.Errorf("balance after compensation: got %d, want 100", lgr.balance)
	}
	if len(lgr.refunds) != 1 {
		t.Errorf("refund entries: got %d, want 1", len(lgr.refunds))
	}
	// The job reached the failed terminal state.
	for _, j := range jobStore.jobs {
		if j.Status != models.JobStatusFailed {
			t.Errorf("job status: got %s, want failed", j.Status)
		}
	}
}

// ---------------------------------------------------------------------------
// Materialization
// ---------------------------------------------------------------------------

func TestMaterializeResult(t *testing.T) {
	svc, jobStore, _, _, store := newTestService(100)
	user := uuid.New()
	job := submitOne(t, svc, user)

	seed := int64(42)
	err := svc.MaterializeResult(context.Background(), job.ID, &provider.Result{
		VideoURL: "https://provider.example.com/out.mp4",
		Seed:     &seed,
	})
	if err != nil {
		t.Fatalf("MaterializeResult: %v", err)
	}

	stored, _ := jobStore.GetByID(context.Background(), job.ID)
	if stored.Status != models.JobStatusCompleted {
		t.Fatalf("status: got %s, want completed", stored.Status)
	}
	if stored.ResultAssetID == nil || *stored.ResultAssetID != "asset-1" {
		t.Error("result asset id should be recorded")
	}
	if stored.ThumbnailAssetID == nil || *stored.ThumbnailAssetID != "src-1" {
		t.Error("thumbnail should default to the source asset")
	}
	if stored.ProviderSeed == nil || *stored.ProviderSeed != 42 {
		t.Error("provider seed should be recorded")
	}
	if store.puts != 1 {
		t.Errorf("object puts: got %d, want 1", store.puts)
	}
}

func TestMaterializeResultTerminalIsNoop(t *testing.T) {
	svc, jobStore, lgr, gw, _ := newTestService(100)
	user := uuid.New()
	job := submitOne(t, svc, user)

	if err := svc.FailAndRefund(context.Background(), job.ID, "generation timed out"); err != nil {
		t.Fatalf("FailAndRefund: %v", err)
	}

	// A late success delivery after the sweeper gave up must not resurrect
	// the job or touch money.
	err := svc.MaterializeResult(context.Background(), job.ID, &provider.Result{
		VideoURL: "https://provider.example.com/out.mp4",
	})
	if err != nil {
		t.Fatalf("MaterializeResult on terminal job: %v", err)
	}
	stored, _ := jobStore.GetByID(context.Background(), job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Errorf("status: got %s, want failed", stored.Status)
	}
	if gw.downloads != 0 {
		t.Errorf("downloads on terminal job: got %d, want 0", gw.downloads)
	}
	if lgr.balance != 100 {
		t.Errorf("balance: got %d, want 100", lgr.balance)
	}
}

func TestMaterializeResultDuplicateDelivery(t *testing.T) {
	svc, jobStore, _, _, store := newTestService(100)
	job := submitOne(t, svc, uuid.New())

	result := &provider.Result{VideoURL: "https://provider.example.com/out.mp4"}
	if err := svc.MaterializeResult(context.Background(), job.ID, result); err != nil {
		t.Fatalf("first MaterializeResult: %v", err)
	}
	if err := svc.MaterializeResult(context.Background(), job.ID, result); err != nil {
		t.Fatalf("second MaterializeResult: %v", err)
	}

	stored, _ := jobStore.GetByID(context.Background(), job.ID)
	if stored.ResultAssetID == nil || *stored.ResultAssetID != "asset-1" {
		t.Error("duplicate delivery must not overwrite the first result")
	}
	if store.puts != 1 {
		t.Errorf("object puts after duplicate: got %d, want 1", store.puts)
	}
}

// ---------------------------------------------------------------------------
// Failure and refunds
// ---------------------------------------------------------------------------

func TestFailAndRefundIdempotent(t *testing.T) {
	svc, jobStore, lgr, _, _ := newTestService(100)
	job := submitOne(t, svc, uuid.New())

	if err := svc.FailAndRefund(context.Background(), job.ID, "generation timed out"); err != nil {
		t.Fatalf("first FailAndRefund: %v", err)
	}
	if err := svc.FailAndRefund(context.Background(), job.ID, "generation timed out"); err != nil {
		t.Fatalf("second FailAndRefund: %v", err)
	}

	if lgr.balance != 100 {
		t.Errorf("balance after double fail: got %d, want 100", lgr.balance)
	}
	if len(lgr.refunds) != 1 {
		t.Errorf("refund entries: got %d, want 1", len(lgr.refunds))
	}
	stored, _ := jobStore.GetByID(context.Background(), job.ID)
	if stored.Error == nil || *stored.Error != "generation timed out" {
		t.Error("failure message should be recorded")
	}
}

func TestFailAfterCompleteIsNoop(t *testing.T) {
	svc, jobStore, lgr, _, _ := newTestService(100)
	job := submitOne(t, svc, uuid.New())

	if err := svc.MaterializeResult(context.Background(), job.ID, &provider.Result{
		VideoURL: "https://provider.example.com/out.mp4",
	}); err != nil {
		t.Fatalf("MaterializeResult: %v", err)
	}

	// Sweeper losing the race must not fail a completed job or refund it.
	if err := svc.FailAndRefund(context.Background(), job.ID, "generation timed out"); err != nil {
		t.Fatalf("FailAndRefund after complete: %v", err)
	}
	stored, _ := jobStore.GetByID(context.Background(), job.ID)
	if stored.Status != models.JobStatusCompleted {
		t.Errorf("status: got %s, want completed", stored.Status)
	}
	if len(lgr.refunds) != 0 {
		t.Errorf("refunds after completed job: got %d, want 0", len(lgr.refunds))
	}
	if lgr.balance != 80 {
		t.Errorf("balance: got %d, want 80 (charge kept)", lgr.balance)
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestGetForUserOwnership(t *testing.T) {
	svc, _, _, _, _ := newTestService(100)
	owner := uuid.New()
	job := submitOne(t, svc, owner)

	if _, err := svc.GetForUser(context.Background(), owner, job.ID); err != nil {
		t.Fatalf("owner GetForUser: %v", err)
	}
	if _, err := svc.GetForUser(context.Background(), uuid.New(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user's job should be ErrNotFound, got: %v", err)
	}
	if _, err := svc.GetForUser(context.Background(), owner, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job should be ErrNotFound, got: %v", err)
	}
}
