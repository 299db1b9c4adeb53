package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/renderdeck/backend/internal/jobs"
	"github.com/renderdeck/backend/internal/models"
	"github.com/renderdeck/backend/internal/provider"
)

const testSecret = "whsec-test"

type mockJobs struct {
	mu     sync.Mutex
	byExt  map[string]*models.GenerationJob
	failed []uuid.UUID
}

func newMockJobs(list ...*models.GenerationJob) *mockJobs {
	m := &mockJobs{byExt: make(map[string]*models.GenerationJob)}
	for _, j := range list {
		m.byExt[*j.ExternalRequestID] = j
	}
	return m
}

func (m *mockJobs) GetByExternalRequestID(_ context.Context, externalID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byExt[externalID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobs) FailAndRefund(_ context.Context, jobID uuid.UUID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, jobID)
	for _, j := range m.byExt {
		if j.ID == jobID {
			j.Status = models.JobStatusFailed
		}
	}
	return nil
}

type enqueueRecorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (e *enqueueRecorder) enqueue(_ context.Context, jobID uuid.UUID, _ *provider.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, jobID)
	return nil
}

func processingJob(externalID string) *models.GenerationJob {
	return &models.GenerationJob{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		ModelID:           "motion-1",
		ExternalRequestID: &externalID,
		Status:            models.JobStatusProcessing,
		SourceAssetID:     "src-1",
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jobs/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)
	return rec
}

func newTestHandler(jobLookup JobLookup, enqueue EnqueueMaterialize) *Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(testSecret, false, jobLookup, enqueue, log)
}

func okPayload(externalID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"request_id": externalID,
		"status":     "OK",
		"result":     map[string]any{"video_url": "https://provider.example.com/out.mp4", "seed": 7},
	})
	return body
}

// ---------------------------------------------------------------------------

func TestCallbackSuccessEnqueues(t *testing.T) {
	job := processingJob("req-1")
	mj := newMockJobs(job)
	rec := &enqueueRecorder{}
	h := newTestHandler(mj, rec.enqueue)

	body := okPayload("req-1")
	resp := deliver(h, body, sign(body))

	if resp.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.Code)
	}
	if len(rec.calls) != 1 || rec.calls[0] != job.ID {
		t.Errorf("enqueue calls: got %v, want [%s]", rec.calls, job.ID)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["received"] != true {
		t.Errorf("response body: got %v, want received=true", out)
	}
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	mj := newMockJobs(processingJob("req-1"))
	rec := &enqueueRecorder{}
	h := newTestHandler(mj, rec.enqueue)

	body := okPayload("req-1")
	if resp := deliver(h, body, "deadbeef"); resp.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: got %d, want 401", resp.Code)
	}
	if resp := deliver(h, body, ""); resp.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: got %d, want 401", resp.Code)
	}
	if len(rec.calls) != 0 {
		t.Error("nothing should be enqueued for unsigned deliveries")
	}
}

func TestCallbackSkipVerify(t *testing.T) {
	mj := newMockJobs(processingJob("req-1"))
	rec := &enqueueRecorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler("", true, mj, rec.enqueue, log)

	if resp := deliver(h, okPayload("req-1"), ""); resp.Code != http.StatusOK {
		t.Errorf("skip-verify delivery: got %d, want 200", resp.Code)
	}
}

func TestCallbackUnknownRequestID(t *testing.T) {
	h := newTestHandler(newMockJobs(), (&enqueueRecorder{}).enqueue)

	body := okPayload("req-missing")
	if resp := deliver(h, body, sign(body)); resp.Code != http.StatusNotFound {
		t.Errorf("unknown request id: got %d, want 404", resp.Code)
	}
}

func TestCallbackMalformedBody(t *testing.T) {
	h := newTestHandler(newMockJobs(), (&enqueueRecorder{}).enqueue)

	body := []byte(`{not json`)
	if resp := deliver(h, body, sign(body)); resp.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: got %d, want 400", resp.Code)
	}

	body = []byte(`{"status":"OK"}`)
	if resp := deliver(h, body, sign(body)); resp.Code != http.StatusBadRequest {
		t.Errorf("missing request_id: got %d, want 400", resp.Code)
	}
}

func TestCallbackErrorStatusFailsJob(t *testing.T) {
	job := processingJob("req-1")
	mj := newMockJobs(job)
	rec := &enqueueRecorder{}
	h := newTestHandler(mj, rec.enqueue)

	body, _ := json.Marshal(map[string]any{
		"request_id": "req-1",
		"status":     "ERROR",
		"error":      "NSFW content detected",
	})
	resp := deliver(h, body, sign(body))

	if resp.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.Code)
	}
	if len(mj.failed) != 1 || mj.failed[0] != job.ID {
		t.Errorf("failed jobs: got %v, want [%s]", mj.failed, job.ID)
	}
	if len(rec.calls) != 0 {
		t.Error("error deliveries must not enqueue materialization")
	}
}

func TestCallbackMalformedResultFailsJob(t *testing.T) {
	job := processingJob("req-1")
	mj := newMockJobs(job)
	rec := &enqueueRecorder{}
	h := newTestHandler(mj, rec.enqueue)

	// OK status but no video_url: final, not retryable.
	body, _ := json.Marshal(map[string]any{
		"request_id": "req-1",
		"status":     "OK",
		"result":     map[string]any{"seed": 7},
	})
	resp := deliver(h, body, sign(body))

	if resp.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.Code)
	}
	if len(mj.failed) != 1 {
		t.Errorf("failed jobs: got %d, want 1", len(mj.failed))
	}
	if len(rec.calls) != 0 {
		t.Error("malformed results must not enqueue materialization")
	}
}

func TestCallbackTerminalJobShortCircuits(t *testing.T) {
	job := processingJob("req-1")
	job.Status = models.JobStatusCompleted
	mj := newMockJobs(job)
	rec := &enqueueRecorder{}
	h := newTestHandler(mj, rec.enqueue)

	body := okPayload("req-1")
	resp := deliver(h, body, sign(body))

	if resp.Code != http.StatusOK {
		t.Fatalf("redelivery to terminal job: got %d, want 200", resp.Code)
	}
	if len(rec.calls) != 0 {
		t.Error("terminal jobs must not re-enqueue materialization")
	}
	if len(mj.failed) != 0 {
		t.Error("terminal jobs must not be failed")
	}
}

func TestCallbackEnqueueFailureIs500(t *testing.T) {
	mj := newMockJobs(processingJob("req-1"))
	rec := &enqueueRecorder{err: context.DeadlineExceeded}
	h := newTestHandler(mj, rec.enqueue)

	body := okPayload("req-1")
	if resp := deliver(h, body, sign(body)); resp.Code != http.StatusInternalServerError {
		t.Errorf("enqueue failure: got %d, want 500 so the provider redelivers", resp.Code)
	}
}
