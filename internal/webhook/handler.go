package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderdeck/backend/internal/jobs"
	"github.com/renderdeck/backend/internal/models"
	"github.com/renderdeck/backend/internal/provider"
)

// SignatureHeader carries the provider's HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodySize = 1 << 20

// JobLookup resolves the provider correlation id and fails jobs. The heavy
// success path is deferred to the queue; failure is cheap enough to handle
// inline.
type JobLookup interface {
	GetByExternalRequestID(ctx context.Context, externalID string) (*models.GenerationJob, error)
	FailAndRefund(ctx context.Context, jobID uuid.UUID, message string) error
}

// EnqueueMaterialize inserts the durable materialization job. Failure to
// enqueue is the only business outcome reported as a 5xx: the provider
// redelivers, and redelivery is the retry.
type EnqueueMaterialize func(ctx context.Context, jobID uuid.UUID, result *provider.Result) error

type payload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Result    json.RawMessage `json:"result"`
}

// Handler receives provider completion callbacks. Every delivery after
// signature and parse checks is answered 200 so the provider stops
// redelivering; idempotency lives in the job status guard, not here.
type Handler struct {
	secret     []byte
	skipVerify bool
	jobs       JobLookup
	enqueue    EnqueueMaterialize
	log        *slog.Logger
}

func NewHandler(secret string, skipVerify bool, jobLookup JobLookup, enqueue EnqueueMaterialize, log *slog.Logger) *Handler {
	return &Handler{
		secret:     []byte(secret),
		skipVerify: skipVerify,
		jobs:       jobLookup,
		enqueue:    enqueue,
		log:        log,
	}
}

func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.RequestID == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	job, err := h.jobs.GetByExternalRequestID(r.Context(), p.RequestID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "unknown request id", http.StatusNotFound)
			return
		}
		h.log.Error("webhook job lookup failed", "request_id", p.RequestID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if job.IsTerminal() {
		h.respond(w, job.Status)
		return
	}

	switch p.Status {
	case "OK":
		result, perr := provider.ParseResult(p.Result)
		if perr != nil {
			// Malformed success is final: the provider will not send a
			// better payload, so the job fails and the charge comes back.
			h.log.Warn("webhook success with bad result payload",
				"job_id", job.ID, "error", perr)
			h.resolveFailed(r.Context(), w, job, "provider returned malformed result")
			return
		}
		if err := h.enqueue(r.Context(), job.ID, result); err != nil {
			h.log.Error("webhook enqueue failed", "job_id", job.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.respond(w, job.Status)

	case "ERROR":
		message := p.Error
		if message == "" {
			message = "provider reported failure"
		}
		h.resolveFailed(r.Context(), w, job, message)

	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
	}
}

func (h *Handler) resolveFailed(ctx context.Context, w http.ResponseWriter, job *models.GenerationJob, message string) {
	if err := h.jobs.FailAndRefund(ctx, job.ID, message); err != nil {
		h.log.Error("webhook failed to resolve job", "job_id", job.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.respond(w, models.JobStatusFailed)
}

func (h *Handler) respond(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"received": true, "status": status})
}

// verifySignature compares the hex HMAC-SHA256 of the raw body in constant
// time. skipVerify exists for local development against providers that do
// not sign.
func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.skipVerify {
		return true
	}
	if header == "" || len(h.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
