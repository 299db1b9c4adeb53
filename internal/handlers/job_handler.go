package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/renderdeck/backend/internal/catalog"
	"github.com/renderdeck/backend/internal/jobs"
	"github.com/renderdeck/backend/internal/middleware"
	"github.com/renderdeck/backend/internal/models"
)

// JobService is the subset of the job orchestrator needed by the handler.
type JobService interface {
	Submit(ctx context.Context, in jobs.SubmitInput) (*models.GenerationJob, error)
	GetForUser(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.GenerationJob, error)
	AssetURL(ctx context.Context, assetID string) (string, error)
}

// SweepEnqueuer schedules an opportunistic per-user recovery sweep.
type SweepEnqueuer func(ctx context.Context, userID uuid.UUID) error

// JobHandler serves the generation job endpoints.
type JobHandler struct {
	Jobs         JobService
	EnqueueSweep SweepEnqueuer
	Logger       *slog.Logger
}

type createJobRequest struct {
	ModelID       string         `json:"model_id"`
	SourceAssetID string         `json:"source_asset_id"`
	EndAssetID    *string        `json:"end_asset_id,omitempty"`
	Params        map[string]any `json:"params"`
}

type createJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobResponse struct {
	*models.GenerationJob
	VideoURL     string `json:"video_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// CreateJob handles POST /api/v1/jobs.
// Auth -> Validate Params -> Charge + Create -> Submit to Provider -> 202.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, `{"error":"model_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.SourceAssetID == "" {
		http.Error(w, `{"error":"source_asset_id is required"}`, http.StatusBadRequest)
		return
	}

	job, err := h.Jobs.Submit(r.Context(), jobs.SubmitInput{
		UserID:        acc.ID,
		ModelID:       req.ModelID,
		SourceAssetID: req.SourceAssetID,
		EndAssetID:    req.EndAssetID,
		Params:        req.Params,
	})
	if err != nil {
		var insufficient *jobs.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":   "INSUFFICIENT_CREDITS",
				"cost":    insufficient.Cost,
				"balance": insufficient.Balance,
			})
		case errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, catalog.ErrInvalidParameter):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, jobs.ErrProviderSubmission):
			// Charge already compensated; the user can simply retry.
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation service unavailable"})
		default:
			h.Logger.Error("submit job", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:  job.ID.String(),
		Status: job.Status,
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, ok := extractJobID(r)
	if !ok {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}

	job, err := h.Jobs.GetForUser(r.Context(), acc.ID, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get job", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(r.Context(), job))
}

// ListJobs handles GET /api/v1/jobs. Listing also enqueues a per-user
// recovery sweep, so a user staring at a stuck job is the trigger that
// unsticks it.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "", models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed:
	default:
		http.Error(w, `{"error":"invalid status filter"}`, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	if h.EnqueueSweep != nil {
		if err := h.EnqueueSweep(r.Context(), acc.ID); err != nil {
			h.Logger.Warn("enqueue opportunistic sweep", "user_id", acc.ID, "error", err)
		}
	}

	list, err := h.Jobs.ListByUser(r.Context(), acc.ID, status, limit, offset)
	if err != nil {
		h.Logger.Error("list jobs", "user_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := make([]*jobResponse, len(list))
	for i, job := range list {
		out[i] = h.toResponse(r.Context(), job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// toResponse attaches transient download URLs for completed jobs. Presign
// failures degrade to a response without URLs rather than erroring the read.
func (h *JobHandler) toResponse(ctx context.Context, job *models.GenerationJob) *jobResponse {
	resp := &jobResponse{GenerationJob: job}
	if job.Status != models.JobStatusCompleted {
		return resp
	}
	if job.ResultAssetID != nil {
		u, err := h.Jobs.AssetURL(ctx, *job.ResultAssetID)
		if err != nil {
			h.Logger.Warn("presign result asset", "job_id", job.ID, "error", err)
		} else {
			resp.VideoURL = u
		}
	}
	if job.ThumbnailAssetID != nil {
		u, err := h.Jobs.AssetURL(ctx, *job.ThumbnailAssetID)
		if err == nil {
			resp.ThumbnailURL = u
		}
	}
	return resp
}

// extractJobID parses the job UUID from paths like /api/v1/jobs/{id}.
func extractJobID(r *http.Request) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
