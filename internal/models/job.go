package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation job lifecycle: pending -> processing -> {completed | failed}.
// A job may go pending -> failed directly when submission to the provider
// never succeeds. Exactly one terminal transition happens per job; every
// write path re-reads status under a row lock immediately before writing.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type GenerationJob struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	ModelID           string          `json:"model_id"`
	ExternalRequestID *string         `json:"external_request_id,omitempty"`
	Status            string          `json:"status"`
	SourceAssetID     string          `json:"source_asset_id"`
	EndAssetID        *string         `json:"end_asset_id,omitempty"`
	ResultAssetID     *string         `json:"result_asset_id,omitempty"`
	ThumbnailAssetID  *string         `json:"thumbnail_asset_id,omitempty"`
	Params            json.RawMessage `json:"params"`
	Error             *string         `json:"error,omitempty"`
	ProviderSeed      *int64          `json:"provider_seed,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Related returns the weak ledger reference for this job.
func (j *GenerationJob) Related() RelatedEntity {
	return RelatedEntity{Type: RelatedEntityGenerationJob, ID: j.ID}
}
