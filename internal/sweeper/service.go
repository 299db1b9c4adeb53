package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renderdeck/backend/internal/models"
	"github.com/renderdeck/backend/internal/provider"
)

// StaleLister finds non-terminal jobs older than a cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, scope *uuid.UUID, limit int) ([]*models.GenerationJob, error)
}

// Resolver drives a job to failed and reverses its charge.
type Resolver interface {
	FailAndRefund(ctx context.Context, jobID uuid.UUID, message string) error
}

// StatusFetcher asks the provider what it thinks about a request.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, externalRequestID string) (string, error)
}

// Service is the recovery sweeper: the guarantee that a lost webhook can cost
// a user money only temporarily. It runs on a periodic schedule and
// opportunistically per user when they list their jobs.
type Service struct {
	jobs       StaleLister
	resolver   Resolver
	provider   StatusFetcher
	staleAfter time.Duration
	hardCap    time.Duration
	batchSize  int
	log        *slog.Logger
}

func NewService(jobs StaleLister, resolver Resolver, gw StatusFetcher, staleAfter time.Duration, batchSize int, log *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		jobs:       jobs,
		resolver:   resolver,
		provider:   gw,
		staleAfter: staleAfter,
		// Past the hard cap a job is failed even if the provider still
		// claims to be working, so terminal convergence stays bounded.
		hardCap:   3 * staleAfter,
		batchSize: batchSize,
		log:       log,
	}
}

// Sweep fails and refunds stale jobs. scope narrows the sweep to one user
// (the opportunistic path); nil sweeps everyone. Returns the number of jobs
// driven terminal. Per-job errors are logged and skipped, never fatal: the
// next sweep retries them.
func (s *Service) Sweep(ctx context.Context, scope *uuid.UUID) (int, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	stale, err := s.jobs.ListStale(ctx, cutoff, scope, s.batchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, job := range stale {
		if s.stillRunning(ctx, job) {
			continue
		}
		if err := s.resolver.FailAndRefund(ctx, job.ID, "generation timed out"); err != nil {
			s.log.Error("sweep: failed to resolve stale job", "job_id", job.ID, "error", err)
			continue
		}
		resolved++
	}
	if resolved > 0 {
		s.log.Info("sweep resolved stale jobs", "count", resolved, "scanned", len(stale))
	}
	return resolved, nil
}

// stillRunning asks the provider before giving up on a processing job. Any
// doubt past the hard cap resolves to failed: a webhook that has not arrived
// by then is considered lost, and a success we never heard about is refunded
// rather than held open forever.
func (s *Service) stillRunning(ctx context.Context, job *models.GenerationJob) bool {
	if job.Status != models.JobStatusProcessing || job.ExternalRequestID == nil {
		return false
	}
	if time.Since(job.CreatedAt) >= s.hardCap {
		return false
	}
	status, err := s.provider.FetchStatus(ctx, *job.ExternalRequestID)
	if err != nil {
		s.log.Warn("sweep: status check failed, treating as lost",
			"job_id", job.ID, "error", err)
		return false
	}
	return status == provider.StatusQueued || status == provider.StatusRunning
}
