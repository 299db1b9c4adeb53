package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type SweepArgs struct {
	// UserID narrows the sweep to one user's jobs; nil sweeps all users.
	UserID *uuid.UUID `json:"user_id,omitempty"`
}

func (SweepArgs) Kind() string { return "recovery_sweep" }

type Sweeper interface {
	Sweep(ctx context.Context, scope *uuid.UUID) (int, error)
}

// SweepWorker runs the recovery sweeper. Enqueued periodically and
// opportunistically whenever a user lists their jobs.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
}

func NewSweepWorker(s Sweeper) *SweepWorker {
	return &SweepWorker{sweeper: s}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	_, err := w.sweeper.Sweep(ctx, job.Args.UserID)
	return err
}
