package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/renderdeck/backend/internal/provider"
)

type MaterializeArgs struct {
	JobID  uuid.UUID       `json:"job_id"`
	Result provider.Result `json:"result"`
}

func (MaterializeArgs) Kind() string { return "materialize_result" }

// Materializer is the contract the worker needs from the job orchestrator.
type Materializer interface {
	MaterializeResult(ctx context.Context, jobID uuid.UUID, result *provider.Result) error
}

// MaterializeWorker downloads and stores a finished artifact off the webhook
// request path. Errors are retried by the queue; if every attempt fails the
// job stays processing and the recovery sweeper fails and refunds it.
type MaterializeWorker struct {
	river.WorkerDefaults[MaterializeArgs]
	jobs Materializer
}

func NewMaterializeWorker(jobs Materializer) *MaterializeWorker {
	return &MaterializeWorker{jobs: jobs}
}

// Timeout covers downloading artifacts of a few hundred MB from the provider.
func (w *MaterializeWorker) Timeout(*river.Job[MaterializeArgs]) time.Duration {
	return 5 * time.Minute
}

func (w *MaterializeWorker) Work(ctx context.Context, job *river.Job[MaterializeArgs]) error {
	return w.jobs.MaterializeResult(ctx, job.Args.JobID, &job.Args.Result)
}
