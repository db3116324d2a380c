package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/hexeko/billing/jobs"
)

// Job names accepted by Trigger.
const (
	JobGenerate = "generate"
	JobVerify   = "verify"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues a job by name. For JobGenerate, period is PeriodPrevious
// or YYYY-MM and ids select Divisions; for JobVerify ids select aggregates.
func (c *JobsCLI) Trigger(ctx context.Context, name, period string, ids []uuid.UUID) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, opts, err := buildTask(name, period, ids)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

func buildTask(name, period string, ids []uuid.UUID) (*asynq.Task, []asynq.Option, error) {
	switch name {
	case JobGenerate:
		if period == "" {
			period = jobs.PeriodPrevious
		}
		task, err := jobs.NewGenerateInvoicesTask(period, ids...)
		return task, []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3)}, err
	case JobVerify:
		task, err := jobs.NewVerifyLedgerTask(ids...)
		return task, []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(1)}, err
	default:
		return nil, nil, fmt.Errorf("jobs cli: unsupported job %q", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
