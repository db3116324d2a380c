package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hexeko/billing/internal/invoicing"
	jobmetrics "github.com/hexeko/billing/internal/jobs"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/tenancy"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

type invoiceGenerator interface {
	GenerateMonthly(ctx context.Context, period prorata.Period, filter tenancy.DivisionFilter) (invoicing.GenerationReport, error)
}

// GenerateInvoicesJob runs the monthly generation for one period.
type GenerateInvoicesJob struct {
	Generator invoiceGenerator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewGenerateInvoicesJob wires dependencies for the generation handler.
func NewGenerateInvoicesJob(generator invoiceGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *GenerateInvoicesJob {
	return &GenerateInvoicesJob{
		Generator: generator,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock used to resolve the previous month.
func (j *GenerateInvoicesJob) WithClock(now func() time.Time) *GenerateInvoicesJob {
	j.clock = now
	return j
}

// Handle processes generation tasks. Division failures are logged and
// counted; only an aborted run fails the task.
func (j *GenerateInvoicesJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Generator == nil {
		return errors.New("generate invoices: handler not configured")
	}
	var payload GenerateInvoicesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("generate invoices: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	period, err := payload.resolvePeriod(j.now())
	if err != nil {
		return fmt.Errorf("generate invoices: %v: %w", err, asynq.SkipRetry)
	}
	ids, err := payload.divisionIDs()
	if err != nil {
		return fmt.Errorf("generate invoices: %v: %w", err, asynq.SkipRetry)
	}
	_, err = j.Run(ctx, period, tenancy.DivisionFilter{IDs: ids, ActiveOnly: len(ids) == 0})
	return err
}

// Run generates the period and records the report in logs and metrics.
func (j *GenerateInvoicesJob) Run(ctx context.Context, period prorata.Period, filter tenancy.DivisionFilter) (invoicing.GenerationReport, error) {
	tracker := j.metrics().Track(TaskGenerateInvoices)
	logger := j.logger().With(slog.String("period", period.MonthYear()))
	logger.Info("starting invoice generation", slog.Int("divisions_requested", len(filter.IDs)))

	report, err := j.Generator.GenerateMonthly(ctx, period, filter)
	j.record(report, logger)
	if err != nil {
		logger.Error("invoice generation aborted", slog.Any("error", err))
	}
	return report, tracker.End(err)
}

func (j *GenerateInvoicesJob) record(report invoicing.GenerationReport, logger *slog.Logger) {
	metrics := j.metrics()
	created := map[invoicing.InvoiceType]int{}
	skipped := map[invoicing.InvoiceType]int{}
	for _, division := range report.Divisions {
		for _, inv := range division.Invoices {
			created[inv.Type]++
		}
		for _, skip := range division.Skipped {
			skipped[skip.Type]++
		}
		if !division.OK() {
			metrics.AddDivisionFailure(string(division.Stage))
			logger.Warn("division failed", slog.String("division_id", division.DivisionID.String()), slog.String("reason", division.Reason()))
		}
	}
	for t, n := range created {
		metrics.AddInvoices(string(t), n)
	}
	for t, n := range skipped {
		metrics.AddSkipped(string(t), n)
	}
	logger.Info("completed invoice generation",
		slog.Int("divisions", len(report.Divisions)),
		slog.Int("invoices", len(report.Created())),
		slog.Int("failed", len(report.Failed())),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
}

func (j *GenerateInvoicesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGenerateInvoices))
	}
	return slog.Default().With(slog.String("job", TaskGenerateInvoices))
}

func (j *GenerateInvoicesJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GenerateInvoicesJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
