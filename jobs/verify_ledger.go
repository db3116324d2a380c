package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/hexeko/billing/internal/jobs"
	"github.com/hexeko/billing/internal/ledger"
)

// ErrLedgerDiverged is returned when at least one balance differs from its
// replay. The balances are left untouched for manual reconciliation.
var ErrLedgerDiverged = errors.New("verify ledger: projections diverged from event streams")

type ledgerVerifier interface {
	Verify(ctx context.Context, aggregateID uuid.UUID) (ledger.Balance, error)
	VerifyAll(ctx context.Context) (ledger.VerificationReport, error)
}

// VerifyLedgerJob replays event streams and compares them with the
// projected balances without writing.
type VerifyLedgerJob struct {
	Ledger  ledgerVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewVerifyLedgerJob wires dependencies for the verification handler.
func NewVerifyLedgerJob(verifier ledgerVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *VerifyLedgerJob {
	return &VerifyLedgerJob{Ledger: verifier, Logger: logger, Metrics: metrics}
}

// Handle processes ledger verification tasks. Divergence is not retried.
func (j *VerifyLedgerJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("verify ledger: handler not configured")
	}
	var payload VerifyLedgerPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("verify ledger: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	ids := make([]uuid.UUID, 0, len(payload.AggregateIDs))
	for _, raw := range payload.AggregateIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("verify ledger: aggregate id %q: %v: %w", raw, err, asynq.SkipRetry)
		}
		ids = append(ids, id)
	}
	report, err := j.Run(ctx, ids)
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%w: %d of %d: %w", ErrLedgerDiverged, len(report.Violations), report.Checked, asynq.SkipRetry)
	}
	return nil
}

// Run verifies the given aggregates, or all of them when ids is empty.
func (j *VerifyLedgerJob) Run(ctx context.Context, ids []uuid.UUID) (ledger.VerificationReport, error) {
	tracker := j.metrics().Track(TaskVerifyLedger)
	logger := j.logger()

	var report ledger.VerificationReport
	var err error
	if len(ids) == 0 {
		report, err = j.Ledger.VerifyAll(ctx)
	} else {
		report, err = j.verifySome(ctx, ids)
	}
	if err != nil {
		logger.Error("ledger verification failed", slog.Any("error", err))
		return report, tracker.End(err)
	}
	j.metrics().AddLedgerViolations(len(report.Violations))
	logger.Info("completed ledger verification", slog.Int("checked", report.Checked), slog.Int("violations", len(report.Violations)))
	return report, tracker.End(nil)
}

func (j *VerifyLedgerJob) verifySome(ctx context.Context, ids []uuid.UUID) (ledger.VerificationReport, error) {
	report := ledger.VerificationReport{Violations: map[uuid.UUID]error{}}
	for _, id := range ids {
		report.Checked++
		if _, err := j.Ledger.Verify(ctx, id); err != nil {
			if !errors.Is(err, ledger.ErrEventOrderingViolation) {
				return report, err
			}
			report.Violations[id] = err
		}
	}
	return report, nil
}

func (j *VerifyLedgerJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskVerifyLedger))
	}
	return slog.Default().With(slog.String("job", TaskVerifyLedger))
}

func (j *VerifyLedgerJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
