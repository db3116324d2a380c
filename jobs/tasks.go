package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/hexeko/billing/internal/prorata"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGenerateInvoices runs the monthly invoice generation.
	TaskGenerateInvoices = "billing:generate_invoices"
	// TaskVerifyLedger replays event streams against their balances.
	TaskVerifyLedger = "billing:verify_ledger"

	// PeriodPrevious selects the calendar month before the run date.
	PeriodPrevious = "previous"
)

// GenerateInvoicesPayload selects the billing period and Divisions of a run.
// An empty Division list means every active Division.
type GenerateInvoicesPayload struct {
	Period      string   `json:"period"`
	DivisionIDs []string `json:"division_ids,omitempty"`
}

// NewGenerateInvoicesTask constructs a generation task. period is
// PeriodPrevious or a YYYY-MM month.
func NewGenerateInvoicesTask(period string, divisionIDs ...uuid.UUID) (*asynq.Task, error) {
	payload := GenerateInvoicesPayload{Period: period}
	for _, id := range divisionIDs {
		payload.DivisionIDs = append(payload.DivisionIDs, id.String())
	}
	if _, err := payload.resolvePeriod(time.Now().UTC()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGenerateInvoices, data), nil
}

func (p GenerateInvoicesPayload) resolvePeriod(now time.Time) (prorata.Period, error) {
	if p.Period == "" || p.Period == PeriodPrevious {
		prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		return prorata.MonthPeriod(prev.Year(), prev.Month()), nil
	}
	period, err := prorata.ParseMonth(p.Period)
	if err != nil {
		return prorata.Period{}, fmt.Errorf("jobs: period %q: %w", p.Period, err)
	}
	return period, nil
}

func (p GenerateInvoicesPayload) divisionIDs() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(p.DivisionIDs))
	for _, raw := range p.DivisionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("jobs: division id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// VerifyLedgerPayload limits verification to some aggregates. Empty means all.
type VerifyLedgerPayload struct {
	AggregateIDs []string `json:"aggregate_ids,omitempty"`
}

// NewVerifyLedgerTask constructs a ledger verification task.
func NewVerifyLedgerTask(aggregateIDs ...uuid.UUID) (*asynq.Task, error) {
	var payload VerifyLedgerPayload
	for _, id := range aggregateIDs {
		payload.AggregateIDs = append(payload.AggregateIDs, id.String())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyLedger, data), nil
}
