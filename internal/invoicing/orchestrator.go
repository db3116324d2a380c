package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/shared"
	"github.com/hexeko/billing/internal/tenancy"
)

// Locker acquires a short-lived exclusive run lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Stage names the step of a Division run.
type Stage string

const (
	StageLock      Stage = "lock"
	StageFinancers Stage = "financers"
	StageDivision  Stage = "division"
)

// Skip records a recipient that produced no invoice.
type Skip struct {
	Recipient Party
	Type      InvoiceType
	Reason    string
}

// DivisionReport is the outcome of one Division run.
type DivisionReport struct {
	DivisionID uuid.UUID
	Invoices   []Invoice
	Skipped    []Skip
	Stage      Stage
	Err        error
}

// OK reports whether the Division completed without error.
func (r DivisionReport) OK() bool { return r.Err == nil }

// Reason returns a human-readable failure reason, empty on success.
func (r DivisionReport) Reason() string {
	if r.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s stage failed: %v", r.Stage, r.Err)
}

// GenerationReport summarises a monthly batch run.
type GenerationReport struct {
	Period     prorata.Period
	StartedAt  time.Time
	FinishedAt time.Time
	Divisions  []DivisionReport
}

// Created returns every invoice persisted by the run.
func (r GenerationReport) Created() []Invoice {
	var out []Invoice
	for _, d := range r.Divisions {
		out = append(out, d.Invoices...)
	}
	return out
}

// Failed returns the Division reports that ended with an error.
func (r GenerationReport) Failed() []DivisionReport {
	var out []DivisionReport
	for _, d := range r.Divisions {
		if !d.OK() {
			out = append(out, d)
		}
	}
	return out
}

// OrchestratorConfig tunes batch execution.
type OrchestratorConfig struct {
	Concurrency int
	LockTTL     time.Duration
}

// Orchestrator drives monthly invoice generation across Divisions.
type Orchestrator struct {
	builder     *Builder
	tenants     tenancy.Reader
	repo        RepositoryPort
	ledger      *ledger.Service
	locker      Locker
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
	lockTTL     time.Duration
}

// NewOrchestrator wires the generation pipeline. locker may be nil when runs
// are serialised externally.
func NewOrchestrator(builder *Builder, tenants tenancy.Reader, repo RepositoryPort, ledgerSvc *ledger.Service, locker Locker, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if ledgerSvc == nil {
		ledgerSvc = ledger.NewService(nil, nil, nil, logger)
	}
	return &Orchestrator{
		builder:     builder,
		tenants:     tenants,
		repo:        repo,
		ledger:      ledgerSvc,
		locker:      locker,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: cfg.Concurrency,
		lockTTL:     cfg.LockTTL,
	}
}

// WithClock overrides the clock used for confirmation and event timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// GenerateMonthly generates the Financer and Division invoices of the period
// for every Division matched by filter. Division failures are reported, not
// returned; only ledger invariant violations abort the run.
func (o *Orchestrator) GenerateMonthly(ctx context.Context, period prorata.Period, filter tenancy.DivisionFilter) (GenerationReport, error) {
	report := GenerationReport{Period: period, StartedAt: o.now()}
	divisions, err := o.divisions(ctx, filter)
	if err != nil {
		return report, err
	}

	results := make([]DivisionReport, len(divisions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, division := range divisions {
		g.Go(func() error {
			results[i] = o.runDivision(gctx, division, period)
			if errors.Is(results[i].Err, ledger.ErrEventOrderingViolation) {
				return results[i].Err
			}
			return nil
		})
	}
	err = g.Wait()
	report.Divisions = results
	report.FinishedAt = o.now()

	o.logger.Info("invoice generation finished",
		slog.String("period", period.MonthYear()),
		slog.Int("divisions", len(divisions)),
		slog.Int("invoices", len(report.Created())),
		slog.Int("failed", len(report.Failed())),
	)
	if err != nil {
		return report, fmt.Errorf("invoicing: generation aborted: %w", err)
	}
	return report, nil
}

func (o *Orchestrator) divisions(ctx context.Context, filter tenancy.DivisionFilter) ([]tenancy.Division, error) {
	divisions, err := o.tenants.ListDivisions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list divisions: %w", err)
	}
	return divisions, nil
}

func (o *Orchestrator) runDivision(ctx context.Context, division tenancy.Division, period prorata.Period) DivisionReport {
	report := DivisionReport{DivisionID: division.ID, Stage: StageLock}
	logger := o.logger.With(slog.String("division_id", division.ID.String()), slog.String("period", period.MonthYear()))

	if o.locker != nil {
		release, ok, err := o.locker.TryLock(ctx, shared.GenerationLockKey(division.ID, period.MonthYear()), o.lockTTL)
		if err != nil {
			report.Err = fmt.Errorf("acquire run lock: %w", err)
			logger.Error("division generation failed", slog.Any("error", report.Err))
			return report
		}
		if !ok {
			report.Err = ErrGenerationInProgress
			logger.Warn("division generation skipped", slog.Any("error", report.Err))
			return report
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release run lock", slog.Any("error", err))
			}
		}()
	}

	report.Stage = StageFinancers
	financers, err := o.tenants.ListFinancers(ctx, division.ID)
	if err != nil {
		report.Err = fmt.Errorf("list financers: %w", err)
		logger.Error("division generation failed", slog.Any("error", report.Err))
		return report
	}
	for _, financer := range financers {
		if !financer.Billable(period) {
			continue
		}
		req := BuildRequest{
			Recipient: FinancerParty(financer.ID),
			Issuer:    DivisionParty(division.ID),
			Period:    period,
			Type:      TypeDivisionToFinancer,
		}
		if !o.issueInto(ctx, &report, req, logger) {
			return report
		}
	}

	report.Stage = StageDivision
	req := BuildRequest{
		Recipient: DivisionParty(division.ID),
		Issuer:    OperatorParty(),
		Period:    period,
		Type:      TypeHexekoToDivision,
	}
	if !o.issueInto(ctx, &report, req, logger) {
		return report
	}

	logger.Info("division generation completed", slog.Int("invoices", len(report.Invoices)), slog.Int("skipped", len(report.Skipped)))
	return report
}

// issueInto issues one invoice and records the outcome. It returns false
// when the Division run must stop.
func (o *Orchestrator) issueInto(ctx context.Context, report *DivisionReport, req BuildRequest, logger *slog.Logger) bool {
	inv, err := o.Issue(ctx, req)
	switch {
	case err == nil:
		report.Invoices = append(report.Invoices, inv)
		return true
	case errors.Is(err, ErrZeroAmountInvoice):
		report.Skipped = append(report.Skipped, Skip{Recipient: req.Recipient, Type: req.Type, Reason: "zero amount"})
		logger.Info("invoice skipped", slog.String("recipient", req.Recipient.String()), slog.String("type", string(req.Type)))
		return true
	default:
		report.Err = fmt.Errorf("%s for %s: %w", req.Type, req.Recipient, err)
		logger.Error("division generation failed", slog.String("stage", string(report.Stage)), slog.Any("error", err))
		return false
	}
}

// Issue builds one invoice and persists it with its items, number, event
// and balance projection in a single transaction.
func (o *Orchestrator) Issue(ctx context.Context, req BuildRequest) (Invoice, error) {
	draft, err := o.builder.Build(ctx, req)
	if err != nil {
		return Invoice{}, err
	}
	var issued Invoice
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.InvoiceExists(ctx, draft.Issuer, draft.Recipient, draft.Period())
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateInvoice
		}
		seq, err := tx.NextSequence(ctx, draft.Type, draft.PeriodEnd.Year())
		if err != nil {
			return fmt.Errorf("allocate invoice number: %w", err)
		}
		inv := draft
		inv.ID = uuid.New()
		inv.Number = FormatNumber(inv.Type, inv.PeriodEnd.Year(), seq)
		inv.CreatedAt = o.now()
		if inv.Type == TypeDivisionToFinancer {
			confirmedAt := inv.CreatedAt
			inv.Status = StatusConfirmed
			inv.ConfirmedAt = &confirmedAt
		}
		inv.Items = make([]InvoiceItem, len(draft.Items))
		for i, item := range draft.Items {
			item.ID = uuid.New()
			item.InvoiceID = inv.ID
			inv.Items[i] = item
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		_, _, err = o.ledger.Record(ctx, tx.Ledger(), inv.Recipient.ID, ledger.InvoiceGenerated{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			Amount:        inv.TotalTTC,
			GeneratedAt:   inv.CreatedAt,
		})
		if err != nil {
			return err
		}
		issued = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return issued, nil
}
