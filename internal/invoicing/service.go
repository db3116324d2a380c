// Package invoicing builds, numbers and persists monthly invoices and drives
// their lifecycle. Every persisted invoice carries its InvoiceGenerated event
// in the same transaction.
package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/ledger"
)

// Service exposes invoice queries and lifecycle transitions.
type Service struct {
	repo   RepositoryPort
	ledger *ledger.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerSvc *ledger.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ledgerSvc == nil {
		ledgerSvc = ledger.NewService(nil, nil, nil, logger)
	}
	return &Service{repo: repo, ledger: ledgerSvc, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the transition clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GetInvoice returns an invoice with its items.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListInvoices returns invoice headers and the total matching count.
func (s *Service) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	return s.repo.ListInvoices(ctx, filter)
}

// Confirm moves a draft invoice to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.transition(ctx, id, StatusConfirmed, nil)
}

// MarkSent records that a confirmed invoice was delivered.
func (s *Service) MarkSent(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.transition(ctx, id, StatusSent, nil)
}

// MarkPaid settles an invoice and records InvoicePaid against its recipient.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.transition(ctx, id, StatusPaid, func(ctx context.Context, tx TxRepository, inv Invoice) error {
		_, _, err := s.ledger.Record(ctx, tx.Ledger(), inv.Recipient.ID, ledger.InvoicePaid{
			InvoiceID: inv.ID,
			Amount:    inv.TotalTTC,
			PaidAt:    *inv.PaidAt,
		})
		return err
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, after func(context.Context, TxRepository, Invoice) error) (Invoice, error) {
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(inv.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, to)
		}
		at := s.now()
		inv.Status = to
		switch to {
		case StatusConfirmed:
			inv.ConfirmedAt = &at
		case StatusSent:
			inv.SentAt = &at
		case StatusPaid:
			inv.PaidAt = &at
		}
		if err := tx.UpdateInvoiceStatus(ctx, inv); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, inv); err != nil {
				return err
			}
		}
		updated = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice status changed",
		slog.String("invoice_id", id.String()),
		slog.String("number", updated.Number),
		slog.String("status", string(to)),
	)
	return updated, nil
}
