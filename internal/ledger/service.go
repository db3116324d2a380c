// Package ledger is the append-only event store of invoicing facts and the
// balance projection folded from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, aggregateID uuid.UUID) (Balance, error)
	ListEvents(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error)
	ListAggregateIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Service pairs the event store with the balance projector.
type Service struct {
	repo      RepositoryPort
	store     *EventStore
	projector *Projector
	logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, store *EventStore, projector *Projector, logger *slog.Logger) *Service {
	if store == nil {
		store = NewEventStore()
	}
	if projector == nil {
		projector = NewProjector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, store: store, projector: projector, logger: logger}
}

// Record appends evt to the aggregate stream and projects it, inside the
// caller's transaction.
func (s *Service) Record(ctx context.Context, tx TxRepository, aggregateID uuid.UUID, evt Event) (StoredEvent, Balance, error) {
	stored, err := s.store.Append(ctx, tx, aggregateID, evt)
	if err != nil {
		return StoredEvent{}, Balance{}, err
	}
	balance, err := s.projector.ApplyEvent(ctx, tx, stored)
	if err != nil {
		return StoredEvent{}, Balance{}, err
	}
	return stored, balance, nil
}

// Balance returns the projected balance of an aggregate. Aggregates without
// events have a zero balance.
func (s *Service) Balance(ctx context.Context, aggregateID uuid.UUID) (Balance, error) {
	balance, err := s.repo.GetBalance(ctx, aggregateID)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{AggregateID: aggregateID}, nil
	}
	return balance, err
}

// History returns the aggregate stream in version order.
func (s *Service) History(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error) {
	return Load(ctx, s.repo, aggregateID)
}

// Rebuild replays an aggregate stream and persists the projection.
func (s *Service) Rebuild(ctx context.Context, aggregateID uuid.UUID) (Balance, error) {
	var balance Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		balance, err = s.projector.Rebuild(ctx, tx, aggregateID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrEventOrderingViolation) {
			s.logger.Error("ledger rebuild diverged", slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
		}
		return Balance{}, err
	}
	return balance, nil
}

// Verify replays an aggregate stream and compares it to the projection.
func (s *Service) Verify(ctx context.Context, aggregateID uuid.UUID) (Balance, error) {
	var balance Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		balance, err = s.projector.Verify(ctx, tx, aggregateID)
		return err
	})
	return balance, err
}

// VerificationReport summarises a VerifyAll run.
type VerificationReport struct {
	Checked    int
	Violations map[uuid.UUID]error
}

// OK reports whether every aggregate matched its replay.
func (r VerificationReport) OK() bool {
	return len(r.Violations) == 0
}

// VerifyAll verifies every aggregate with events. Ordering violations are
// collected; any other failure aborts the run.
func (s *Service) VerifyAll(ctx context.Context) (VerificationReport, error) {
	report := VerificationReport{Violations: map[uuid.UUID]error{}}
	ids, err := s.repo.ListAggregateIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("ledger: list aggregates: %w", err)
	}
	for _, id := range ids {
		report.Checked++
		if _, err := s.Verify(ctx, id); err != nil {
			if !errors.Is(err, ErrEventOrderingViolation) {
				return report, err
			}
			s.logger.Error("ledger verification failed", slog.String("aggregate_id", id.String()), slog.Any("error", err))
			report.Violations[id] = err
		}
	}
	return report, nil
}
