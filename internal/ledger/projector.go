package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Projector folds event streams into balances.
type Projector struct {
	now func() time.Time
}

// NewProjector constructs a Projector.
func NewProjector() *Projector {
	return &Projector{now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock used for updated_at.
func (p *Projector) WithNow(now func() time.Time) *Projector {
	if now != nil {
		p.now = now
	}
	return p
}

// ApplyEvent folds a just-appended event into the projected balance within
// the same transaction. The event must be the next version of the stream.
func (p *Projector) ApplyEvent(ctx context.Context, tx TxRepository, evt StoredEvent) (Balance, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, evt.AggregateID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Balance{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{AggregateID: evt.AggregateID}
	}
	if evt.AggregateVersion != balance.Version+1 {
		return Balance{}, fmt.Errorf("%w: aggregate %s at version %d cannot apply version %d",
			ErrEventOrderingViolation, evt.AggregateID, balance.Version, evt.AggregateVersion)
	}
	next, err := fold(balance, evt)
	if err != nil {
		return Balance{}, err
	}
	next.UpdatedAt = p.now()
	if err := tx.UpsertBalance(ctx, next); err != nil {
		return Balance{}, err
	}
	return next, nil
}

// Rebuild replays the full stream from zero. When a projected balance
// already exists and disagrees with the replay, the stored row is left
// untouched and ErrEventOrderingViolation is returned.
func (p *Projector) Rebuild(ctx context.Context, tx TxRepository, aggregateID uuid.UUID) (Balance, error) {
	if err := tx.LockAggregate(ctx, aggregateID); err != nil {
		return Balance{}, fmt.Errorf("ledger: lock aggregate %s: %w", aggregateID, err)
	}
	replayed, err := p.compare(ctx, tx, aggregateID)
	if err != nil {
		return Balance{}, err
	}
	replayed.UpdatedAt = p.now()
	if err := tx.UpsertBalance(ctx, replayed); err != nil {
		return Balance{}, err
	}
	return replayed, nil
}

// Verify replays the stream and compares it to the projected balance without
// writing. It holds the aggregate lock so an append in flight is either fully
// visible or not visible at all.
func (p *Projector) Verify(ctx context.Context, tx TxRepository, aggregateID uuid.UUID) (Balance, error) {
	if err := tx.LockAggregate(ctx, aggregateID); err != nil {
		return Balance{}, fmt.Errorf("ledger: lock aggregate %s: %w", aggregateID, err)
	}
	return p.compare(ctx, tx, aggregateID)
}

// compare expects the caller to hold the aggregate lock.
func (p *Projector) compare(ctx context.Context, tx TxRepository, aggregateID uuid.UUID) (Balance, error) {
	events, err := Load(ctx, tx, aggregateID)
	if err != nil {
		return Balance{}, err
	}
	replayed, err := Replay(aggregateID, events)
	if err != nil {
		return Balance{}, err
	}
	current, err := tx.GetBalanceForUpdate(ctx, aggregateID)
	if errors.Is(err, ErrBalanceNotFound) {
		return replayed, nil
	}
	if err != nil {
		return Balance{}, err
	}
	if !sameProjection(current, replayed) {
		return Balance{}, fmt.Errorf("%w: aggregate %s projected balance %d@v%d, replay %d@v%d",
			ErrEventOrderingViolation, aggregateID, current.Balance, current.Version, replayed.Balance, replayed.Version)
	}
	replayed.UpdatedAt = current.UpdatedAt
	return replayed, nil
}

// Replay folds events, which must already be in version order, from a zero
// balance.
func Replay(aggregateID uuid.UUID, events []StoredEvent) (Balance, error) {
	balance := Balance{AggregateID: aggregateID}
	for _, evt := range events {
		if evt.AggregateID != aggregateID || evt.AggregateVersion != balance.Version+1 {
			return Balance{}, fmt.Errorf("%w: aggregate %s replay expected version %d, found %d",
				ErrEventOrderingViolation, aggregateID, balance.Version+1, evt.AggregateVersion)
		}
		next, err := fold(balance, evt)
		if err != nil {
			return Balance{}, err
		}
		balance = next
	}
	return balance, nil
}

func fold(balance Balance, evt StoredEvent) (Balance, error) {
	decoded, err := evt.Decode()
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: decode event %s v%d: %w", evt.AggregateID, evt.AggregateVersion, err)
	}
	switch e := decoded.(type) {
	case InvoiceGenerated:
		balance.Balance += e.Amount
		at := e.GeneratedAt.UTC().Truncate(time.Microsecond)
		if balance.LastInvoiceAt == nil || at.After(*balance.LastInvoiceAt) {
			balance.LastInvoiceAt = &at
		}
	case InvoicePaid:
		balance.Balance -= e.Amount
	}
	balance.Version = evt.AggregateVersion
	return balance, nil
}

func sameProjection(a, b Balance) bool {
	if a.Balance != b.Balance || a.Version != b.Version {
		return false
	}
	switch {
	case a.LastInvoiceAt == nil && b.LastInvoiceAt == nil:
		return true
	case a.LastInvoiceAt == nil || b.LastInvoiceAt == nil:
		return false
	default:
		return a.LastInvoiceAt.Equal(*b.LastInvoiceAt)
	}
}
