package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLister reads an aggregate stream ordered by version.
type EventLister interface {
	ListEvents(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error)
}

// TxRepository exposes the transactional operations of the event store and
// the balance projection. Implementations share one database transaction.
type TxRepository interface {
	EventLister
	LockAggregate(ctx context.Context, aggregateID uuid.UUID) error
	MaxVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error)
	InsertEvent(ctx context.Context, evt StoredEvent) (int64, error)
	GetBalanceForUpdate(ctx context.Context, aggregateID uuid.UUID) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
}

// EventStore appends facts to per-aggregate streams with gapless versions.
type EventStore struct {
	now func() time.Time
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock used for created_at.
func (s *EventStore) WithNow(now func() time.Time) *EventStore {
	if now != nil {
		s.now = now
	}
	return s
}

// Append stores evt as version max+1 of the aggregate stream. It must run in
// the caller's transaction so the version read and the insert commit
// together; the aggregate lock serialises writers of the same stream only.
func (s *EventStore) Append(ctx context.Context, tx TxRepository, aggregateID uuid.UUID, evt Event) (StoredEvent, error) {
	if aggregateID == uuid.Nil {
		return StoredEvent{}, fmt.Errorf("%w: aggregate id required", ErrInvalidEvent)
	}
	if err := validate(evt); err != nil {
		return StoredEvent{}, err
	}
	props, err := json.Marshal(evt)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("ledger: encode %s: %w", evt.Class(), err)
	}
	if err := tx.LockAggregate(ctx, aggregateID); err != nil {
		return StoredEvent{}, fmt.Errorf("ledger: lock aggregate %s: %w", aggregateID, err)
	}
	current, err := tx.MaxVersion(ctx, aggregateID)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("ledger: read version %s: %w", aggregateID, err)
	}
	stored := StoredEvent{
		AggregateID:      aggregateID,
		AggregateVersion: current + 1,
		EventClass:       evt.Class(),
		EventProperties:  props,
		CreatedAt:        s.now(),
	}
	id, err := tx.InsertEvent(ctx, stored)
	if err != nil {
		return StoredEvent{}, err
	}
	stored.ID = id
	return stored, nil
}

// Load returns the aggregate stream in version order, verifying that the
// versions are exactly 1..N.
func Load(ctx context.Context, src EventLister, aggregateID uuid.UUID) ([]StoredEvent, error) {
	events, err := src.ListEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	for i, evt := range events {
		if evt.AggregateVersion != int64(i+1) {
			return nil, fmt.Errorf("%w: aggregate %s expected version %d, found %d", ErrEventOrderingViolation, aggregateID, i+1, evt.AggregateVersion)
		}
	}
	return events, nil
}
