package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event classes recorded in the store.
const (
	ClassInvoiceGenerated = "InvoiceGenerated"
	ClassInvoicePaid      = "InvoicePaid"
)

var (
	// ErrBalanceNotFound indicates no projected balance exists yet.
	ErrBalanceNotFound = errors.New("ledger: balance not found")
	// ErrEventOrderingViolation marks a ledger inconsistency: a gap or
	// duplicate in aggregate versions, or a replay that disagrees with the
	// projected balance. It must be reconciled manually.
	ErrEventOrderingViolation = errors.New("ledger: event ordering violation")
	// ErrUnknownEventClass is returned when folding an unregistered class.
	ErrUnknownEventClass = errors.New("ledger: unknown event class")
	// ErrInvalidEvent rejects malformed payloads before they are appended.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// StoredEvent is one append-only row of an aggregate stream.
type StoredEvent struct {
	ID               int64
	AggregateID      uuid.UUID
	AggregateVersion int64
	EventClass       string
	EventProperties  json.RawMessage
	CreatedAt        time.Time
}

// Balance is the projection of an aggregate stream.
type Balance struct {
	AggregateID   uuid.UUID
	Balance       int64
	LastInvoiceAt *time.Time
	Version       int64
	UpdatedAt     time.Time
}

// Event is a domain fact that can be appended to a stream.
type Event interface {
	Class() string
}

// InvoiceGenerated records an amount owed by the aggregate.
type InvoiceGenerated struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Amount        int64     `json:"amount"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Class implements Event.
func (InvoiceGenerated) Class() string { return ClassInvoiceGenerated }

// InvoicePaid records a settlement by the aggregate.
type InvoicePaid struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

// Class implements Event.
func (InvoicePaid) Class() string { return ClassInvoicePaid }

// Decode unmarshals the stored payload into its typed event.
func (e StoredEvent) Decode() (Event, error) {
	switch e.EventClass {
	case ClassInvoiceGenerated:
		var evt InvoiceGenerated
		if err := json.Unmarshal(e.EventProperties, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case ClassInvoicePaid:
		var evt InvoicePaid
		if err := json.Unmarshal(e.EventProperties, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	default:
		return nil, ErrUnknownEventClass
	}
}

func validate(evt Event) error {
	switch e := evt.(type) {
	case InvoiceGenerated:
		if e.InvoiceID == uuid.Nil || e.Amount < 0 {
			return ErrInvalidEvent
		}
	case InvoicePaid:
		if e.InvoiceID == uuid.Nil || e.Amount < 0 {
			return ErrInvalidEvent
		}
	case nil:
		return ErrInvalidEvent
	default:
		return ErrUnknownEventClass
	}
	return nil
}
