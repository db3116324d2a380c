package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/prorata"
)

type seqKey struct {
	invoiceType invoicing.InvoiceType
	year        int
}

type state struct {
	invoices    map[uuid.UUID]invoicing.Invoice
	sequences   map[seqKey]int64
	events      map[uuid.UUID][]ledger.StoredEvent
	balances    map[uuid.UUID]ledger.Balance
	nextEventID int64
}

func (s *state) clone() *state {
	events := make(map[uuid.UUID][]ledger.StoredEvent, len(s.events))
	for id, stream := range s.events {
		events[id] = slices.Clone(stream)
	}
	return &state{
		invoices:    maps.Clone(s.invoices),
		sequences:   maps.Clone(s.sequences),
		events:      events,
		balances:    maps.Clone(s.balances),
		nextEventID: s.nextEventID,
	}
}

// Store keeps invoices, event streams and balances in memory. Transactions
// are serialised and applied only when the callback succeeds.
type Store struct {
	mu             sync.Mutex
	state          *state
	failEventWrite error
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{state: &state{
		invoices:  map[uuid.UUID]invoicing.Invoice{},
		sequences: map[seqKey]int64{},
		events:    map[uuid.UUID][]ledger.StoredEvent{},
		balances:  map[uuid.UUID]ledger.Balance{},
	}}
}

// Invoices returns the invoicing.RepositoryPort view.
func (s *Store) Invoices() *Invoices { return &Invoices{store: s} }

// Ledger returns the ledger.RepositoryPort view.
func (s *Store) Ledger() *Ledger { return &Ledger{store: s} }

// FailEventWrites makes every event insert return err until reset with nil.
func (s *Store) FailEventWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEventWrite = err
}

// SetBalance overwrites a projected balance outside the projector.
func (s *Store) SetBalance(b ledger.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.balances[b.AggregateID] = b
}

// DropBalance deletes a projected balance.
func (s *Store) DropBalance(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.balances, id)
}

// InvoiceCount returns the number of stored invoices.
func (s *Store) InvoiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.invoices)
}

// AllInvoices returns every stored invoice ordered by number.
func (s *Store) AllInvoices() []invoicing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.state.invoices))
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// EventCount returns the number of events of an aggregate.
func (s *Store) EventCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.events[id])
}

func (s *Store) tx(ctx context.Context, fn func(*txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&txn{state: work, failEventWrite: s.failEventWrite}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

type txn struct {
	state          *state
	failEventWrite error
}

// Ledger implements ledger.RepositoryPort.
type Ledger struct {
	store *Store
}

func (l *Ledger) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return l.store.tx(ctx, func(t *txn) error {
		return fn(ctx, &ledgerTx{t: t})
	})
}

func (l *Ledger) GetBalance(_ context.Context, id uuid.UUID) (ledger.Balance, error) {
	var (
		b  ledger.Balance
		ok bool
	)
	l.store.read(func(st *state) { b, ok = st.balances[id] })
	if !ok {
		return ledger.Balance{AggregateID: id}, ledger.ErrBalanceNotFound
	}
	return b, nil
}

func (l *Ledger) ListEvents(_ context.Context, id uuid.UUID) ([]ledger.StoredEvent, error) {
	var events []ledger.StoredEvent
	l.store.read(func(st *state) { events = slices.Clone(st.events[id]) })
	return events, nil
}

func (l *Ledger) ListAggregateIDs(context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	l.store.read(func(st *state) { ids = slices.Collect(maps.Keys(st.events)) })
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

type ledgerTx struct {
	t *txn
}

func (l *ledgerTx) LockAggregate(context.Context, uuid.UUID) error { return nil }

func (l *ledgerTx) MaxVersion(_ context.Context, id uuid.UUID) (int64, error) {
	var version int64
	for _, evt := range l.t.state.events[id] {
		version = max(version, evt.AggregateVersion)
	}
	return version, nil
}

func (l *ledgerTx) InsertEvent(_ context.Context, evt ledger.StoredEvent) (int64, error) {
	if l.t.failEventWrite != nil {
		return 0, l.t.failEventWrite
	}
	for _, existing := range l.t.state.events[evt.AggregateID] {
		if existing.AggregateVersion == evt.AggregateVersion {
			return 0, ledger.ErrEventOrderingViolation
		}
	}
	l.t.state.nextEventID++
	evt.ID = l.t.state.nextEventID
	stream := append(l.t.state.events[evt.AggregateID], evt)
	sort.Slice(stream, func(i, j int) bool { return stream[i].AggregateVersion < stream[j].AggregateVersion })
	l.t.state.events[evt.AggregateID] = stream
	return evt.ID, nil
}

func (l *ledgerTx) ListEvents(_ context.Context, id uuid.UUID) ([]ledger.StoredEvent, error) {
	return slices.Clone(l.t.state.events[id]), nil
}

func (l *ledgerTx) GetBalanceForUpdate(_ context.Context, id uuid.UUID) (ledger.Balance, error) {
	b, ok := l.t.state.balances[id]
	if !ok {
		return ledger.Balance{AggregateID: id}, ledger.ErrBalanceNotFound
	}
	return b, nil
}

func (l *ledgerTx) UpsertBalance(_ context.Context, b ledger.Balance) error {
	l.t.state.balances[b.AggregateID] = b
	return nil
}

// Invoices implements invoicing.RepositoryPort.
type Invoices struct {
	store *Store
}

func (r *Invoices) WithTx(ctx context.Context, fn func(context.Context, invoicing.TxRepository) error) error {
	return r.store.tx(ctx, func(t *txn) error {
		return fn(ctx, &invoiceTx{t: t, ledger: &ledgerTx{t: t}})
	})
}

func (r *Invoices) GetInvoice(_ context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	var (
		inv invoicing.Invoice
		ok  bool
	)
	r.store.read(func(st *state) { inv, ok = st.invoices[id] })
	if !ok {
		return invoicing.Invoice{}, invoicing.ErrNotFound
	}
	inv.Items = slices.Clone(inv.Items)
	return inv, nil
}

func (r *Invoices) ListInvoices(_ context.Context, filter invoicing.ListFilter) ([]invoicing.Invoice, int, error) {
	var all []invoicing.Invoice
	r.store.read(func(st *state) { all = slices.Collect(maps.Values(st.invoices)) })
	matched := all[:0]
	for _, inv := range all {
		switch {
		case filter.Type != "" && inv.Type != filter.Type:
		case filter.Status != "" && inv.Status != filter.Status:
		case filter.Recipient != nil && inv.Recipient != *filter.Recipient:
		case filter.MonthYear != "" && inv.MonthYear != filter.MonthYear:
		default:
			inv.Items = nil
			matched = append(matched, inv)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Number > matched[j].Number
	})
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(filter.Offset, total)
	end := min(start+limit, total)
	return matched[start:end], total, nil
}

type invoiceTx struct {
	t      *txn
	ledger *ledgerTx
}

func (r *invoiceTx) Ledger() ledger.TxRepository { return r.ledger }

func (r *invoiceTx) InvoiceExists(_ context.Context, issuer, recipient invoicing.Party, period prorata.Period) (bool, error) {
	for _, inv := range r.t.state.invoices {
		if inv.Issuer == issuer && inv.Recipient == recipient &&
			inv.PeriodStart.Equal(period.Start) && inv.PeriodEnd.Equal(period.End) {
			return true, nil
		}
	}
	return false, nil
}

func (r *invoiceTx) NextSequence(_ context.Context, t invoicing.InvoiceType, year int) (int64, error) {
	key := seqKey{invoiceType: t, year: year}
	r.t.state.sequences[key]++
	return r.t.state.sequences[key], nil
}

func (r *invoiceTx) InsertInvoice(ctx context.Context, inv invoicing.Invoice) error {
	exists, _ := r.InvoiceExists(ctx, inv.Issuer, inv.Recipient, inv.Period())
	if exists {
		return invoicing.ErrDuplicateInvoice
	}
	inv.Items = slices.Clone(inv.Items)
	r.t.state.invoices[inv.ID] = inv
	return nil
}

func (r *invoiceTx) GetInvoiceForUpdate(_ context.Context, id uuid.UUID) (invoicing.Invoice, error) {
	inv, ok := r.t.state.invoices[id]
	if !ok {
		return invoicing.Invoice{}, invoicing.ErrNotFound
	}
	inv.Items = slices.Clone(inv.Items)
	return inv, nil
}

func (r *invoiceTx) UpdateInvoiceStatus(_ context.Context, inv invoicing.Invoice) error {
	current, ok := r.t.state.invoices[inv.ID]
	if !ok {
		return invoicing.ErrNotFound
	}
	current.Status = inv.Status
	current.ConfirmedAt = inv.ConfirmedAt
	current.SentAt = inv.SentAt
	current.PaidAt = inv.PaidAt
	r.t.state.invoices[inv.ID] = current
	return nil
}
