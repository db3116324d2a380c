package ledger_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/testing/memstore"
)

var clock = func() time.Time { return time.Date(2025, time.November, 1, 3, 0, 0, 0, time.UTC) }

func newService(store *memstore.Store) *ledger.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ledger.NewService(store.Ledger(), ledger.NewEventStore().WithNow(clock), ledger.NewProjector().WithNow(clock), logger)
}

func record(t *testing.T, store *memstore.Store, svc *ledger.Service, aggregateID uuid.UUID, evt ledger.Event) ledger.Balance {
	t.Helper()
	var balance ledger.Balance
	err := store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		var err error
		_, balance, err = svc.Record(ctx, tx, aggregateID, evt)
		return err
	})
	require.NoError(t, err)
	return balance
}

func generated(amount int64, at time.Time) ledger.InvoiceGenerated {
	return ledger.InvoiceGenerated{InvoiceID: uuid.New(), InvoiceNumber: "DIVISION_TO_FINANCER-2025-000001", Amount: amount, GeneratedAt: at}
}

func TestRecordAssignsGaplessVersions(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	aggregate := uuid.New()
	at := time.Date(2025, time.October, 31, 23, 0, 0, 0, time.UTC)

	b := record(t, store, svc, aggregate, generated(1000, at))
	require.Equal(t, int64(1000), b.Balance)
	require.Equal(t, int64(1), b.Version)
	b = record(t, store, svc, aggregate, generated(500, at.Add(time.Hour)))
	require.Equal(t, int64(1500), b.Balance)
	b = record(t, store, svc, aggregate, ledger.InvoicePaid{InvoiceID: uuid.New(), Amount: 1200, PaidAt: at.Add(2 * time.Hour)})
	require.Equal(t, int64(300), b.Balance)
	require.Equal(t, int64(3), b.Version)
	require.True(t, at.Add(time.Hour).Equal(*b.LastInvoiceAt))

	history, err := svc.History(context.Background(), aggregate)
	require.NoError(t, err)
	for i, evt := range history {
		require.Equal(t, int64(i+1), evt.AggregateVersion)
	}

	var payload map[string]any
	require.NoError(t, json.Unmarshal(history[0].EventProperties, &payload))
	require.Equal(t, float64(1000), payload["amount"])
	require.Contains(t, payload, "invoice_number")
}

func TestRecordIsolatesAggregates(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	a, b := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := a
			if i%2 == 1 {
				target = b
			}
			record(t, store, svc, target, generated(int64(i), clock()))
		}(i)
	}
	wg.Wait()

	for _, id := range []uuid.UUID{a, b} {
		history, err := svc.History(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, history, 10)
	}
}

func TestRebuildMatchesIncrementalProjection(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	aggregate := uuid.New()
	base := time.Date(2025, time.January, 31, 12, 0, 0, 123456789, time.UTC)
	for i := 0; i < 12; i++ {
		record(t, store, svc, aggregate, generated(int64(10000+i*37), base.AddDate(0, i, 0)))
		if i%3 == 0 {
			record(t, store, svc, aggregate, ledger.InvoicePaid{InvoiceID: uuid.New(), Amount: 7000, PaidAt: base.AddDate(0, i, 5)})
		}
	}

	incremental, err := svc.Balance(context.Background(), aggregate)
	require.NoError(t, err)

	verified, err := svc.Verify(context.Background(), aggregate)
	require.NoError(t, err)
	require.Equal(t, incremental.Balance, verified.Balance)

	store.DropBalance(aggregate)
	rebuilt, err := svc.Rebuild(context.Background(), aggregate)
	require.NoError(t, err)
	require.Equal(t, incremental.Balance, rebuilt.Balance)
	require.Equal(t, incremental.Version, rebuilt.Version)
	require.True(t, incremental.LastInvoiceAt.Equal(*rebuilt.LastInvoiceAt))
}

func TestVerifyDetectsDivergenceWithoutCorrecting(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	aggregate := uuid.New()
	record(t, store, svc, aggregate, generated(1000, clock()))

	tampered, err := svc.Balance(context.Background(), aggregate)
	require.NoError(t, err)
	tampered.Balance = 999
	store.SetBalance(tampered)

	_, err = svc.Rebuild(context.Background(), aggregate)
	require.ErrorIs(t, err, ledger.ErrEventOrderingViolation)

	current, err := svc.Balance(context.Background(), aggregate)
	require.NoError(t, err)
	require.Equal(t, int64(999), current.Balance)

	other := uuid.New()
	record(t, store, svc, other, generated(10, clock()))
	report, err := svc.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.False(t, report.OK())
	require.Contains(t, report.Violations, aggregate)
	require.NotContains(t, report.Violations, other)
}

func TestApplyEventRejectsOutOfOrderVersion(t *testing.T) {
	store := memstore.NewStore()
	projector := ledger.NewProjector()
	aggregate := uuid.New()
	props, err := json.Marshal(generated(10, clock()))
	require.NoError(t, err)

	err = store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := projector.ApplyEvent(ctx, tx, ledger.StoredEvent{
			AggregateID:      aggregate,
			AggregateVersion: 2,
			EventClass:       ledger.ClassInvoiceGenerated,
			EventProperties:  props,
		})
		return err
	})
	require.ErrorIs(t, err, ledger.ErrEventOrderingViolation)
}

func TestReplayRejectsGaps(t *testing.T) {
	aggregate := uuid.New()
	props, err := json.Marshal(generated(10, clock()))
	require.NoError(t, err)
	events := []ledger.StoredEvent{
		{AggregateID: aggregate, AggregateVersion: 1, EventClass: ledger.ClassInvoiceGenerated, EventProperties: props},
		{AggregateID: aggregate, AggregateVersion: 3, EventClass: ledger.ClassInvoiceGenerated, EventProperties: props},
	}
	_, err = ledger.Replay(aggregate, events)
	require.ErrorIs(t, err, ledger.ErrEventOrderingViolation)

	balance, err := ledger.Replay(aggregate, events[:1])
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Balance)
}

func TestAppendValidatesEvents(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	err := store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, _, err := svc.Record(ctx, tx, uuid.New(), ledger.InvoiceGenerated{Amount: 10})
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInvalidEvent)

	err = store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, _, err := svc.Record(ctx, tx, uuid.Nil, generated(10, clock()))
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInvalidEvent)
}

func TestBalanceDefaultsToZero(t *testing.T) {
	svc := newService(memstore.NewStore())
	id := uuid.New()
	b, err := svc.Balance(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, b.AggregateID)
	require.Zero(t, b.Balance)
	require.Nil(t, b.LastInvoiceAt)
}

type callLog struct {
	ledger.TxRepository
	calls []string
}

func (c *callLog) LockAggregate(ctx context.Context, id uuid.UUID) error {
	c.calls = append(c.calls, "lock")
	return c.TxRepository.LockAggregate(ctx, id)
}

func (c *callLog) ListEvents(ctx context.Context, id uuid.UUID) ([]ledger.StoredEvent, error) {
	c.calls = append(c.calls, "events")
	return c.TxRepository.ListEvents(ctx, id)
}

func (c *callLog) GetBalanceForUpdate(ctx context.Context, id uuid.UUID) (ledger.Balance, error) {
	c.calls = append(c.calls, "balance")
	return c.TxRepository.GetBalanceForUpdate(ctx, id)
}

func TestVerifyLocksAggregateBeforeReading(t *testing.T) {
	store := memstore.NewStore()
	svc := newService(store)
	aggregate := uuid.New()
	record(t, store, svc, aggregate, generated(1000, clock()))

	var log *callLog
	err := store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		log = &callLog{TxRepository: tx}
		balance, err := ledger.NewProjector().Verify(ctx, log, aggregate)
		require.Equal(t, int64(1000), balance.Balance)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"lock", "events", "balance"}, log.calls)
}
