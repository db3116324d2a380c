package invoicing_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/testing/memstore"
	"github.com/hexeko/billing/internal/tenancy"
)

var generatedAt = time.Date(2025, time.November, 1, 3, 0, 0, 0, time.UTC)

func cents(v int64) *int64 { return &v }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

type fixture struct {
	tenants      *memstore.Tenancy
	store        *memstore.Store
	ledger       *ledger.Service
	builder      *invoicing.Builder
	orchestrator *invoicing.Orchestrator
	service      *invoicing.Service
}

func newFixture(t *testing.T, book *pricing.PriceBook, locker invoicing.Locker) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return generatedAt }

	tenants := memstore.NewTenancy()
	store := memstore.NewStore()
	ledgerSvc := ledger.NewService(store.Ledger(), ledger.NewEventStore().WithNow(clock), ledger.NewProjector().WithNow(clock), logger)
	builder := invoicing.NewBuilder(tenants, pricing.NewResolver(book), invoicing.BuilderConfig{})
	orchestrator := invoicing.NewOrchestrator(builder, tenants, store.Invoices(), ledgerSvc, locker, logger, invoicing.OrchestratorConfig{Concurrency: 3}).WithClock(clock)
	service := invoicing.NewService(store.Invoices(), ledgerSvc, logger).WithClock(clock)
	return &fixture{tenants: tenants, store: store, ledger: ledgerSvc, builder: builder, orchestrator: orchestrator, service: service}
}

func operatorBook(t *testing.T, core int64) *pricing.PriceBook {
	t.Helper()
	book, err := pricing.NewPriceBook(core, nil)
	require.NoError(t, err)
	return book
}

// seedBeneficiaries adds n full-period members to the Financer.
func (f *fixture) seedBeneficiaries(financerID uuid.UUID, n int) {
	for i := 0; i < n; i++ {
		f.tenants.AddMembership(tenancy.Membership{
			FinancerID: financerID,
			Name:       fmt.Sprintf("User %03d", i),
			Email:      fmt.Sprintf("user%03d@%s.example", i, financerID.String()[:8]),
			Active:     true,
		})
	}
}

type stubLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func newStubLocker() *stubLocker { return &stubLocker{held: map[string]bool{}} }

func (l *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, key)
		return nil
	}, true, nil
}
