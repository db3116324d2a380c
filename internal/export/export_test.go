package export_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"

	"github.com/hexeko/billing/internal/export"
	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/testing/memstore"
	"github.com/hexeko/billing/internal/tenancy"
)

var october = prorata.MonthPeriod(2025, time.October)

func cents(v int64) *int64 { return &v }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

type env struct {
	tenants      *memstore.Tenancy
	store        *memstore.Store
	orchestrator *invoicing.Orchestrator
	provider     *export.Provider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book, err := pricing.NewPriceBook(1000, nil)
	require.NoError(t, err)
	tenants := memstore.NewTenancy()
	store := memstore.NewStore()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil, logger)
	builder := invoicing.NewBuilder(tenants, pricing.NewResolver(book), invoicing.BuilderConfig{})
	return &env{
		tenants:      tenants,
		store:        store,
		orchestrator: invoicing.NewOrchestrator(builder, tenants, store.Invoices(), ledgerSvc, nil, logger, invoicing.OrchestratorConfig{}),
		provider:     export.NewProvider(store.Invoices(), tenants),
	}
}

func (e *env) issue(t *testing.T, req invoicing.BuildRequest) invoicing.Invoice {
	t.Helper()
	inv, err := e.orchestrator.Issue(context.Background(), req)
	require.NoError(t, err)
	return inv
}

func (e *env) exampleFinancer(t *testing.T) (tenancy.Financer, invoicing.Invoice) {
	t.Helper()
	division := e.tenants.AddDivision(tenancy.Division{Name: "Benelux", Country: "BE", Active: true})
	financer := e.tenants.AddFinancer(tenancy.Financer{DivisionID: division.ID, Name: "Acme", CorePackagePrice: cents(300000), ContractStart: day(2025, time.October, 20), Active: true})
	e.tenants.AddMembership(tenancy.Membership{FinancerID: financer.ID, Name: "Zoe Martin", Email: "zoe@acme.example", Active: true, From: day(2025, time.October, 10)})
	e.tenants.AddMembership(tenancy.Membership{FinancerID: financer.ID, Name: "Adam Peeters", Email: "adam@acme.example", Active: true, From: day(2025, time.September, 15)})
	e.tenants.AddMembership(tenancy.Membership{FinancerID: financer.ID, Name: "Old Timer", Email: "old@acme.example", Active: true, To: day(2025, time.September, 30)})
	e.tenants.AddFinancerModule(financer.ID, tenancy.ModuleActivation{
		Module: tenancy.Module{ID: uuid.New(), Name: "Wellbeing"}, Active: true, ActivatedAt: *day(2025, time.October, 15), PricePerBeneficiary: cents(100000),
	})
	e.tenants.AddFinancerModule(financer.ID, tenancy.ModuleActivation{
		Module: tenancy.Module{ID: uuid.New(), Name: "Legacy", BasePrice: cents(50000)}, ActivatedAt: *day(2025, time.September, 1), DeactivatedAt: day(2025, time.October, 10),
	})
	inv := e.issue(t, invoicing.BuildRequest{
		Recipient: invoicing.FinancerParty(financer.ID),
		Issuer:    invoicing.DivisionParty(division.ID),
		Period:    october,
		Type:      invoicing.TypeDivisionToFinancer,
	})
	return financer, inv
}

func TestUserBillingRowsReproduceCoreLine(t *testing.T) {
	e := newEnv(t)
	_, inv := e.exampleFinancer(t)

	rows, err := e.provider.UserBillingRows(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, []string{"Adam Peeters", "adam@acme.example", "2025-10-01", "2025-10-31", "31", "31", "1.00", "3000.00"}, rows[0].Record()[:8])
	require.Equal(t, []string{"Zoe Martin", "zoe@acme.example", "2025-10-10", "2025-10-31", "22", "31", "0.71", "3000.00"}, rows[1].Record()[:8])

	core, ok := inv.CoreItem()
	require.True(t, ok)
	require.Equal(t, core.SubtotalHTVA, rows[0].Amount+rows[1].Amount)
	require.Regexp(t, `^\d+\.\d{2}$`, rows[1].Record()[8])
}

func TestModuleActivationRows(t *testing.T) {
	e := newEnv(t)
	_, inv := e.exampleFinancer(t)

	rows, err := e.provider.ModuleActivationRows(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]export.ModuleActivationRow{}
	var total int64
	for _, r := range rows {
		byName[r.ModuleName] = r
		total += r.Amount
	}

	wellbeing := byName["Wellbeing"].Record()
	require.Equal(t, []string{"Wellbeing", "2025-10-15", "", "17", "31", "0.55", "1000.00"}, wellbeing[:7])

	legacy := byName["Legacy"].Record()
	require.Equal(t, []string{"Legacy", "2025-10-01", "2025-10-10", "10", "31", "0.32", "500.00"}, legacy[:7])

	var moduleSubtotal int64
	for _, item := range inv.Items {
		if item.ItemType == invoicing.ItemModule {
			moduleSubtotal += item.SubtotalHTVA
		}
	}
	require.Equal(t, moduleSubtotal, total)
}

func TestModuleActivationRowsRecomputeInvoicedLines(t *testing.T) {
	e := newEnv(t)
	_, inv := e.exampleFinancer(t)

	rows, err := e.provider.ModuleActivationRows(context.Background(), inv.ID)
	require.NoError(t, err)
	byModule := map[uuid.UUID]export.ModuleActivationRow{}
	for _, r := range rows {
		byModule[r.ModuleID] = r
	}
	for _, item := range inv.Items {
		if item.ItemType != invoicing.ItemModule {
			continue
		}
		row, ok := byModule[*item.ModuleID]
		require.True(t, ok, item.Label)
		require.Equal(t, item.ProrataDays, row.ActiveDays, item.Label)
		require.Equal(t, item.TotalDays, row.TotalDays, item.Label)
		require.True(t, item.ProrataPercentage.Equal(row.Prorata), item.Label)
		require.Equal(t, item.SubtotalHTVA, row.Amount, item.Label)
	}

	stale := inv
	stale.Items = append([]invoicing.InvoiceItem(nil), inv.Items...)
	for i := range stale.Items {
		if stale.Items[i].ItemType == invoicing.ItemModule {
			stale.Items[i].ProrataDays = 0
			stale.Items[i].ProrataPercentage = decimal.Zero
			stale.Items[i].SubtotalHTVA = 1
		}
	}
	provider := export.NewProvider(fixedInvoice{inv: stale}, e.tenants)
	recomputed, err := provider.ModuleActivationRows(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, rows, recomputed)
}

type fixedInvoice struct {
	inv invoicing.Invoice
}

func (f fixedInvoice) GetInvoice(context.Context, uuid.UUID) (invoicing.Invoice, error) {
	return f.inv, nil
}

func TestDivisionInvoicesHaveNoRows(t *testing.T) {
	e := newEnv(t)
	division := e.tenants.AddDivision(tenancy.Division{Name: "D", Country: "BE", CorePackagePrice: cents(1000), Active: true})
	financer := e.tenants.AddFinancer(tenancy.Financer{DivisionID: division.ID, Name: "F", Active: true})
	e.tenants.AddMembership(tenancy.Membership{FinancerID: financer.ID, Email: "a@example.com", Active: true})
	inv := e.issue(t, invoicing.BuildRequest{
		Recipient: invoicing.DivisionParty(division.ID),
		Issuer:    invoicing.OperatorParty(),
		Period:    october,
		Type:      invoicing.TypeHexekoToDivision,
	})

	users, err := e.provider.UserBillingRows(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Nil(t, users)
	modules, err := e.provider.ModuleActivationRows(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Nil(t, modules)

	_, err = e.provider.UserBillingRows(context.Background(), uuid.New())
	require.ErrorIs(t, err, invoicing.ErrNotFound)
}

func TestRenderDocuments(t *testing.T) {
	e := newEnv(t)
	_, inv := e.exampleFinancer(t)
	doc, err := e.provider.Document(context.Background(), inv.ID)
	require.NoError(t, err)
	f := export.NewFormatter(language.English)

	pdf, err := export.RenderPDF(doc, f)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))

	raw, err := export.RenderXLSX(doc, f)
	require.NoError(t, err)
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = book.Close() })

	users, err := book.GetRows(export.SheetUsers)
	require.NoError(t, err)
	require.Len(t, users, 3)
	require.Equal(t, export.UserBillingHeadings, users[0])

	modules, err := book.GetRows(export.SheetModules)
	require.NoError(t, err)
	require.Len(t, modules, 3)

	number, err := book.GetCellValue(export.SheetSummary, "B1")
	require.NoError(t, err)
	require.Equal(t, inv.Number, number)
}

func TestFormatterMoney(t *testing.T) {
	f := export.NewFormatter(language.English)
	require.Equal(t, "1,213.37 EUR", f.Money(121337, "EUR"))
	require.Equal(t, "0.05 CHF", f.Money(5, "CHF"))
	require.Equal(t, "1,234", f.Count(1234))
}
