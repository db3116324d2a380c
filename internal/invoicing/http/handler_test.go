package invoicinghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/shared"
	"github.com/hexeko/billing/internal/testing/memstore"
	"github.com/hexeko/billing/internal/tenancy"
)

type stubQueue struct {
	calls []string
	err   error
}

func (q *stubQueue) EnqueueGenerateInvoices(_ context.Context, period string, divisionIDs []uuid.UUID, taskID string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.calls = append(q.calls, period)
	if taskID == "" {
		taskID = "generated-id"
	}
	return taskID, nil
}

type stubIdempotency struct {
	keys    map[string]bool
	deleted []string
}

func (s *stubIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *stubIdempotency) Delete(_ context.Context, key string) error {
	delete(s.keys, key)
	s.deleted = append(s.deleted, key)
	return nil
}

type fixture struct {
	router      http.Handler
	queue       *stubQueue
	idempotency *stubIdempotency
	financerInv invoicing.Invoice
	divisionInv invoicing.Invoice
	financerID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book, err := pricing.NewPriceBook(5000, nil)
	require.NoError(t, err)
	tenants := memstore.NewTenancy()
	store := memstore.NewStore()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil, logger)
	builder := invoicing.NewBuilder(tenants, pricing.NewResolver(book), invoicing.BuilderConfig{})
	orchestrator := invoicing.NewOrchestrator(builder, tenants, store.Invoices(), ledgerSvc, nil, logger, invoicing.OrchestratorConfig{})

	price := int64(10000)
	division := tenants.AddDivision(tenancy.Division{Name: "Benelux", Country: "BE", Active: true})
	financer := tenants.AddFinancer(tenancy.Financer{DivisionID: division.ID, Name: "Acme", CorePackagePrice: &price, Active: true})
	tenants.AddMembership(tenancy.Membership{FinancerID: financer.ID, Email: "a@acme.example", Active: true})

	report, err := orchestrator.GenerateMonthly(context.Background(), prorata.MonthPeriod(2025, time.October), tenancy.DivisionFilter{})
	require.NoError(t, err)
	created := report.Created()
	require.Len(t, created, 2)

	f := &fixture{
		queue:       &stubQueue{},
		idempotency: &stubIdempotency{keys: map[string]bool{}},
		financerID:  financer.ID,
	}
	for _, inv := range created {
		if inv.Type == invoicing.TypeDivisionToFinancer {
			f.financerInv = inv
		} else {
			f.divisionInv = inv
		}
	}
	handler := NewHandler(logger, invoicing.NewService(store.Invoices(), ledgerSvc, logger), f.queue, f.idempotency)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestListInvoicesFiltersAndPaginates(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/invoices?type=division_to_financer", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list invoiceListView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, f.financerInv.Number, list.Data[0].InvoiceNumber)
	require.Equal(t, "confirmed", list.Data[0].Status)
	require.Equal(t, 1, list.Pagination.Total)

	rr = f.do(t, http.MethodGet, "/invoices?per_page=1&page=2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, 2, list.Pagination.Total)
	require.Equal(t, 2, list.Pagination.TotalPages)

	rr = f.do(t, http.MethodGet, "/invoices?recipient=financer:"+f.financerID.String(), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/invoices?type=credit_note", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/invoices?month_year=October", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/invoices?recipient=financer:nope", "", nil).Code)
}

func TestShowInvoice(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/invoices/"+f.financerInv.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view invoiceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, int64(10000), view.SubtotalHTVA)
	require.Equal(t, "21.00", view.VATRate)
	require.Equal(t, int64(12100), view.TotalTTC)
	require.Equal(t, "2025-11-30", view.DueDate)
	require.Len(t, view.Items, 1)
	require.Equal(t, "1.0000", view.Items[0].ProrataPercentage)
	require.Equal(t, "financer", view.Recipient.Type)

	rr = f.do(t, http.MethodGet, "/invoices/"+f.divisionInv.ID.String(), "", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "hexeko", view.Issuer.Type)
	require.Nil(t, view.Issuer.ID)
	require.Equal(t, "draft", view.Status)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/invoices/"+uuid.NewString(), "", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/invoices/42", "", nil).Code)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	financer := "/invoices/" + f.financerInv.ID.String()
	division := "/invoices/" + f.divisionInv.ID.String()

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, financer+"/confirm", "", nil).Code)

	rr := f.do(t, http.MethodPost, financer+"/pay", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view invoiceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "paid", view.Status)
	require.NotNil(t, view.PaidAt)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, financer+"/pay", "", nil).Code)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, division+"/send", "", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, division+"/confirm", "", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, division+"/send", "", nil).Code)
}

func TestTriggerGeneration(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{IdempotencyHeader: "run-2025-10"}

	rr := f.do(t, http.MethodPost, "/generations", `{"period":"2025-10"}`, headers)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var accepted generationAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	require.Equal(t, "run-2025-10", accepted.TaskID)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/generations", `{"period":"2025-10"}`, headers).Code)
	require.Equal(t, []string{"2025-10"}, f.queue.calls)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/generations", `{"period":"previous"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/generations", `{"period":"Oct"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/generations", `{}`, nil).Code)

	f.queue.err = errors.New("redis down")
	retry := map[string]string{IdempotencyHeader: "run-2025-09"}
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/generations", `{"period":"2025-09"}`, retry).Code)
	require.Equal(t, []string{"run-2025-09"}, f.idempotency.deleted)
	require.False(t, f.idempotency.keys["run-2025-09"])
}
