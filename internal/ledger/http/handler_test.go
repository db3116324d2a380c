package ledgerhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/testing/memstore"
)

func setup(t *testing.T) (http.Handler, *memstore.Store, uuid.UUID) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.NewStore()
	svc := ledger.NewService(store.Ledger(), nil, nil, logger)

	aggregate := uuid.New()
	at := time.Date(2025, time.November, 1, 3, 0, 0, 0, time.UTC)
	events := []ledger.Event{
		ledger.InvoiceGenerated{InvoiceID: uuid.New(), InvoiceNumber: "DIVISION_TO_FINANCER-2025-000001", Amount: 12100, GeneratedAt: at},
		ledger.InvoicePaid{InvoiceID: uuid.New(), Amount: 5000, PaidAt: at.Add(48 * time.Hour)},
	}
	for _, evt := range events {
		err := store.Ledger().WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
			_, _, err := svc.Record(ctx, tx, aggregate, evt)
			return err
		})
		require.NoError(t, err)
	}

	r := chi.NewRouter()
	NewHandler(logger, svc).MountRoutes(r)
	return r, store, aggregate
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestShowBalanceAndEvents(t *testing.T) {
	h, _, aggregate := setup(t)

	rr := serve(h, http.MethodGet, "/balances/"+aggregate.String())
	require.Equal(t, http.StatusOK, rr.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &balance))
	require.Equal(t, int64(7100), balance.Balance)
	require.Equal(t, int64(2), balance.Version)
	require.NotNil(t, balance.LastInvoiceAt)

	rr = serve(h, http.MethodGet, "/balances/"+aggregate.String()+"/events")
	require.Equal(t, http.StatusOK, rr.Code)
	var history historyView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history.Events, 2)
	require.Equal(t, ledger.ClassInvoiceGenerated, history.Events[0].Class)
	require.Equal(t, int64(2), history.Events[1].Version)
	require.JSONEq(t, `5000`, string(mustField(t, history.Events[1].Properties, "amount")))
}

func TestUnknownAggregateHasZeroBalance(t *testing.T) {
	h, _, _ := setup(t)

	rr := serve(h, http.MethodGet, "/balances/"+uuid.NewString())
	require.Equal(t, http.StatusOK, rr.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &balance))
	require.Zero(t, balance.Balance)
	require.Zero(t, balance.Version)

	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/balances/nope").Code)
}

func TestRebuildRestoresDroppedProjection(t *testing.T) {
	h, store, aggregate := setup(t)
	store.DropBalance(aggregate)

	rr := serve(h, http.MethodPost, "/balances/"+aggregate.String()+"/rebuild")
	require.Equal(t, http.StatusOK, rr.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &balance))
	require.Equal(t, int64(7100), balance.Balance)
	require.Equal(t, int64(2), balance.Version)
}

func TestDivergedProjectionIsConflict(t *testing.T) {
	h, store, aggregate := setup(t)
	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/balances/"+aggregate.String()+"/verify").Code)

	store.SetBalance(ledger.Balance{AggregateID: aggregate, Balance: 1, Version: 2})
	require.Equal(t, http.StatusConflict, serve(h, http.MethodPost, "/balances/"+aggregate.String()+"/verify").Code)
	require.Equal(t, http.StatusConflict, serve(h, http.MethodPost, "/balances/"+aggregate.String()+"/rebuild").Code)
}

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	return fields[key]
}
