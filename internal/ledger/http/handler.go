// Package ledgerhttp exposes aggregate balances and their event history.
package ledgerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/platform/httpx"
)

type ledgerService interface {
	Balance(ctx context.Context, aggregateID uuid.UUID) (ledger.Balance, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]ledger.StoredEvent, error)
	Rebuild(ctx context.Context, aggregateID uuid.UUID) (ledger.Balance, error)
	Verify(ctx context.Context, aggregateID uuid.UUID) (ledger.Balance, error)
}

type balanceView struct {
	AggregateID   uuid.UUID  `json:"aggregate_id"`
	Balance       int64      `json:"balance"`
	Version       int64      `json:"version"`
	LastInvoiceAt *time.Time `json:"last_invoice_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

type eventView struct {
	Version    int64           `json:"aggregate_version"`
	Class      string          `json:"event_class"`
	Properties json.RawMessage `json:"event_properties"`
	CreatedAt  time.Time       `json:"created_at"`
}

type historyView struct {
	Balance balanceView `json:"balance"`
	Events  []eventView `json:"events"`
}

// Handler serves ledger endpoints.
type Handler struct {
	logger  *slog.Logger
	service ledgerService
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service ledgerService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes attaches ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/balances/{id}", func(r chi.Router) {
		r.Get("/", h.showBalance)
		r.Get("/events", h.listEvents)
		r.Post("/rebuild", h.rebuild)
		r.Post("/verify", h.verify)
	})
}

func (h *Handler) showBalance(w http.ResponseWriter, r *http.Request) {
	id, err := aggregateID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	balance, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newBalanceView(balance))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := aggregateID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	balance, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := historyView{Balance: newBalanceView(balance), Events: make([]eventView, len(events))}
	for i, evt := range events {
		out.Events[i] = eventView{
			Version:    evt.AggregateVersion,
			Class:      evt.EventClass,
			Properties: evt.EventProperties,
			CreatedAt:  evt.CreatedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	h.replay(w, r, h.service.Rebuild)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	h.replay(w, r, h.service.Verify)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, run func(context.Context, uuid.UUID) (ledger.Balance, error)) {
	id, err := aggregateID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	balance, err := run(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newBalanceView(balance))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrEventOrderingViolation) {
		h.logger.Error("ledger divergence", slog.String("path", r.URL.Path), slog.Any("error", err))
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	} else if httpx.IsServerError(err) {
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func aggregateID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: aggregate id: %v", httpx.ErrValidation, err)
	}
	return id, nil
}

func newBalanceView(b ledger.Balance) balanceView {
	view := balanceView{
		AggregateID:   b.AggregateID,
		Balance:       b.Balance,
		Version:       b.Version,
		LastInvoiceAt: b.LastInvoiceAt,
	}
	if !b.UpdatedAt.IsZero() {
		updated := b.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}
