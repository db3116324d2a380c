// Package invoicinghttp exposes invoice listing, lifecycle transitions and
// the generation trigger over HTTP.
package invoicinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/platform/httpx"
	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/shared"
	"github.com/hexeko/billing/jobs"
)

// IdempotencyHeader carries the client key that deduplicates generation
// triggers.
const IdempotencyHeader = "Idempotency-Key"

const idempotencyModule = "billing.generation"

type invoiceService interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
	ListInvoices(ctx context.Context, filter invoicing.ListFilter) ([]invoicing.Invoice, int, error)
	Confirm(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
	MarkSent(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
	MarkPaid(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
}

type generationQueue interface {
	EnqueueGenerateInvoices(ctx context.Context, period string, divisionIDs []uuid.UUID, taskID string) (string, error)
}

// Handler wires HTTP endpoints for invoices and generation runs.
type Handler struct {
	logger      *slog.Logger
	service     invoiceService
	queue       generationQueue
	idempotency shared.IdempotencyChecker
}

// NewHandler constructs the handler. idempotency may be nil, in which case
// the Idempotency-Key header is only forwarded as the queue task id.
func NewHandler(logger *slog.Logger, service invoiceService, queue generationQueue, idempotency shared.IdempotencyChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, queue: queue, idempotency: idempotency}
}

// MountRoutes attaches invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Get("/{id}", h.showInvoice)
		r.Post("/{id}/confirm", h.transition(h.service.Confirm))
		r.Post("/{id}/send", h.transition(h.service.MarkSent))
		r.Post("/{id}/pay", h.transition(h.service.MarkPaid))
	})
	r.Post("/generations", h.triggerGeneration)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, perPage := shared.PageParams(r)
	pagination := shared.NewPagination(page, perPage, 0)
	filter.Limit = pagination.PerPage
	filter.Offset = pagination.Offset()

	invoices, total, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := invoiceListView{
		Data:       make([]invoiceView, len(invoices)),
		Pagination: shared.NewPagination(pagination.Page, pagination.PerPage, total),
	}
	for i, inv := range invoices {
		out.Data[i] = newInvoiceView(inv, false)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) showInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceView(inv, true))
}

func (h *Handler) transition(apply func(context.Context, uuid.UUID) (invoicing.Invoice, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := invoiceID(r)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		inv, err := apply(r.Context(), id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, newInvoiceView(inv, false))
	}
}

func (h *Handler) triggerGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Period != jobs.PeriodPrevious {
		if _, err := prorata.ParseMonth(req.Period); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				err = fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
			}
			h.respondError(w, r, err)
			return
		}
	}

	taskID, err := h.queue.EnqueueGenerateInvoices(r.Context(), req.Period, req.DivisionIDs, key)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.respondError(w, r, fmt.Errorf("%w: enqueue generation: %v", httpx.ErrUnavailable, err))
		return
	}
	h.logger.Info("generation enqueued", slog.String("task_id", taskID), slog.String("period", req.Period), slog.Int("divisions", len(req.DivisionIDs)))
	httpx.JSON(w, http.StatusAccepted, generationAccepted{TaskID: taskID, Period: req.Period})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	err = classify(err)
	if httpx.IsServerError(err) {
		h.logger.Error("invoice request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func classify(err error) error {
	switch {
	case errors.Is(err, invoicing.ErrNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, invoicing.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, invoicing.ErrDuplicateInvoice):
		return fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, invoicing.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, pricing.ErrConfiguration):
		return fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	default:
		return err
	}
}

func invoiceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invoice id: %v", httpx.ErrValidation, err)
	}
	return id, nil
}

func parseListFilter(r *http.Request) (invoicing.ListFilter, error) {
	q := r.URL.Query()
	filter := invoicing.ListFilter{
		Type:      invoicing.InvoiceType(q.Get("type")),
		Status:    invoicing.Status(q.Get("status")),
		MonthYear: q.Get("month_year"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return filter, fmt.Errorf("%w: unknown invoice type %q", httpx.ErrValidation, filter.Type)
	}
	if filter.MonthYear != "" {
		if _, err := prorata.ParseMonth(filter.MonthYear); err != nil {
			return filter, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
	}
	if raw := q.Get("recipient"); raw != "" {
		kind, rawID, _ := strings.Cut(raw, ":")
		var id *uuid.UUID
		if rawID != "" {
			parsed, err := uuid.Parse(rawID)
			if err != nil {
				return filter, fmt.Errorf("%w: recipient id: %v", httpx.ErrValidation, err)
			}
			id = &parsed
		}
		party, err := invoicing.ParseParty(kind, id)
		if err != nil {
			return filter, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
		filter.Recipient = &party
	}
	return filter, nil
}
