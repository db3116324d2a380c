// Package exporthttp serves invoice detail rows and rendered documents.
package exporthttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/export"
	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/platform/httpx"
	"github.com/hexeko/billing/internal/tenancy"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type rowProvider interface {
	UserBillingRows(ctx context.Context, invoiceID uuid.UUID) ([]export.UserBillingRow, error)
	ModuleActivationRows(ctx context.Context, invoiceID uuid.UUID) ([]export.ModuleActivationRow, error)
	Document(ctx context.Context, invoiceID uuid.UUID) (export.Document, error)
}

type rowsView[T any] struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Data      []T       `json:"data"`
}

// Handler serves export endpoints.
type Handler struct {
	logger    *slog.Logger
	provider  rowProvider
	formatter export.Formatter
}

// NewHandler constructs the handler. Documents are rendered with formatter.
func NewHandler(logger *slog.Logger, provider rowProvider, formatter export.Formatter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, provider: provider, formatter: formatter}
}

// MountRoutes attaches export routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/exports/{id}", func(r chi.Router) {
		r.Get("/users", h.users)
		r.Get("/modules", h.modules)
		r.Get("/pdf", h.document("pdf", contentTypePDF, export.RenderPDF))
		r.Get("/xlsx", h.document("xlsx", contentTypeXLSX, export.RenderXLSX))
	})
}

func (h *Handler) users(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rows, err := h.provider.UserBillingRows(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rowsView[export.UserBillingRow]{InvoiceID: id, Data: nonNil(rows)})
}

func (h *Handler) modules(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rows, err := h.provider.ModuleActivationRows(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rowsView[export.ModuleActivationRow]{InvoiceID: id, Data: nonNil(rows)})
}

func (h *Handler) document(ext, contentType string, render func(export.Document, export.Formatter) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := invoiceID(r)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		doc, err := h.provider.Document(r.Context(), id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		body, err := render(doc, h.formatter)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("render %s: %w", ext, err))
			return
		}
		filename := doc.Invoice.Number + "." + ext
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			h.logger.Warn("write export", slog.String("invoice_id", id.String()), slog.Any("error", err))
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, invoicing.ErrNotFound), errors.Is(err, tenancy.ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case httpx.IsServerError(err):
		h.logger.Error("export request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func invoiceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invoice id: %v", httpx.ErrValidation, err)
	}
	return id, nil
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
