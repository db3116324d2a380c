package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/platform/db"
	"github.com/hexeko/billing/internal/prorata"
)

// ListFilter narrows invoice listings.
type ListFilter struct {
	Type      InvoiceType
	Status    Status
	Recipient *Party
	MonthYear string
	Limit     int
	Offset    int
}

// TxRepository exposes invoice writes bound to one transaction. Ledger
// returns the event store view of the same transaction.
type TxRepository interface {
	Ledger() ledger.TxRepository
	InvoiceExists(ctx context.Context, issuer, recipient Party, period prorata.Period) (bool, error)
	NextSequence(ctx context.Context, t InvoiceType, year int) (int64, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, inv Invoice) error
}

// RepositoryPort abstracts persistence for the orchestrator and lifecycle
// service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
}

// Repository persists invoices in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a read-committed transaction so the sequence row lock and
// the aggregate advisory lock observe the previous holder's commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, ledger: ledger.NewTxRepository(tx)})
	}, db.ReadCommitted(), db.Attempts(3))
}

// GetInvoice loads an invoice with its items.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

// ListInvoices returns invoice headers, newest first, and the total count.
func (r *Repository) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Type != "" {
		add("invoice_type = $%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Recipient != nil {
		add("recipient_type = $%d", string(filter.Recipient.Kind))
		add("recipient_id = $%d", filter.Recipient.ID)
	}
	if filter.MonthYear != "" {
		add("month_year = $%d", filter.MonthYear)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY created_at DESC, invoice_number DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

type txRepo struct {
	tx     pgx.Tx
	ledger ledger.TxRepository
}

func (r *txRepo) Ledger() ledger.TxRepository { return r.ledger }

func (r *txRepo) InvoiceExists(ctx context.Context, issuer, recipient Party, period prorata.Period) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE issuer_type = $1 AND issuer_id IS NOT DISTINCT FROM $2
			  AND recipient_type = $3 AND recipient_id = $4
			  AND billing_period_start = $5 AND billing_period_end = $6
		)`
	var exists bool
	err := r.tx.QueryRow(ctx, query, string(issuer.Kind), partyID(issuer), string(recipient.Kind), recipient.ID, period.Start, period.End).Scan(&exists)
	return exists, err
}

func (r *txRepo) NextSequence(ctx context.Context, t InvoiceType, year int) (int64, error) {
	const query = `
		INSERT INTO invoice_sequences (invoice_type, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (invoice_type, year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value`
	var seq int64
	err := r.tx.QueryRow(ctx, query, string(t), year).Scan(&seq)
	return seq, err
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv Invoice) error {
	const header = `
		INSERT INTO invoices (
			id, invoice_number, invoice_type, issuer_type, issuer_id, recipient_type, recipient_id, status,
			billing_period_start, billing_period_end, subtotal_htva, vat_rate, vat_amount, total_ttc,
			currency, due_date, month_year, confirmed_at, sent_at, paid_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::numeric,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	const line = `
		INSERT INTO invoice_items (
			id, invoice_id, item_type, module_id, label, unit_price_htva, quantity, beneficiaries_count,
			subtotal_htva, vat_rate, vat_amount, total_ttc, prorata_percentage, prorata_days, total_days
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13::numeric,$14,$15)`

	batch := &pgx.Batch{}
	batch.Queue(header,
		inv.ID, inv.Number, string(inv.Type), string(inv.Issuer.Kind), partyID(inv.Issuer), string(inv.Recipient.Kind), inv.Recipient.ID, string(inv.Status),
		inv.PeriodStart, inv.PeriodEnd, inv.SubtotalHTVA, inv.VATRate.String(), inv.VATAmount, inv.TotalTTC,
		inv.Currency, inv.DueDate, inv.MonthYear, nullTime(inv.ConfirmedAt), nullTime(inv.SentAt), nullTime(inv.PaidAt), inv.CreatedAt,
	)
	for _, item := range inv.Items {
		batch.Queue(line,
			item.ID, inv.ID, string(item.ItemType), item.ModuleID, item.Label, item.UnitPriceHTVA, item.Quantity, item.BeneficiariesCount,
			item.SubtotalHTVA, item.VATRate.String(), item.VATAmount, item.TotalTTC, item.ProrataPercentage.String(), item.ProrataDays, item.TotalDays,
		)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("insert invoice %s: %w", inv.Number, err)
	}
	return nil
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, r.tx, id, true)
}

func (r *txRepo) UpdateInvoiceStatus(ctx context.Context, inv Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET status = $2, confirmed_at = $3, sent_at = $4, paid_at = $5 WHERE id = $1`,
		inv.ID, string(inv.Status), nullTime(inv.ConfirmedAt), nullTime(inv.SentAt), nullTime(inv.PaidAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const invoiceColumns = `id, invoice_number, invoice_type, issuer_type, issuer_id, recipient_type, recipient_id, status,
	billing_period_start, billing_period_end, subtotal_htva, vat_rate::text, vat_amount, total_ttc,
	currency, due_date, month_year, confirmed_at, sent_at, paid_at, created_at`

func getInvoice(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	inv.Items, err = listItems(ctx, q, id)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func listItems(ctx context.Context, q querier, invoiceID uuid.UUID) ([]InvoiceItem, error) {
	const query = `
		SELECT id, invoice_id, item_type, module_id, label, unit_price_htva, quantity, beneficiaries_count,
			subtotal_htva, vat_rate::text, vat_amount, total_ttc, prorata_percentage::text, prorata_days, total_days
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY CASE item_type WHEN 'core_package' THEN 0 ELSE 1 END, label, id`
	rows, err := q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var item InvoiceItem
		var itemType, vatRate, ratio string
		if err := rows.Scan(&item.ID, &item.InvoiceID, &itemType, &item.ModuleID, &item.Label, &item.UnitPriceHTVA, &item.Quantity, &item.BeneficiariesCount,
			&item.SubtotalHTVA, &vatRate, &item.VATAmount, &item.TotalTTC, &ratio, &item.ProrataDays, &item.TotalDays); err != nil {
			return nil, err
		}
		item.ItemType = ItemType(itemType)
		if item.VATRate, err = decimal.NewFromString(vatRate); err != nil {
			return nil, fmt.Errorf("item %s vat rate: %w", item.ID, err)
		}
		if item.ProrataPercentage, err = decimal.NewFromString(ratio); err != nil {
			return nil, fmt.Errorf("item %s prorata: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var invoiceType, issuerKind, recipientKind, status, vatRate string
	var issuerID, recipientID *uuid.UUID
	var confirmed, sent, paid pgtype.Timestamptz
	err := row.Scan(&inv.ID, &inv.Number, &invoiceType, &issuerKind, &issuerID, &recipientKind, &recipientID, &status,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.SubtotalHTVA, &vatRate, &inv.VATAmount, &inv.TotalTTC,
		&inv.Currency, &inv.DueDate, &inv.MonthYear, &confirmed, &sent, &paid, &inv.CreatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Type = InvoiceType(invoiceType)
	inv.Status = Status(status)
	if inv.Issuer, err = ParseParty(issuerKind, issuerID); err != nil {
		return Invoice{}, err
	}
	if inv.Recipient, err = ParseParty(recipientKind, recipientID); err != nil {
		return Invoice{}, err
	}
	if inv.VATRate, err = decimal.NewFromString(vatRate); err != nil {
		return Invoice{}, fmt.Errorf("invoice %s vat rate: %w", inv.ID, err)
	}
	inv.ConfirmedAt = timePtr(confirmed)
	inv.SentAt = timePtr(sent)
	inv.PaidAt = timePtr(paid)
	return inv, nil
}

func partyID(p Party) *uuid.UUID {
	if p.Kind == PartyOperator {
		return nil
	}
	id := p.ID
	return &id
}

func nullTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
