package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hexeko/billing/internal/platform/db"
)

// Repository persists stored events and balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a read-committed transaction; stream
// writers serialise on the aggregate advisory lock.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	}, db.ReadCommitted(), db.Attempts(3))
}

// GetBalance reads a projected balance outside any transaction.
func (r *Repository) GetBalance(ctx context.Context, aggregateID uuid.UUID) (Balance, error) {
	return getBalance(ctx, r.pool, aggregateID, false)
}

// ListEvents reads an aggregate stream outside any transaction.
func (r *Repository) ListEvents(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error) {
	return listEvents(ctx, r.pool, aggregateID)
}

// ListAggregateIDs returns every aggregate that has at least one event.
func (r *Repository) ListAggregateIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT aggregate_uuid FROM stored_events ORDER BY aggregate_uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds the ledger operations to an open transaction so they
// commit together with the caller's writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

func (r *txRepo) LockAggregate(ctx context.Context, aggregateID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, aggregateID.String())
	return err
}

func (r *txRepo) MaxVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	var version int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM stored_events WHERE aggregate_uuid = $1`, aggregateID).Scan(&version)
	return version, err
}

func (r *txRepo) InsertEvent(ctx context.Context, evt StoredEvent) (int64, error) {
	const query = `
		INSERT INTO stored_events (aggregate_uuid, aggregate_version, event_class, event_properties, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	var id int64
	err := r.tx.QueryRow(ctx, query, evt.AggregateID, evt.AggregateVersion, evt.EventClass, []byte(evt.EventProperties), evt.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: aggregate %s version %d already stored", ErrEventOrderingViolation, evt.AggregateID, evt.AggregateVersion)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) ListEvents(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error) {
	return listEvents(ctx, r.tx, aggregateID)
}

func (r *txRepo) GetBalanceForUpdate(ctx context.Context, aggregateID uuid.UUID) (Balance, error) {
	return getBalance(ctx, r.tx, aggregateID, true)
}

func (r *txRepo) UpsertBalance(ctx context.Context, balance Balance) error {
	const query = `
		INSERT INTO balances (aggregate_uuid, balance, last_invoice_at, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_uuid) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_invoice_at = EXCLUDED.last_invoice_at,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`
	_, err := r.tx.Exec(ctx, query, balance.AggregateID, balance.Balance, nullTime(balance.LastInvoiceAt), balance.Version, balance.UpdatedAt)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func listEvents(ctx context.Context, q querier, aggregateID uuid.UUID) ([]StoredEvent, error) {
	const query = `
		SELECT id, aggregate_uuid, aggregate_version, event_class, event_properties, created_at
		FROM stored_events
		WHERE aggregate_uuid = $1
		ORDER BY aggregate_version`
	rows, err := q.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var props []byte
		if err := rows.Scan(&evt.ID, &evt.AggregateID, &evt.AggregateVersion, &evt.EventClass, &props, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.EventProperties = props
		events = append(events, evt)
	}
	return events, rows.Err()
}

func getBalance(ctx context.Context, q querier, aggregateID uuid.UUID, forUpdate bool) (Balance, error) {
	query := `SELECT aggregate_uuid, balance, last_invoice_at, version, updated_at FROM balances WHERE aggregate_uuid = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var b Balance
	var last pgtype.Timestamptz
	err := q.QueryRow(ctx, query, aggregateID).Scan(&b.AggregateID, &b.Balance, &last, &b.Version, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{AggregateID: aggregateID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	if last.Valid {
		t := last.Time.UTC()
		b.LastInvoiceAt = &t
	}
	return b, nil
}

func nullTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
