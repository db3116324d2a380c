package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound indicates a missing tenant record.
var ErrNotFound = errors.New("tenancy: not found")

// Reader exposes the tenancy records consumed by invoice generation and
// export.
type Reader interface {
	ListDivisions(ctx context.Context, filter DivisionFilter) ([]Division, error)
	GetDivision(ctx context.Context, id uuid.UUID) (Division, error)
	GetFinancer(ctx context.Context, id uuid.UUID) (Financer, error)
	ListFinancers(ctx context.Context, divisionID uuid.UUID) ([]Financer, error)
	ListMemberships(ctx context.Context, financerID uuid.UUID) ([]Membership, error)
	ListFinancerModules(ctx context.Context, financerID uuid.UUID) ([]ModuleActivation, error)
	ListDivisionModules(ctx context.Context, divisionID uuid.UUID) ([]ModuleActivation, error)
}

// Repository reads tenancy data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const divisionColumns = `id, name, country, currency, vat_rate::text, core_package_price, contract_start_date, contract_end_date, active`

// ListDivisions returns Divisions ordered by name.
func (r *Repository) ListDivisions(ctx context.Context, filter DivisionFilter) ([]Division, error) {
	query := `SELECT ` + divisionColumns + ` FROM divisions WHERE 1=1`
	args := []any{}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	if filter.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY name, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var divisions []Division
	for rows.Next() {
		d, err := scanDivision(rows)
		if err != nil {
			return nil, err
		}
		divisions = append(divisions, d)
	}
	return divisions, rows.Err()
}

// GetDivision loads one Division.
func (r *Repository) GetDivision(ctx context.Context, id uuid.UUID) (Division, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+divisionColumns+` FROM divisions WHERE id = $1`, id)
	d, err := scanDivision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Division{}, ErrNotFound
	}
	return d, err
}

const financerColumns = `id, division_id, name, core_package_price, contract_start_date, contract_end_date, active`

// GetFinancer loads one Financer.
func (r *Repository) GetFinancer(ctx context.Context, id uuid.UUID) (Financer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+financerColumns+` FROM financers WHERE id = $1`, id)
	f, err := scanFinancer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Financer{}, ErrNotFound
	}
	return f, err
}

// ListFinancers returns the Financers of a Division ordered by name.
func (r *Repository) ListFinancers(ctx context.Context, divisionID uuid.UUID) ([]Financer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+financerColumns+` FROM financers WHERE division_id = $1 ORDER BY name, id`, divisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var financers []Financer
	for rows.Next() {
		f, err := scanFinancer(rows)
		if err != nil {
			return nil, err
		}
		financers = append(financers, f)
	}
	return financers, rows.Err()
}

// ListMemberships returns every membership of the Financer, billed or not.
func (r *Repository) ListMemberships(ctx context.Context, financerID uuid.UUID) ([]Membership, error) {
	const query = `
		SELECT fu.user_id, fu.financer_id, u.first_name || ' ' || u.last_name, u.email, fu.active, fu.from_date, fu.to_date
		FROM financer_user fu
		JOIN users u ON u.id = fu.user_id
		WHERE fu.financer_id = $1
		ORDER BY u.email, fu.user_id`
	rows, err := r.pool.Query(ctx, query, financerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		var from, to pgtype.Date
		if err := rows.Scan(&m.UserID, &m.FinancerID, &m.Name, &m.Email, &m.Active, &from, &to); err != nil {
			return nil, err
		}
		m.From = datePtr(from)
		m.To = datePtr(to)
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// ListFinancerModules returns the modules attached to a Financer.
func (r *Repository) ListFinancerModules(ctx context.Context, financerID uuid.UUID) ([]ModuleActivation, error) {
	return r.listModules(ctx, "financer_module", "financer_id", financerID)
}

// ListDivisionModules returns the modules attached to a Division.
func (r *Repository) ListDivisionModules(ctx context.Context, divisionID uuid.UUID) ([]ModuleActivation, error) {
	return r.listModules(ctx, "division_module", "division_id", divisionID)
}

func (r *Repository) listModules(ctx context.Context, table, owner string, ownerID uuid.UUID) ([]ModuleActivation, error) {
	query := fmt.Sprintf(`
		SELECT m.id, m.name, m.price, m.is_core, p.active, p.created_at, p.deactivated_at, p.price_per_beneficiary
		FROM %s p
		JOIN modules m ON m.id = p.module_id
		WHERE p.%s = $1
		ORDER BY m.name, m.id`, table, owner)
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activations []ModuleActivation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, a)
	}
	return activations, rows.Err()
}

// scanActivation normalises timestamps to UTC so activation days do not
// depend on the server time zone.
func scanActivation(row pgx.Row) (ModuleActivation, error) {
	var a ModuleActivation
	var basePrice, pivotPrice pgtype.Int8
	var deactivated pgtype.Timestamptz
	if err := row.Scan(&a.Module.ID, &a.Module.Name, &basePrice, &a.Module.IsCore, &a.Active, &a.ActivatedAt, &deactivated, &pivotPrice); err != nil {
		return ModuleActivation{}, err
	}
	a.ActivatedAt = a.ActivatedAt.UTC()
	a.Module.BasePrice = int8Ptr(basePrice)
	a.PricePerBeneficiary = int8Ptr(pivotPrice)
	if deactivated.Valid {
		t := deactivated.Time.UTC()
		a.DeactivatedAt = &t
	}
	return a, nil
}

func scanDivision(row pgx.Row) (Division, error) {
	var d Division
	var currency, vat pgtype.Text
	var price pgtype.Int8
	var start, end pgtype.Date
	if err := row.Scan(&d.ID, &d.Name, &d.Country, &currency, &vat, &price, &start, &end, &d.Active); err != nil {
		return Division{}, err
	}
	if currency.Valid {
		d.Currency = currency.String
	}
	if vat.Valid {
		rate, err := decimal.NewFromString(vat.String)
		if err != nil {
			return Division{}, fmt.Errorf("tenancy: division %s vat rate: %w", d.ID, err)
		}
		d.VATRate = &rate
	}
	d.CorePackagePrice = int8Ptr(price)
	d.ContractStart = datePtr(start)
	d.ContractEnd = datePtr(end)
	return d, nil
}

func scanFinancer(row pgx.Row) (Financer, error) {
	var f Financer
	var price pgtype.Int8
	var start, end pgtype.Date
	if err := row.Scan(&f.ID, &f.DivisionID, &f.Name, &price, &start, &end, &f.Active); err != nil {
		return Financer{}, err
	}
	f.CorePackagePrice = int8Ptr(price)
	f.ContractStart = datePtr(start)
	f.ContractEnd = datePtr(end)
	return f, nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func datePtr(v pgtype.Date) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
