package tenancy

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/prorata"
)

// Division is a parent organisation grouping Financers.
type Division struct {
	ID               uuid.UUID        `json:"id"`
	Name             string           `json:"name"`
	Country          string           `json:"country"`
	Currency         string           `json:"currency"`
	VATRate          *decimal.Decimal `json:"vat_rate,omitempty"`
	CorePackagePrice *int64           `json:"core_package_price,omitempty"`
	ContractStart    *time.Time       `json:"contract_start_date,omitempty"`
	ContractEnd      *time.Time       `json:"contract_end_date,omitempty"`
	Active           bool             `json:"active"`
}

// Financer is a tenant billed by its Division.
type Financer struct {
	ID               uuid.UUID  `json:"id"`
	DivisionID       uuid.UUID  `json:"division_id"`
	Name             string     `json:"name"`
	CorePackagePrice *int64     `json:"core_package_price,omitempty"`
	ContractStart    *time.Time `json:"contract_start_date,omitempty"`
	ContractEnd      *time.Time `json:"contract_end_date,omitempty"`
	Active           bool       `json:"active"`
}

// Membership links a beneficiary to a Financer.
type Membership struct {
	UserID     uuid.UUID  `json:"user_id"`
	FinancerID uuid.UUID  `json:"financer_id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Active     bool       `json:"active"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

// Module is an add-on capability. Core modules are never priced.
type Module struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	BasePrice *int64    `json:"base_price,omitempty"`
	IsCore    bool      `json:"is_core"`
}

// ModuleActivation attaches a module to a Financer or a Division.
type ModuleActivation struct {
	Module              Module     `json:"module"`
	Active              bool       `json:"active"`
	ActivatedAt         time.Time  `json:"activated_at"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`
	PricePerBeneficiary *int64     `json:"price_per_beneficiary,omitempty"`
}

// ContractWindow returns the Division contract coverage of the period.
func (d Division) ContractWindow(period prorata.Period) prorata.Window {
	return prorata.Intersect(d.ContractStart, d.ContractEnd, period)
}

// ContractWindow returns the Financer contract coverage of the period.
func (f Financer) ContractWindow(period prorata.Period) prorata.Window {
	return prorata.Intersect(f.ContractStart, f.ContractEnd, period)
}

// Billable reports whether the Financer is active with a contract that
// overlaps the period.
func (f Financer) Billable(period prorata.Period) bool {
	return f.Active && f.ContractWindow(period).Overlaps()
}

// Window returns the membership overlap with the period. Inactive memberships
// never overlap.
func (m Membership) Window(period prorata.Period) prorata.Window {
	if !m.Active {
		return prorata.Window{TotalDays: period.TotalDays()}
	}
	return prorata.Intersect(m.From, m.To, period)
}

// Window returns the module activation overlap with the period. A module
// flagged inactive without a deactivation date is not billed.
func (a ModuleActivation) Window(period prorata.Period) prorata.Window {
	if !a.Active && a.DeactivatedAt == nil {
		return prorata.Window{TotalDays: period.TotalDays()}
	}
	activated := a.ActivatedAt
	return prorata.Intersect(&activated, a.DeactivatedAt, period)
}

// DeactivatedWithin returns the deactivation date when it falls inside the
// period.
func (a ModuleActivation) DeactivatedWithin(period prorata.Period) *time.Time {
	if a.DeactivatedAt == nil || !period.Contains(*a.DeactivatedAt) {
		return nil
	}
	d := prorata.Day(*a.DeactivatedAt)
	return &d
}

// Beneficiary pairs a membership with its prorata over a period.
type Beneficiary struct {
	Membership Membership
	Window     prorata.Window
	Ratio      decimal.Decimal
}

// Beneficiaries keeps the memberships with a nonzero prorata over the period,
// ordered by email.
func Beneficiaries(memberships []Membership, period prorata.Period) []Beneficiary {
	out := make([]Beneficiary, 0, len(memberships))
	for _, m := range memberships {
		w := m.Window(period)
		ratio := w.Ratio()
		if !ratio.IsPositive() {
			continue
		}
		out = append(out, Beneficiary{Membership: m, Window: w, Ratio: ratio})
	}
	sortBeneficiaries(out)
	return out
}

// DivisionFilter narrows the Divisions listed for a batch run.
type DivisionFilter struct {
	IDs        []uuid.UUID
	ActiveOnly bool
}

func sortBeneficiaries(items []Beneficiary) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(items[i].Membership.Email), strings.ToLower(items[j].Membership.Email)
		if a != b {
			return a < b
		}
		return items[i].Membership.UserID.String() < items[j].Membership.UserID.String()
	})
}
