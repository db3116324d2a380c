// Package export derives the per-beneficiary and per-module detail of a
// Financer invoice and renders it as PDF or XLSX documents.
package export

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/tenancy"
)

// InvoiceReader loads persisted invoices.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (invoicing.Invoice, error)
}

// UserBillingHeadings labels the user billing columns.
var UserBillingHeadings = []string{"User Name", "Email", "Period From", "Period To", "Active Days", "Total Days", "Prorata", "Unit Price (€)", "User Amount (€)"}

// ModuleActivationHeadings labels the module activation columns.
var ModuleActivationHeadings = []string{"Module Name", "Activation Date", "Deactivation Date", "Active Days", "Total Days", "Prorata", "Unit Price (€)", "Module Amount (€)"}

// UserBillingRow is the billed share of one beneficiary.
type UserBillingRow struct {
	UserID     uuid.UUID       `json:"user_id"`
	Name       string          `json:"name"`
	Email      string          `json:"email"`
	PeriodFrom time.Time       `json:"period_from"`
	PeriodTo   time.Time       `json:"period_to"`
	ActiveDays int             `json:"active_days"`
	TotalDays  int             `json:"total_days"`
	Prorata    decimal.Decimal `json:"prorata"`
	UnitPrice  int64           `json:"unit_price"`
	Amount     int64           `json:"amount"`
}

// Record renders the row with 2-decimal amounts and ISO dates.
func (r UserBillingRow) Record() []string {
	return []string{
		r.Name,
		r.Email,
		r.PeriodFrom.Format(time.DateOnly),
		r.PeriodTo.Format(time.DateOnly),
		strconv.Itoa(r.ActiveDays),
		strconv.Itoa(r.TotalDays),
		prorata.FormatRatio(r.Prorata),
		prorata.FormatCents(r.UnitPrice),
		prorata.FormatCents(r.Amount),
	}
}

// ModuleActivationRow is the billed detail of one module line.
type ModuleActivationRow struct {
	ModuleID         uuid.UUID       `json:"module_id"`
	ModuleName       string          `json:"module_name"`
	ActivationDate   time.Time       `json:"activation_date"`
	DeactivationDate *time.Time      `json:"deactivation_date"`
	ActiveDays       int             `json:"active_days"`
	TotalDays        int             `json:"total_days"`
	Prorata          decimal.Decimal `json:"prorata"`
	UnitPrice        int64           `json:"unit_price"`
	Amount           int64           `json:"amount"`
}

// Record renders the row; a missing deactivation date is an empty cell.
func (r ModuleActivationRow) Record() []string {
	deactivated := ""
	if r.DeactivationDate != nil {
		deactivated = r.DeactivationDate.Format(time.DateOnly)
	}
	return []string{
		r.ModuleName,
		r.ActivationDate.Format(time.DateOnly),
		deactivated,
		strconv.Itoa(r.ActiveDays),
		strconv.Itoa(r.TotalDays),
		prorata.FormatRatio(r.Prorata),
		prorata.FormatCents(r.UnitPrice),
		prorata.FormatCents(r.Amount),
	}
}

// Provider recomputes export rows from the invoice and the tenancy records.
type Provider struct {
	invoices InvoiceReader
	tenants  tenancy.Reader
}

// NewProvider constructs Provider.
func NewProvider(invoices InvoiceReader, tenants tenancy.Reader) *Provider {
	return &Provider{invoices: invoices, tenants: tenants}
}

// UserBillingRows returns one row per beneficiary billed on the invoice,
// ordered by email. Amounts split the core line so that rows sum to it.
// Division invoices have no rows.
func (p *Provider) UserBillingRows(ctx context.Context, invoiceID uuid.UUID) ([]UserBillingRow, error) {
	inv, err := p.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Recipient.Kind != invoicing.PartyFinancer {
		return nil, nil
	}
	memberships, err := p.tenants.ListMemberships(ctx, inv.Recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("export: list memberships %s: %w", inv.Recipient.ID, err)
	}
	beneficiaries := tenancy.Beneficiaries(memberships, inv.Period())
	if len(beneficiaries) == 0 {
		return []UserBillingRow{}, nil
	}
	core, ok := inv.CoreItem()
	if !ok {
		return []UserBillingRow{}, nil
	}
	amounts := prorata.Allocate(core.SubtotalHTVA, lo.Map(beneficiaries, func(b tenancy.Beneficiary, _ int) decimal.Decimal {
		return b.Ratio
	}))

	rows := make([]UserBillingRow, len(beneficiaries))
	for i, b := range beneficiaries {
		rows[i] = UserBillingRow{
			UserID:     b.Membership.UserID,
			Name:       b.Membership.Name,
			Email:      b.Membership.Email,
			PeriodFrom: b.Window.Start,
			PeriodTo:   b.Window.End,
			ActiveDays: b.Window.ActiveDays,
			TotalDays:  b.Window.TotalDays,
			Prorata:    b.Ratio,
			UnitPrice:  core.UnitPriceHTVA,
			Amount:     amounts[i],
		}
	}
	return rows, nil
}

// ModuleActivationRows returns one row per module line of the invoice. Days,
// ratio and amount are recomputed from the activation window and the
// beneficiaries of the period; a line whose module is no longer attached keeps
// the invoiced figures. Division invoices have no rows.
func (p *Provider) ModuleActivationRows(ctx context.Context, invoiceID uuid.UUID) ([]ModuleActivationRow, error) {
	inv, err := p.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Recipient.Kind != invoicing.PartyFinancer {
		return nil, nil
	}
	attachments, err := p.tenants.ListFinancerModules(ctx, inv.Recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("export: list financer modules %s: %w", inv.Recipient.ID, err)
	}
	memberships, err := p.tenants.ListMemberships(ctx, inv.Recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("export: list memberships %s: %w", inv.Recipient.ID, err)
	}
	period := inv.Period()
	weight := prorata.Sum(lo.Map(tenancy.Beneficiaries(memberships, period), func(b tenancy.Beneficiary, _ int) decimal.Decimal {
		return b.Ratio
	}))
	byModule := lo.KeyBy(attachments, func(a tenancy.ModuleActivation) uuid.UUID { return a.Module.ID })

	rows := []ModuleActivationRow{}
	for _, item := range inv.Items {
		if item.ItemType != invoicing.ItemModule || item.ModuleID == nil {
			continue
		}
		row := ModuleActivationRow{
			ModuleID:       *item.ModuleID,
			ModuleName:     item.Label,
			ActivationDate: period.Start,
			ActiveDays:     item.ProrataDays,
			TotalDays:      item.TotalDays,
			Prorata:        item.ProrataPercentage,
			UnitPrice:      item.UnitPriceHTVA,
			Amount:         item.SubtotalHTVA,
		}
		if attachment, ok := byModule[*item.ModuleID]; ok {
			window := attachment.Window(period)
			if window.Overlaps() {
				row.ActivationDate = window.Start
			}
			row.DeactivationDate = attachment.DeactivatedWithin(period)
			row.ActiveDays = window.ActiveDays
			row.TotalDays = window.TotalDays
			row.Prorata = window.Ratio()
			row.Amount = prorata.Apply(item.UnitPriceHTVA, row.Prorata, weight)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
