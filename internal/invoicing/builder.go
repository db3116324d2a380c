package invoicing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/tenancy"
)

// CorePackageLabel is the label of the core package line.
const CorePackageLabel = "Core package"

// DefaultDueDays is the payment term applied after the period end.
const DefaultDueDays = 30

// BuildRequest identifies the invoice to assemble.
type BuildRequest struct {
	Recipient Party
	Issuer    Party
	Period    prorata.Period
	Type      InvoiceType
}

// Validate checks the request shape against the invoice type.
func (r BuildRequest) Validate() error {
	if r.Period.End.Before(r.Period.Start) || r.Period.Start.IsZero() {
		return fmt.Errorf("%w: period required", ErrInvalidRequest)
	}
	switch r.Type {
	case TypeDivisionToFinancer:
		if r.Recipient.Kind != PartyFinancer || r.Issuer.Kind != PartyDivision {
			return fmt.Errorf("%w: %s must be issued by a division to a financer", ErrInvalidRequest, r.Type)
		}
	case TypeHexekoToDivision:
		if r.Recipient.Kind != PartyDivision || r.Issuer.Kind != PartyOperator {
			return fmt.Errorf("%w: %s must be issued by the operator to a division", ErrInvalidRequest, r.Type)
		}
	default:
		return fmt.Errorf("%w: unknown invoice type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}

// Builder assembles draft invoices. It never persists.
type Builder struct {
	tenants         tenancy.Reader
	prices          *pricing.Resolver
	dueDays         int
	defaultCurrency string
}

// BuilderConfig groups optional settings.
type BuilderConfig struct {
	DueDays         int
	DefaultCurrency string
}

// NewBuilder constructs a Builder.
func NewBuilder(tenants tenancy.Reader, prices *pricing.Resolver, cfg BuilderConfig) *Builder {
	if cfg.DueDays <= 0 {
		cfg.DueDays = DefaultDueDays
	}
	return &Builder{tenants: tenants, prices: prices, dueDays: cfg.DueDays, defaultCurrency: cfg.DefaultCurrency}
}

// Build returns a draft invoice with its lines and VAT applied, or
// ErrZeroAmountInvoice when nothing is billable.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (Invoice, error) {
	if err := req.Validate(); err != nil {
		return Invoice{}, err
	}
	switch req.Type {
	case TypeDivisionToFinancer:
		return b.buildFinancerInvoice(ctx, req)
	default:
		return b.buildDivisionInvoice(ctx, req)
	}
}

func (b *Builder) buildFinancerInvoice(ctx context.Context, req BuildRequest) (Invoice, error) {
	financer, err := b.tenants.GetFinancer(ctx, req.Recipient.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: load financer %s: %w", req.Recipient.ID, err)
	}
	if financer.DivisionID != req.Issuer.ID {
		return Invoice{}, fmt.Errorf("%w: financer %s does not belong to division %s", ErrInvalidRequest, financer.ID, req.Issuer.ID)
	}
	division, err := b.tenants.GetDivision(ctx, financer.DivisionID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: load division %s: %w", financer.DivisionID, err)
	}
	if !financer.Billable(req.Period) {
		return Invoice{}, ErrZeroAmountInvoice
	}
	beneficiaries, err := b.beneficiaries(ctx, financer.ID, req.Period)
	if err != nil {
		return Invoice{}, err
	}
	if len(beneficiaries) == 0 {
		return Invoice{}, ErrZeroAmountInvoice
	}
	weight := prorata.Sum(lo.Map(beneficiaries, func(b tenancy.Beneficiary, _ int) decimal.Decimal { return b.Ratio }))

	corePrice, err := b.prices.ResolveCorePrice(financer, division)
	if err != nil {
		return Invoice{}, err
	}
	contract := financer.ContractWindow(req.Period)
	items := []InvoiceItem{coreItem(corePrice, len(beneficiaries), len(beneficiaries), contract, weight)}

	attachments, err := b.tenants.ListFinancerModules(ctx, financer.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: list financer modules %s: %w", financer.ID, err)
	}
	divisionModules, err := b.tenants.ListDivisionModules(ctx, division.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: list division modules %s: %w", division.ID, err)
	}
	for _, attachment := range attachments {
		if attachment.Module.IsCore {
			continue
		}
		window := attachment.Window(req.Period)
		if !window.Overlaps() {
			continue
		}
		price, err := b.prices.ResolveModulePrice(financer, attachment, divisionModules)
		if err != nil {
			return Invoice{}, err
		}
		if item, ok := moduleItem(attachment.Module, price, len(beneficiaries), window, weight); ok {
			items = append(items, item)
		}
	}

	vatRate, err := b.prices.ResolveVATRate(division)
	if err != nil {
		return Invoice{}, err
	}
	return b.finalize(req, items, vatRate, b.prices.Currency(division, b.defaultCurrency))
}

func (b *Builder) buildDivisionInvoice(ctx context.Context, req BuildRequest) (Invoice, error) {
	division, err := b.tenants.GetDivision(ctx, req.Recipient.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: load division %s: %w", req.Recipient.ID, err)
	}
	financers, err := b.tenants.ListFinancers(ctx, division.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: list financers %s: %w", division.ID, err)
	}

	weight := decimal.Zero
	billed, beneficiaryCount := 0, 0
	for _, financer := range lo.Filter(financers, func(f tenancy.Financer, _ int) bool { return f.Billable(req.Period) }) {
		beneficiaries, err := b.beneficiaries(ctx, financer.ID, req.Period)
		if err != nil {
			return Invoice{}, err
		}
		if len(beneficiaries) == 0 {
			continue
		}
		billed++
		beneficiaryCount += len(beneficiaries)
		weight = weight.Add(prorata.Sum(lo.Map(beneficiaries, func(b tenancy.Beneficiary, _ int) decimal.Decimal { return b.Ratio })))
	}
	if billed == 0 {
		return Invoice{}, ErrZeroAmountInvoice
	}

	corePrice, err := b.prices.ResolveDivisionHexekoCorePrice(division)
	if err != nil {
		return Invoice{}, err
	}
	contract := division.ContractWindow(req.Period)
	if !contract.Overlaps() {
		return Invoice{}, ErrZeroAmountInvoice
	}
	items := []InvoiceItem{coreItem(corePrice, billed, beneficiaryCount, contract, weight)}

	attachments, err := b.tenants.ListDivisionModules(ctx, division.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: list division modules %s: %w", division.ID, err)
	}
	for _, attachment := range attachments {
		if attachment.Module.IsCore {
			continue
		}
		window := attachment.Window(req.Period)
		if !window.Overlaps() {
			continue
		}
		price, err := b.prices.ResolveDivisionHexekoModulePrice(division, attachment)
		if err != nil {
			return Invoice{}, err
		}
		if item, ok := moduleItem(attachment.Module, price, beneficiaryCount, window, weight); ok {
			items = append(items, item)
		}
	}

	vatRate, err := b.prices.ResolveVATRate(division)
	if err != nil {
		return Invoice{}, err
	}
	return b.finalize(req, items, vatRate, b.prices.Currency(division, b.defaultCurrency))
}

func (b *Builder) beneficiaries(ctx context.Context, financerID uuid.UUID, period prorata.Period) ([]tenancy.Beneficiary, error) {
	memberships, err := b.tenants.ListMemberships(ctx, financerID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list memberships %s: %w", financerID, err)
	}
	return tenancy.Beneficiaries(memberships, period), nil
}

func coreItem(price int64, quantity, beneficiaries int, contract prorata.Window, weight decimal.Decimal) InvoiceItem {
	ratio := contract.Ratio()
	return InvoiceItem{
		ItemType:           ItemCorePackage,
		Label:              CorePackageLabel,
		UnitPriceHTVA:      price,
		Quantity:           quantity,
		BeneficiariesCount: beneficiaries,
		SubtotalHTVA:       prorata.Apply(price, ratio, weight),
		ProrataPercentage:  ratio,
		ProrataDays:        contract.ActiveDays,
		TotalDays:          contract.TotalDays,
	}
}

func moduleItem(module tenancy.Module, price int64, beneficiaries int, window prorata.Window, weight decimal.Decimal) (InvoiceItem, bool) {
	ratio := window.Ratio()
	amount := prorata.Apply(price, ratio, weight)
	if amount == 0 {
		return InvoiceItem{}, false
	}
	moduleID := module.ID
	return InvoiceItem{
		ItemType:           ItemModule,
		ModuleID:           &moduleID,
		Label:              module.Name,
		UnitPriceHTVA:      price,
		Quantity:           beneficiaries,
		BeneficiariesCount: beneficiaries,
		SubtotalHTVA:       amount,
		ProrataPercentage:  ratio,
		ProrataDays:        window.ActiveDays,
		TotalDays:          window.TotalDays,
	}, true
}

// finalize applies one flat VAT rate on the invoice subtotal and distributes
// the VAT cents across lines so that lines always sum to the header.
func (b *Builder) finalize(req BuildRequest, items []InvoiceItem, vatRate decimal.Decimal, currency string) (Invoice, error) {
	subtotal := lo.SumBy(items, func(item InvoiceItem) int64 { return item.SubtotalHTVA })
	if subtotal <= 0 {
		return Invoice{}, ErrZeroAmountInvoice
	}
	vat := VAT(subtotal, vatRate)
	shares := prorata.Allocate(vat, lo.Map(items, func(item InvoiceItem, _ int) decimal.Decimal {
		return decimal.NewFromInt(item.SubtotalHTVA)
	}))
	for i := range items {
		items[i].VATRate = vatRate
		items[i].VATAmount = shares[i]
		items[i].TotalTTC = items[i].SubtotalHTVA + shares[i]
	}
	inv := Invoice{
		Type:         req.Type,
		Issuer:       req.Issuer,
		Recipient:    req.Recipient,
		Status:       StatusDraft,
		PeriodStart:  req.Period.Start,
		PeriodEnd:    req.Period.End,
		SubtotalHTVA: subtotal,
		VATRate:      vatRate,
		VATAmount:    vat,
		TotalTTC:     subtotal + vat,
		Currency:     currency,
		DueDate:      req.Period.End.AddDate(0, 0, b.dueDays),
		MonthYear:    req.Period.MonthYear(),
		Items:        items,
	}
	return inv, inv.CheckTotals()
}

// VAT returns round(subtotal * rate / 100) in cents.
func VAT(subtotal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(subtotal).Mul(rate).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}
