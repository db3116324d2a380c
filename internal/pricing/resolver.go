// Package pricing resolves unit prices and VAT rates for both invoice types.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/tenancy"
)

// Resolver resolves tenant-facing prices from tenancy records and operator
// prices from the PriceBook.
type Resolver struct {
	book *PriceBook
}

// NewResolver constructs a Resolver over the operator price book.
func NewResolver(book *PriceBook) *Resolver {
	return &Resolver{book: book}
}

// ResolveCorePrice returns the per-beneficiary core package price a Division
// charges one of its Financers.
func (r *Resolver) ResolveCorePrice(financer tenancy.Financer, division tenancy.Division) (int64, error) {
	if financer.CorePackagePrice != nil {
		return nonNegative(*financer.CorePackagePrice, "financer", financer.ID.String())
	}
	if division.CorePackagePrice != nil {
		return nonNegative(*division.CorePackagePrice, "division", division.ID.String())
	}
	return 0, configError("financer", financer.ID.String(), "no core package price on financer or division")
}

// ResolveModulePrice returns the per-beneficiary price of a module attached
// to a Financer: the attachment override, then the Division attachment price,
// then the module base price. Core modules always resolve to zero.
func (r *Resolver) ResolveModulePrice(financer tenancy.Financer, attachment tenancy.ModuleActivation, divisionModules []tenancy.ModuleActivation) (int64, error) {
	if attachment.Module.IsCore {
		return 0, nil
	}
	if attachment.PricePerBeneficiary != nil {
		return nonNegative(*attachment.PricePerBeneficiary, "financer module", attachment.Module.ID.String())
	}
	for _, dm := range divisionModules {
		if dm.Module.ID == attachment.Module.ID && dm.PricePerBeneficiary != nil {
			return nonNegative(*dm.PricePerBeneficiary, "division module", dm.Module.ID.String())
		}
	}
	if attachment.Module.BasePrice != nil {
		return nonNegative(*attachment.Module.BasePrice, "module", attachment.Module.ID.String())
	}
	return 0, configError("module", attachment.Module.ID.String(), "no price for financer "+financer.ID.String())
}

// ResolveDivisionHexekoCorePrice returns the operator core price billed to a
// Division. The Division's own tenant-facing price is never used here.
func (r *Resolver) ResolveDivisionHexekoCorePrice(division tenancy.Division) (int64, error) {
	price, ok := r.book.CorePrice(division.ID, division.Country)
	if !ok {
		return 0, configError("division", division.ID.String(), "no operator core price")
	}
	return price, nil
}

// ResolveDivisionHexekoModulePrice returns the operator price of a module
// attached to a Division, falling back to the module base price.
func (r *Resolver) ResolveDivisionHexekoModulePrice(division tenancy.Division, attachment tenancy.ModuleActivation) (int64, error) {
	if attachment.Module.IsCore {
		return 0, nil
	}
	if price, ok := r.book.ModulePrice(attachment.Module.ID); ok {
		return price, nil
	}
	if attachment.Module.BasePrice != nil {
		return nonNegative(*attachment.Module.BasePrice, "module", attachment.Module.ID.String())
	}
	return 0, configError("module", attachment.Module.ID.String(), "no operator price for division "+division.ID.String())
}

// ResolveVATRate returns the Division VAT percentage, or the default for its
// country.
func (r *Resolver) ResolveVATRate(division tenancy.Division) (decimal.Decimal, error) {
	if division.VATRate != nil {
		rate := *division.VATRate
		if rate.IsNegative() || rate.GreaterThan(hundred) {
			return decimal.Zero, configError("division", division.ID.String(), "vat rate out of range")
		}
		return rate.Round(2), nil
	}
	rate, ok := r.book.VATRate(division.Country)
	if !ok {
		return decimal.Zero, configError("division", division.ID.String(), "no vat rate for country "+division.Country)
	}
	return rate, nil
}

// Currency returns the invoice currency for a Division.
func (r *Resolver) Currency(division tenancy.Division, fallback string) string {
	switch {
	case division.Currency != "":
		return division.Currency
	case r.book != nil && r.book.Currency != "":
		return r.book.Currency
	case fallback != "":
		return fallback
	default:
		return "EUR"
	}
}

func nonNegative(price int64, subject, id string) (int64, error) {
	if price < 0 {
		return 0, configError(subject, id, "negative price")
	}
	return price, nil
}
