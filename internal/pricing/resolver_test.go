package pricing

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/tenancy"
)

func cents(v int64) *int64 { return &v }

func TestResolveCorePrice(t *testing.T) {
	r := NewResolver(nil)
	division := tenancy.Division{ID: uuid.New(), CorePackagePrice: cents(100000)}

	price, err := r.ResolveCorePrice(tenancy.Financer{ID: uuid.New(), CorePackagePrice: cents(150000)}, division)
	require.NoError(t, err)
	require.Equal(t, int64(150000), price)

	price, err = r.ResolveCorePrice(tenancy.Financer{ID: uuid.New()}, division)
	require.NoError(t, err)
	require.Equal(t, int64(100000), price)

	_, err = r.ResolveCorePrice(tenancy.Financer{ID: uuid.New()}, tenancy.Division{ID: uuid.New()})
	require.ErrorIs(t, err, ErrConfiguration)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "financer", cfgErr.Subject)
}

func TestResolveModulePriceFallbackChain(t *testing.T) {
	r := NewResolver(nil)
	financer := tenancy.Financer{ID: uuid.New()}
	module := tenancy.Module{ID: uuid.New(), Name: "Wellbeing", BasePrice: cents(40000)}
	divisionModules := []tenancy.ModuleActivation{{Module: module, PricePerBeneficiary: cents(30000)}}

	price, err := r.ResolveModulePrice(financer, tenancy.ModuleActivation{Module: module, PricePerBeneficiary: cents(50000)}, divisionModules)
	require.NoError(t, err)
	require.Equal(t, int64(50000), price)

	price, err = r.ResolveModulePrice(financer, tenancy.ModuleActivation{Module: module}, divisionModules)
	require.NoError(t, err)
	require.Equal(t, int64(30000), price)

	price, err = r.ResolveModulePrice(financer, tenancy.ModuleActivation{Module: module}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(40000), price)

	_, err = r.ResolveModulePrice(financer, tenancy.ModuleActivation{Module: tenancy.Module{ID: uuid.New()}}, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	price, err = r.ResolveModulePrice(financer, tenancy.ModuleActivation{Module: tenancy.Module{ID: uuid.New(), IsCore: true, BasePrice: cents(999)}}, nil)
	require.NoError(t, err)
	require.Zero(t, price)
}

func TestResolveDivisionHexekoPricesIgnoreTenantPrice(t *testing.T) {
	division := tenancy.Division{ID: uuid.New(), Country: "BE", CorePackagePrice: cents(100000)}
	moduleID := uuid.New()
	book, err := NewPriceBook(25000, map[uuid.UUID]int64{moduleID: 5000})
	require.NoError(t, err)
	r := NewResolver(book)

	price, err := r.ResolveDivisionHexekoCorePrice(division)
	require.NoError(t, err)
	require.Equal(t, int64(25000), price)

	price, err = r.ResolveDivisionHexekoModulePrice(division, tenancy.ModuleActivation{Module: tenancy.Module{ID: moduleID, BasePrice: cents(9000)}})
	require.NoError(t, err)
	require.Equal(t, int64(5000), price)

	price, err = r.ResolveDivisionHexekoModulePrice(division, tenancy.ModuleActivation{Module: tenancy.Module{ID: uuid.New(), BasePrice: cents(9000)}})
	require.NoError(t, err)
	require.Equal(t, int64(9000), price)

	_, err = NewResolver(nil).ResolveDivisionHexekoCorePrice(division)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParsePriceBook(t *testing.T) {
	divisionID := uuid.New()
	moduleID := uuid.New()
	doc := `
currency: EUR
core:
  default: 20000
  countries:
    FR: 18000
  divisions:
    ` + divisionID.String() + `: 15000
modules:
  ` + moduleID.String() + `: 3000
vat:
  LU: "16.00"
`
	book, err := ParsePriceBook(strings.NewReader(doc))
	require.NoError(t, err)

	price, ok := book.CorePrice(divisionID, "BE")
	require.True(t, ok)
	require.Equal(t, int64(15000), price)
	price, ok = book.CorePrice(uuid.New(), "fr")
	require.True(t, ok)
	require.Equal(t, int64(18000), price)
	price, ok = book.CorePrice(uuid.New(), "BE")
	require.True(t, ok)
	require.Equal(t, int64(20000), price)

	rate, ok := book.VATRate("LU")
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.NewFromInt(16)))
	rate, ok = book.VATRate("BE")
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.NewFromInt(21)))
}

func TestParsePriceBookRejectsInvalid(t *testing.T) {
	_, err := ParsePriceBook(strings.NewReader("core:\n  default: -5\n"))
	require.Error(t, err)

	_, err = ParsePriceBook(strings.NewReader("vat:\n  BE: \"150\"\n"))
	require.Error(t, err)

	_, err = ParsePriceBook(strings.NewReader("unknown: true\n"))
	require.Error(t, err)
}

func TestResolveVATRate(t *testing.T) {
	r := NewResolver(nil)
	custom := decimal.RequireFromString("6")

	rate, err := r.ResolveVATRate(tenancy.Division{ID: uuid.New(), Country: "BE", VATRate: &custom})
	require.NoError(t, err)
	require.Equal(t, "6.00", rate.StringFixed(2))

	rate, err = r.ResolveVATRate(tenancy.Division{ID: uuid.New(), Country: "BE"})
	require.NoError(t, err)
	require.Equal(t, "21.00", rate.StringFixed(2))

	rate, err = r.ResolveVATRate(tenancy.Division{ID: uuid.New(), Country: "FR"})
	require.NoError(t, err)
	require.Equal(t, "20.00", rate.StringFixed(2))

	_, err = r.ResolveVATRate(tenancy.Division{ID: uuid.New(), Country: "XX"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestCurrency(t *testing.T) {
	r := NewResolver(nil)
	require.Equal(t, "CHF", r.Currency(tenancy.Division{Currency: "CHF"}, "EUR"))
	require.Equal(t, "EUR", r.Currency(tenancy.Division{}, ""))
}
