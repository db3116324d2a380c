package pricing

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PriceBook is the operator price list used for Division invoices, plus the
// country VAT defaults shared by both invoice types.
type PriceBook struct {
	Currency string            `yaml:"currency" validate:"omitempty,len=3"`
	Core     CorePrices        `yaml:"core"`
	Modules  map[string]int64  `yaml:"modules" validate:"dive,keys,uuid,endkeys,gte=0"`
	VAT      map[string]string `yaml:"vat" validate:"dive,keys,len=2,endkeys,numeric"`

	vat map[string]decimal.Decimal
}

// CorePrices holds per-beneficiary operator core package prices in cents.
type CorePrices struct {
	Default   *int64           `yaml:"default" validate:"omitempty,gte=0"`
	Countries map[string]int64 `yaml:"countries" validate:"dive,keys,len=2,endkeys,gte=0"`
	Divisions map[string]int64 `yaml:"divisions" validate:"dive,keys,uuid,endkeys,gte=0"`
}

// DefaultVATRates lists the country VAT percentages applied when a Division
// has no rate of its own.
var DefaultVATRates = map[string]string{
	"BE": "21.00",
	"DE": "19.00",
	"FR": "20.00",
	"LU": "17.00",
	"NL": "21.00",
}

var hundred = decimal.NewFromInt(100)

// LoadPriceBook reads a YAML price book from disk.
func LoadPriceBook(path string) (*PriceBook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read price book: %w", err)
	}
	return ParsePriceBook(bytes.NewReader(raw))
}

// ParsePriceBook decodes and validates a YAML price book.
func ParsePriceBook(r io.Reader) (*PriceBook, error) {
	var book PriceBook
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&book); err != nil && err != io.EOF {
		return nil, fmt.Errorf("pricing: decode price book: %w", err)
	}
	if err := book.init(); err != nil {
		return nil, err
	}
	return &book, nil
}

// NewPriceBook builds an in-memory price book, mainly for tests and defaults.
func NewPriceBook(defaultCore int64, modules map[uuid.UUID]int64) (*PriceBook, error) {
	book := PriceBook{Core: CorePrices{Default: &defaultCore}, Modules: map[string]int64{}}
	for id, price := range modules {
		book.Modules[id.String()] = price
	}
	if err := book.init(); err != nil {
		return nil, err
	}
	return &book, nil
}

func (b *PriceBook) init() error {
	if err := validator.New().Struct(b); err != nil {
		return fmt.Errorf("pricing: invalid price book: %w", err)
	}
	b.vat = make(map[string]decimal.Decimal, len(DefaultVATRates)+len(b.VAT))
	for country, rate := range DefaultVATRates {
		b.vat[country] = decimal.RequireFromString(rate)
	}
	for country, raw := range b.VAT {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("pricing: vat rate %s: %w", country, err)
		}
		if rate.IsNegative() || rate.GreaterThan(hundred) {
			return fmt.Errorf("pricing: vat rate %s out of range: %s", country, raw)
		}
		b.vat[strings.ToUpper(country)] = rate.Round(2)
	}
	return nil
}

// CorePrice returns the operator core price for a Division: per-division
// override, then country price, then global default.
func (b *PriceBook) CorePrice(divisionID uuid.UUID, country string) (int64, bool) {
	if b == nil {
		return 0, false
	}
	if price, ok := b.Core.Divisions[divisionID.String()]; ok {
		return price, true
	}
	if price, ok := b.Core.Countries[strings.ToUpper(country)]; ok {
		return price, true
	}
	if b.Core.Default != nil {
		return *b.Core.Default, true
	}
	return 0, false
}

// ModulePrice returns the operator price of a module.
func (b *PriceBook) ModulePrice(moduleID uuid.UUID) (int64, bool) {
	if b == nil {
		return 0, false
	}
	price, ok := b.Modules[moduleID.String()]
	return price, ok
}

// VATRate returns the default VAT percentage for a country.
func (b *PriceBook) VATRate(country string) (decimal.Decimal, bool) {
	if b == nil || b.vat == nil {
		rate, ok := DefaultVATRates[strings.ToUpper(country)]
		if !ok {
			return decimal.Zero, false
		}
		return decimal.RequireFromString(rate), true
	}
	rate, ok := b.vat[strings.ToUpper(country)]
	return rate, ok
}
