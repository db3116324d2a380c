package export

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatter renders amounts for human-facing documents.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter builds a Formatter for the given locale.
func NewFormatter(tag language.Tag) Formatter {
	return Formatter{printer: message.NewPrinter(tag)}
}

// Money renders cents with grouping and two decimals followed by the
// currency code, e.g. "1,213.37 EUR" in English.
func (f Formatter) Money(cents int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.EUR
	}
	return f.printer.Sprintf("%v %s", number.Decimal(float64(cents)/100, number.Scale(2)), unit.String())
}

// Count renders an integer with grouping.
func (f Formatter) Count(n int) string {
	return f.printer.Sprintf("%d", n)
}
