// Package prorata computes day-granular billing fractions and applies them to
// integer cent amounts.
package prorata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RatioPlaces is the precision every ratio is rounded to before it is
// multiplied against money.
const RatioPlaces int32 = 4

var (
	// ErrInvalidPeriod indicates a period whose end precedes its start.
	ErrInvalidPeriod = errors.New("prorata: invalid period")

	one = decimal.NewFromInt(1)
)

// Period is an inclusive calendar range. Billing periods are calendar months.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthPeriod returns the billing period covering the given calendar month.
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// ParseMonth parses a YYYY-MM string into a billing period.
func ParseMonth(value string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(value))
	if err != nil {
		return Period{}, fmt.Errorf("prorata: invalid month %q (expected YYYY-MM)", value)
	}
	return MonthPeriod(t.Year(), t.Month()), nil
}

// NewPeriod builds a period from arbitrary dates, normalised to UTC days.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: Day(start), End: Day(end)}
	if p.End.Before(p.Start) {
		return Period{}, ErrInvalidPeriod
	}
	return p, nil
}

// TotalDays reports the inclusive number of days in the period.
func (p Period) TotalDays() int {
	return daysBetween(p.Start, p.End) + 1
}

// MonthYear renders the period as YYYY-MM.
func (p Period) MonthYear() string {
	return p.Start.Format("2006-01")
}

// Contains reports whether day falls within the period.
func (p Period) Contains(day time.Time) bool {
	d := Day(day)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return p.Start.Format(time.DateOnly) + ".." + p.End.Format(time.DateOnly)
}

// Window is the intersection of an activation range with a period.
type Window struct {
	Start      time.Time
	End        time.Time
	ActiveDays int
	TotalDays  int
}

// Overlaps reports whether the window has at least one active day.
func (w Window) Overlaps() bool {
	return w.ActiveDays > 0
}

// Ratio returns round(ActiveDays / TotalDays, 4) clamped to [0,1].
func (w Window) Ratio() decimal.Decimal {
	if w.TotalDays <= 0 || w.ActiveDays <= 0 {
		return decimal.Zero
	}
	r := decimal.NewFromInt(int64(w.ActiveDays)).
		Div(decimal.NewFromInt(int64(w.TotalDays))).
		Round(RatioPlaces)
	if r.GreaterThan(one) {
		return one
	}
	return r
}

// Intersect clips [activation, deactivation] to the period. A nil activation
// means active since before the period, a nil deactivation means open-ended.
func Intersect(activation, deactivation *time.Time, period Period) Window {
	w := Window{TotalDays: period.TotalDays()}
	start := period.Start
	if activation != nil && Day(*activation).After(start) {
		start = Day(*activation)
	}
	end := period.End
	if deactivation != nil && Day(*deactivation).Before(end) {
		end = Day(*deactivation)
	}
	if end.Before(start) {
		return w
	}
	w.Start = start
	w.End = end
	w.ActiveDays = daysBetween(start, end) + 1
	return w
}

// Prorata returns the fraction of the period covered by the activation window.
func Prorata(activation, deactivation *time.Time, period Period) decimal.Decimal {
	return Intersect(activation, deactivation, period).Ratio()
}

// Sum aggregates independent ratios, e.g. one per beneficiary.
func Sum(ratios []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, r := range ratios {
		total = total.Add(r)
	}
	return total
}

// Apply multiplies a unit price by every ratio and rounds the final value to
// the nearest cent. Intermediate products are kept exact.
func Apply(unitCents int64, ratios ...decimal.Decimal) int64 {
	amount := decimal.NewFromInt(unitCents)
	for _, r := range ratios {
		amount = amount.Mul(r)
	}
	return amount.Round(0).IntPart()
}

// FormatRatio renders a ratio with two decimals for exports.
func FormatRatio(r decimal.Decimal) string {
	return r.StringFixed(2)
}

// FormatCents renders an amount in cents as a two-decimal major-unit string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// Day returns the calendar day of t as a UTC midnight date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours() / 24)
}
