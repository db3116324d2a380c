package prorata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestMonthPeriodTotalDays(t *testing.T) {
	tests := []struct {
		name  string
		year  int
		month time.Month
		want  int
	}{
		{name: "october", year: 2025, month: time.October, want: 31},
		{name: "april", year: 2025, month: time.April, want: 30},
		{name: "february non leap", year: 2025, month: time.February, want: 28},
		{name: "february leap", year: 2024, month: time.February, want: 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthPeriod(tt.year, tt.month).TotalDays())
		})
	}
}

func TestParseMonth(t *testing.T) {
	p, err := ParseMonth("2025-10")
	require.NoError(t, err)
	assert.Equal(t, *date(2025, time.October, 1), p.Start)
	assert.Equal(t, *date(2025, time.October, 31), p.End)
	assert.Equal(t, "2025-10", p.MonthYear())

	_, err = ParseMonth("10/2025")
	require.Error(t, err)
}

func TestProrata(t *testing.T) {
	october := MonthPeriod(2025, time.October)
	tests := []struct {
		name         string
		activation   *time.Time
		deactivation *time.Time
		period       Period
		want         string
	}{
		{name: "open before period", activation: date(2025, time.January, 1), period: october, want: "1"},
		{name: "no dates", period: october, want: "1"},
		{name: "contract from 20th", activation: date(2025, time.October, 20), period: october, want: "0.3871"},
		{name: "beneficiary from 10th", activation: date(2025, time.October, 10), period: october, want: "0.7097"},
		{name: "module from 15th", activation: date(2025, time.October, 15), period: october, want: "0.5484"},
		{name: "last day only", activation: date(2025, time.October, 31), period: october, want: "0.0323"},
		{name: "starts after period", activation: date(2025, time.November, 1), period: october, want: "0"},
		{name: "ended before period", activation: date(2025, time.January, 1), deactivation: date(2025, time.September, 30), period: october, want: "0"},
		{name: "ends mid period", activation: date(2025, time.September, 1), deactivation: date(2025, time.October, 10), period: october, want: "0.3226"},
		{name: "inside period", activation: date(2025, time.October, 5), deactivation: date(2025, time.October, 5), period: october, want: "0.0323"},
		{name: "february half", activation: date(2025, time.February, 15), period: MonthPeriod(2025, time.February), want: "0.5"},
		{name: "leap february", activation: date(2024, time.February, 15), period: MonthPeriod(2024, time.February), want: "0.5172"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Prorata(tt.activation, tt.deactivation, tt.period)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestProrataBounds(t *testing.T) {
	period := MonthPeriod(2024, time.February)
	for offset := -40; offset <= 40; offset++ {
		for length := 0; length <= 60; length += 7 {
			start := period.Start.AddDate(0, 0, offset)
			end := start.AddDate(0, 0, length)
			r := Prorata(&start, &end, period)
			assert.False(t, r.IsNegative(), "offset %d length %d", offset, length)
			assert.True(t, r.LessThanOrEqual(decimal.NewFromInt(1)), "offset %d length %d", offset, length)
		}
	}
}

func TestProrataLeapYearSensitivity(t *testing.T) {
	leap := Prorata(date(2024, time.February, 15), nil, MonthPeriod(2024, time.February))
	regular := Prorata(date(2025, time.February, 15), nil, MonthPeriod(2025, time.February))
	assert.False(t, leap.Equal(regular))

	w := Intersect(date(2024, time.February, 15), nil, MonthPeriod(2024, time.February))
	assert.Equal(t, 15, w.ActiveDays)
	assert.Equal(t, 29, w.TotalDays)
}

func TestIntersectClipsToPeriod(t *testing.T) {
	period := MonthPeriod(2025, time.October)
	w := Intersect(date(2025, time.September, 12), date(2025, time.November, 2), period)
	assert.Equal(t, period.Start, w.Start)
	assert.Equal(t, period.End, w.End)
	assert.Equal(t, 31, w.ActiveDays)

	w = Intersect(date(2025, time.December, 1), nil, period)
	assert.False(t, w.Overlaps())
	assert.True(t, w.Ratio().IsZero())
}

func TestDayIgnoresClockAndZone(t *testing.T) {
	brussels := time.FixedZone("CET", 2*3600)
	local := time.Date(2025, time.October, 20, 0, 30, 0, 0, brussels)
	assert.Equal(t, *date(2025, time.October, 20), Day(local))
}

func TestApplyRoundsOnlyFinalAmount(t *testing.T) {
	contract := decimal.RequireFromString("0.3871")
	beneficiary := decimal.RequireFromString("0.7097")
	module := decimal.RequireFromString("0.5484")

	assert.Equal(t, int64(82417), Apply(300000, contract, beneficiary))
	assert.Equal(t, int64(38920), Apply(100000, module, beneficiary))
	assert.Equal(t, int64(140000), Apply(280000, decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(104071), Apply(333333, decimal.RequireFromString("0.4839"), decimal.RequireFromString("0.6452")))
	assert.Equal(t, int64(38851), Apply(77777, decimal.RequireFromString("0.7742"), decimal.RequireFromString("0.6452")))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "0.71", FormatRatio(decimal.RequireFromString("0.7097")))
	assert.Equal(t, "1.00", FormatRatio(decimal.NewFromInt(1)))
	assert.Equal(t, "3000.00", FormatCents(300000))
	assert.Equal(t, "824.17", FormatCents(82417))
}

func TestAllocateSumsToTotal(t *testing.T) {
	weights := []decimal.Decimal{
		decimal.RequireFromString("0.7097"),
		decimal.RequireFromString("1"),
		decimal.RequireFromString("0.3226"),
	}
	parts := Allocate(10001, weights)
	var sum int64
	for _, p := range parts {
		sum += p
	}
	assert.Equal(t, int64(10001), sum)
	assert.Equal(t, []int64{3492, 4921, 1588}, parts)

	assert.Equal(t, []int64{34, 33, 33}, Allocate(100, []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(1)}))
	assert.Equal(t, []int64{0, 0}, Allocate(100, []decimal.Decimal{decimal.Zero, decimal.Zero}))
	assert.Equal(t, []int64{-50, -50}, Allocate(-100, []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(1)}))
}
