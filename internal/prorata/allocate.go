package prorata

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Allocate splits total cents across weights so that the parts always sum to
// total. Each part gets the floor of its proportional share and the leftover
// cents go to the largest remainders, ties resolved by position.
func Allocate(total int64, weights []decimal.Decimal) []int64 {
	parts := make([]int64, len(weights))
	if len(weights) == 0 || total == 0 {
		return parts
	}
	if total < 0 {
		for i, p := range Allocate(-total, weights) {
			parts[i] = -p
		}
		return parts
	}
	sum := Sum(weights)
	if !sum.IsPositive() {
		return parts
	}

	type share struct {
		index     int
		remainder decimal.Decimal
	}
	shares := make([]share, len(weights))
	totalDec := decimal.NewFromInt(total)
	var assigned int64
	for i, w := range weights {
		exact := totalDec.Mul(w).Div(sum)
		floor := exact.Floor()
		parts[i] = floor.IntPart()
		assigned += parts[i]
		shares[i] = share{index: i, remainder: exact.Sub(floor)}
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder.GreaterThan(shares[b].remainder)
	})
	for i := 0; assigned < total; i = (i + 1) % len(shares) {
		parts[shares[i].index]++
		assigned++
	}
	for i := len(shares) - 1; assigned > total; i = (i - 1 + len(shares)) % len(shares) {
		if parts[shares[i].index] > 0 {
			parts[shares[i].index]--
			assigned--
		}
	}
	return parts
}
