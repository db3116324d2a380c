package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/ledger"
)

// LedgerVerifier replays event streams against projected balances.
type LedgerVerifier interface {
	Verify(ctx context.Context, aggregateID uuid.UUID) (ledger.Balance, error)
	VerifyAll(ctx context.Context) (ledger.VerificationReport, error)
}

// VerifyLedger verifies ids, or every aggregate when ids is empty, and
// writes one line per diverged aggregate. The report is returned so callers
// can set the exit status.
func VerifyLedger(ctx context.Context, verifier LedgerVerifier, ids []uuid.UUID, w io.Writer) (ledger.VerificationReport, error) {
	var (
		report ledger.VerificationReport
		err    error
	)
	if len(ids) == 0 {
		report, err = verifier.VerifyAll(ctx)
	} else {
		report = ledger.VerificationReport{Violations: map[uuid.UUID]error{}}
		for _, id := range ids {
			report.Checked++
			_, verr := verifier.Verify(ctx, id)
			if errors.Is(verr, ledger.ErrEventOrderingViolation) {
				report.Violations[id] = verr
			} else if verr != nil {
				return report, verr
			}
		}
	}
	if err != nil {
		return report, err
	}

	diverged := make([]uuid.UUID, 0, len(report.Violations))
	for id := range report.Violations {
		diverged = append(diverged, id)
	}
	sort.Slice(diverged, func(i, j int) bool { return diverged[i].String() < diverged[j].String() })
	for _, id := range diverged {
		fmt.Fprintf(w, "DIVERGED %s: %v\n", id, report.Violations[id])
	}
	fmt.Fprintf(w, "checked %d aggregates, %d diverged\n", report.Checked, len(report.Violations))
	return report, nil
}
