package invoicing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hexeko/billing/internal/prorata"
)

// InvoiceType distinguishes the two billing tiers.
type InvoiceType string

const (
	// TypeDivisionToFinancer is issued by a Division to one of its Financers.
	TypeDivisionToFinancer InvoiceType = "division_to_financer"
	// TypeHexekoToDivision is issued by the platform operator to a Division.
	TypeHexekoToDivision InvoiceType = "hexeko_to_division"
)

// Valid reports whether t is a known invoice type.
func (t InvoiceType) Valid() bool {
	return t == TypeDivisionToFinancer || t == TypeHexekoToDivision
}

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
)

// PartyKind tags the polymorphic issuer and recipient.
type PartyKind string

const (
	PartyFinancer PartyKind = "financer"
	PartyDivision PartyKind = "division"
	PartyOperator PartyKind = "hexeko"
)

// Party identifies an issuer or recipient. The operator has no id.
type Party struct {
	Kind PartyKind
	ID   uuid.UUID
}

// FinancerParty returns the Party of a Financer.
func FinancerParty(id uuid.UUID) Party { return Party{Kind: PartyFinancer, ID: id} }

// DivisionParty returns the Party of a Division.
func DivisionParty(id uuid.UUID) Party { return Party{Kind: PartyDivision, ID: id} }

// OperatorParty returns the platform operator Party.
func OperatorParty() Party { return Party{Kind: PartyOperator} }

func (p Party) String() string {
	if p.Kind == PartyOperator {
		return string(p.Kind)
	}
	return string(p.Kind) + ":" + p.ID.String()
}

// ParseParty rebuilds a Party from its stored kind and optional id.
func ParseParty(kind string, id *uuid.UUID) (Party, error) {
	switch PartyKind(kind) {
	case PartyOperator:
		return OperatorParty(), nil
	case PartyFinancer, PartyDivision:
		if id == nil || *id == uuid.Nil {
			return Party{}, fmt.Errorf("invoicing: %s party requires an id", kind)
		}
		return Party{Kind: PartyKind(kind), ID: *id}, nil
	default:
		return Party{}, fmt.Errorf("invoicing: unknown party kind %q", kind)
	}
}

// ItemType classifies invoice lines.
type ItemType string

const (
	ItemCorePackage ItemType = "core_package"
	ItemModule      ItemType = "module"
	ItemOther       ItemType = "other"
)

// Invoice is a billing document for one recipient and period. Monetary
// fields are integer cents.
type Invoice struct {
	ID           uuid.UUID
	Number       string
	Type         InvoiceType
	Issuer       Party
	Recipient    Party
	Status       Status
	PeriodStart  time.Time
	PeriodEnd    time.Time
	SubtotalHTVA int64
	VATRate      decimal.Decimal
	VATAmount    int64
	TotalTTC     int64
	Currency     string
	DueDate      time.Time
	MonthYear    string
	ConfirmedAt  *time.Time
	SentAt       *time.Time
	PaidAt       *time.Time
	CreatedAt    time.Time
	Items        []InvoiceItem
}

// InvoiceItem is one line of an invoice.
type InvoiceItem struct {
	ID                 uuid.UUID
	InvoiceID          uuid.UUID
	ItemType           ItemType
	ModuleID           *uuid.UUID
	Label              string
	UnitPriceHTVA      int64
	Quantity           int
	BeneficiariesCount int
	SubtotalHTVA       int64
	VATRate            decimal.Decimal
	VATAmount          int64
	TotalTTC           int64
	ProrataPercentage  decimal.Decimal
	ProrataDays        int
	TotalDays          int
}

// Period returns the billing period of the invoice.
func (i Invoice) Period() prorata.Period {
	return prorata.Period{Start: i.PeriodStart, End: i.PeriodEnd}
}

// CoreItem returns the core package line, if any.
func (i Invoice) CoreItem() (InvoiceItem, bool) {
	for _, item := range i.Items {
		if item.ItemType == ItemCorePackage {
			return item, true
		}
	}
	return InvoiceItem{}, false
}

// CheckTotals verifies the cent-exact invariants between header and lines.
func (i Invoice) CheckTotals() error {
	if i.TotalTTC != i.SubtotalHTVA+i.VATAmount {
		return fmt.Errorf("%w: total %d != subtotal %d + vat %d", ErrInconsistentTotals, i.TotalTTC, i.SubtotalHTVA, i.VATAmount)
	}
	var subtotal, vat, total int64
	for _, item := range i.Items {
		if item.TotalTTC != item.SubtotalHTVA+item.VATAmount {
			return fmt.Errorf("%w: item %s total mismatch", ErrInconsistentTotals, item.Label)
		}
		subtotal += item.SubtotalHTVA
		vat += item.VATAmount
		total += item.TotalTTC
	}
	if subtotal != i.SubtotalHTVA || vat != i.VATAmount || total != i.TotalTTC {
		return fmt.Errorf("%w: items sum %d/%d/%d, header %d/%d/%d", ErrInconsistentTotals, subtotal, vat, total, i.SubtotalHTVA, i.VATAmount, i.TotalTTC)
	}
	return nil
}

// NumberPattern matches every issued invoice number.
var NumberPattern = regexp.MustCompile(`^[A-Z_]+-\d{4}-\d{6}$`)

// FormatNumber renders {TYPE}-{YYYY}-{NNNNNN}.
func FormatNumber(t InvoiceType, year int, sequence int64) string {
	return fmt.Sprintf("%s-%04d-%06d", strings.ToUpper(string(t)), year, sequence)
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusConfirmed
	case StatusConfirmed:
		return to == StatusSent || to == StatusPaid
	case StatusSent:
		return to == StatusPaid
	default:
		return false
	}
}

var (
	// ErrNotFound indicates a missing invoice.
	ErrNotFound = errors.New("invoicing: invoice not found")
	// ErrDuplicateInvoice rejects a second invoice for the same issuer,
	// recipient and period.
	ErrDuplicateInvoice = errors.New("invoicing: duplicate invoice for issuer, recipient and period")
	// ErrZeroAmountInvoice signals that nothing is billable. It is an
	// outcome, not a failure: nothing is persisted.
	ErrZeroAmountInvoice = errors.New("invoicing: zero amount invoice")
	// ErrInvalidTransition rejects lifecycle changes the status does not allow.
	ErrInvalidTransition = errors.New("invoicing: invalid status transition")
	// ErrGenerationInProgress reports another run holding the Division lock.
	ErrGenerationInProgress = errors.New("invoicing: generation already running for division and period")
	// ErrInvalidRequest rejects malformed build requests.
	ErrInvalidRequest = errors.New("invoicing: invalid request")
	// ErrInconsistentTotals reports a header that disagrees with its lines.
	ErrInconsistentTotals = errors.New("invoicing: inconsistent totals")
)
