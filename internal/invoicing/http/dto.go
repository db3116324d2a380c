package invoicinghttp

import (
	"time"

	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/prorata"
	"github.com/hexeko/billing/internal/shared"
)

type partyView struct {
	Type string     `json:"type"`
	ID   *uuid.UUID `json:"id,omitempty"`
}

type itemView struct {
	ID                 uuid.UUID  `json:"id"`
	ItemType           string     `json:"item_type"`
	ModuleID           *uuid.UUID `json:"module_id,omitempty"`
	Label              string     `json:"label"`
	UnitPriceHTVA      int64      `json:"unit_price_htva"`
	Quantity           int        `json:"quantity"`
	BeneficiariesCount int        `json:"beneficiaries_count"`
	SubtotalHTVA       int64      `json:"subtotal_htva"`
	VATRate            string     `json:"vat_rate"`
	VATAmount          int64      `json:"vat_amount"`
	TotalTTC           int64      `json:"total_ttc"`
	ProrataPercentage  string     `json:"prorata_percentage"`
	ProrataDays        int        `json:"prorata_days"`
	TotalDays          int        `json:"total_days"`
}

type invoiceView struct {
	ID                 uuid.UUID  `json:"id"`
	InvoiceNumber      string     `json:"invoice_number"`
	InvoiceType        string     `json:"invoice_type"`
	Issuer             partyView  `json:"issuer"`
	Recipient          partyView  `json:"recipient"`
	Status             string     `json:"status"`
	BillingPeriodStart string     `json:"billing_period_start"`
	BillingPeriodEnd   string     `json:"billing_period_end"`
	SubtotalHTVA       int64      `json:"subtotal_htva"`
	VATRate            string     `json:"vat_rate"`
	VATAmount          int64      `json:"vat_amount"`
	TotalTTC           int64      `json:"total_ttc"`
	Currency           string     `json:"currency"`
	DueDate            string     `json:"due_date"`
	MonthYear          string     `json:"month_year"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Items              []itemView `json:"items,omitempty"`
}

type invoiceListView struct {
	Data       []invoiceView     `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

type generationRequest struct {
	Period      string      `json:"period" validate:"required"`
	DivisionIDs []uuid.UUID `json:"division_ids" validate:"omitempty,dive,required"`
}

type generationAccepted struct {
	TaskID string `json:"task_id"`
	Period string `json:"period"`
}

func newPartyView(p invoicing.Party) partyView {
	view := partyView{Type: string(p.Kind)}
	if p.Kind != invoicing.PartyOperator {
		id := p.ID
		view.ID = &id
	}
	return view
}

func newInvoiceView(inv invoicing.Invoice, withItems bool) invoiceView {
	view := invoiceView{
		ID:                 inv.ID,
		InvoiceNumber:      inv.Number,
		InvoiceType:        string(inv.Type),
		Issuer:             newPartyView(inv.Issuer),
		Recipient:          newPartyView(inv.Recipient),
		Status:             string(inv.Status),
		BillingPeriodStart: inv.PeriodStart.Format(time.DateOnly),
		BillingPeriodEnd:   inv.PeriodEnd.Format(time.DateOnly),
		SubtotalHTVA:       inv.SubtotalHTVA,
		VATRate:            inv.VATRate.StringFixed(2),
		VATAmount:          inv.VATAmount,
		TotalTTC:           inv.TotalTTC,
		Currency:           inv.Currency,
		DueDate:            inv.DueDate.Format(time.DateOnly),
		MonthYear:          inv.MonthYear,
		ConfirmedAt:        inv.ConfirmedAt,
		SentAt:             inv.SentAt,
		PaidAt:             inv.PaidAt,
		CreatedAt:          inv.CreatedAt,
	}
	if !withItems {
		return view
	}
	view.Items = make([]itemView, len(inv.Items))
	for i, item := range inv.Items {
		view.Items[i] = itemView{
			ID:                 item.ID,
			ItemType:           string(item.ItemType),
			ModuleID:           item.ModuleID,
			Label:              item.Label,
			UnitPriceHTVA:      item.UnitPriceHTVA,
			Quantity:           item.Quantity,
			BeneficiariesCount: item.BeneficiariesCount,
			SubtotalHTVA:       item.SubtotalHTVA,
			VATRate:            item.VATRate.StringFixed(2),
			VATAmount:          item.VATAmount,
			TotalTTC:           item.TotalTTC,
			ProrataPercentage:  item.ProrataPercentage.StringFixed(prorata.RatioPlaces),
			ProrataDays:        item.ProrataDays,
			TotalDays:          item.TotalDays,
		}
	}
	return view
}
