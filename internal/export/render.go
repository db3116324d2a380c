package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/hexeko/billing/internal/invoicing"
)

// Document gathers everything rendered for one invoice.
type Document struct {
	Invoice invoicing.Invoice
	Users   []UserBillingRow
	Modules []ModuleActivationRow
}

// Document loads the invoice and both row sets.
func (p *Provider) Document(ctx context.Context, invoiceID uuid.UUID) (Document, error) {
	inv, err := p.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Document{}, err
	}
	users, err := p.UserBillingRows(ctx, invoiceID)
	if err != nil {
		return Document{}, err
	}
	modules, err := p.ModuleActivationRows(ctx, invoiceID)
	if err != nil {
		return Document{}, err
	}
	return Document{Invoice: inv, Users: users, Modules: modules}, nil
}

// RenderPDF renders the invoice summary followed by the user and module
// detail tables.
func RenderPDF(doc Document, f Formatter) ([]byte, error) {
	inv := doc.Invoice
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "B", 14)
	pdf.AddPage()

	pdf.Cell(0, 8, fmt.Sprintf("Invoice %s", inv.Number))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Period: %s to %s", inv.PeriodStart.Format(time.DateOnly), inv.PeriodEnd.Format(time.DateOnly)),
		fmt.Sprintf("Recipient: %s", inv.Recipient),
		fmt.Sprintf("Status: %s", inv.Status),
		fmt.Sprintf("Due: %s", inv.DueDate.Format(time.DateOnly)),
		fmt.Sprintf("Subtotal: %s", f.Money(inv.SubtotalHTVA, inv.Currency)),
		fmt.Sprintf("VAT (%s%%): %s", inv.VATRate.StringFixed(2), f.Money(inv.VATAmount, inv.Currency)),
		fmt.Sprintf("Total: %s", f.Money(inv.TotalTTC, inv.Currency)),
	} {
		pdf.Cell(0, 6, line)
		pdf.Ln(5)
	}

	pdf.Ln(4)
	table(pdf, []float64{45, 60, 22, 22, 16, 16, 18, 36, 36}, UserBillingHeadings, len(doc.Users), func(i int) []string {
		return doc.Users[i].Record()
	})
	pdf.Ln(6)
	table(pdf, []float64{60, 30, 30, 18, 18, 18, 40, 40}, ModuleActivationHeadings, len(doc.Modules), func(i int) []string {
		return doc.Modules[i].Record()
	})

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func table(pdf *gofpdf.Fpdf, widths []float64, headings []string, n int, row func(int) []string) {
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "B", 8)
	for i, h := range headings {
		pdf.CellFormat(widths[i], 6, tr(h), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for r := 0; r < n; r++ {
		for i, cell := range row(r) {
			align := "L"
			if i >= 3 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, tr(cell), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}
}

// Sheet names of the XLSX export.
const (
	SheetSummary = "summary"
	SheetUsers   = "users"
	SheetModules = "modules"
)

// RenderXLSX renders the invoice as a workbook with a summary, a user
// billing sheet and a module activation sheet.
func RenderXLSX(doc Document, f Formatter) ([]byte, error) {
	inv := doc.Invoice
	book := excelize.NewFile()
	defer func() { _ = book.Close() }()

	if err := book.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, fmt.Errorf("export: rename sheet: %w", err)
	}
	summary := [][2]any{
		{"Invoice", inv.Number},
		{"Type", string(inv.Type)},
		{"Period", inv.MonthYear},
		{"Status", string(inv.Status)},
		{"Currency", inv.Currency},
		{"Subtotal", f.Money(inv.SubtotalHTVA, inv.Currency)},
		{"VAT rate", inv.VATRate.StringFixed(2)},
		{"VAT", f.Money(inv.VATAmount, inv.Currency)},
		{"Total", f.Money(inv.TotalTTC, inv.Currency)},
		{"Due date", inv.DueDate.Format(time.DateOnly)},
	}
	for i, kv := range summary {
		_ = book.SetCellValue(SheetSummary, fmt.Sprintf("A%d", i+1), kv[0])
		_ = book.SetCellValue(SheetSummary, fmt.Sprintf("B%d", i+1), kv[1])
	}

	if err := writeSheet(book, SheetUsers, UserBillingHeadings, len(doc.Users), func(i int) []string { return doc.Users[i].Record() }); err != nil {
		return nil, err
	}
	if err := writeSheet(book, SheetModules, ModuleActivationHeadings, len(doc.Modules), func(i int) []string { return doc.Modules[i].Record() }); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := book.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(book *excelize.File, sheet string, headings []string, n int, row func(int) []string) error {
	if _, err := book.NewSheet(sheet); err != nil {
		return fmt.Errorf("export: new sheet %s: %w", sheet, err)
	}
	if err := book.SetSheetRow(sheet, "A1", &headings); err != nil {
		return fmt.Errorf("export: write %s headings: %w", sheet, err)
	}
	for r := 0; r < n; r++ {
		record := row(r)
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := book.SetSheetRow(sheet, cell, &record); err != nil {
			return fmt.Errorf("export: write %s row %d: %w", sheet, r+1, err)
		}
	}
	return nil
}
