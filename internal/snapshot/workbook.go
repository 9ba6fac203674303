package snapshot

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"billbook/internal/model"
)

const (
	productsSheet = "Products"
	historySheet  = "History"
)

// WriteWorkbook renders snap as an xlsx file with a Products and a History sheet.
// History has one row per invoice line so totals can be pivoted.
func WriteWorkbook(w io.Writer, snap model.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", productsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return fmt.Errorf("new sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("style: %w", err)
	}

	rows := [][]interface{}{{"ID", "Name", "Price", "Category"}}
	for _, p := range snap.Products {
		rows = append(rows, []interface{}{p.ID, p.Name, p.Price, p.Category})
	}
	if err := writeRows(f, productsSheet, rows, header); err != nil {
		return err
	}

	rows = [][]interface{}{{
		"Invoice No", "Created At", "Vendor", "Customer", "Item", "Price", "Quantity", "Line Total",
		"Grand Total", "Discount %", "Discount Amount", "Final Total",
	}}
	for _, inv := range snap.History {
		created := inv.CreatedAt.UTC().Format("2006-01-02 15:04:05")
		for _, it := range inv.Items {
			rows = append(rows, []interface{}{
				inv.InvoiceNo, created, inv.VendorName, inv.CustomerName, it.Name, it.Price, it.Quantity, it.Total,
				inv.GrandTotal, inv.Discount, inv.DiscountAmount, inv.FinalTotal,
			})
		}
	}
	if err := writeRows(f, historySheet, rows, header); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("%s header style: %w", sheet, err)
	}
	return nil
}
