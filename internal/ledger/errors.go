package ledger

import (
	"errors"
	"fmt"

	"billbook/internal/model"
)

var errNoAuthenticator = errors.New("sign-in is not configured")

func importRecordMsg(collection string, i int) string {
	return fmt.Sprintf("%s[%d] is invalid", collection, i)
}

// validateImportedInvoice holds an imported invoice to the same rules as a new bill.
func validateImportedInvoice(inv model.Invoice) error {
	if inv.InvoiceNo == "" || inv.CreatedAt.IsZero() {
		return errors.New("invoice_no and created_at are required")
	}
	d := model.InvoiceDraft{
		VendorName:     inv.VendorName,
		CustomerName:   inv.CustomerName,
		Items:          inv.Items,
		GrandTotal:     inv.GrandTotal,
		Discount:       inv.Discount,
		DiscountAmount: inv.DiscountAmount,
		FinalTotal:     inv.FinalTotal,
	}
	if err := model.Validate(d); err != nil {
		return err
	}
	if field, err := model.CheckTotals(d); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
