package model

import "time"

// DefaultCategory is assigned to products created without a category.
const DefaultCategory = "General"

// Settings keys.
const (
	SettingVendorName     = "vendorName"
	SettingInvoiceCounter = "invoiceCounter"
	SettingSessionUID     = "sessionUid"
)

// Product is a catalogue entry. ID doubles as the remote document id.
type Product struct {
	ID       string  `json:"id" firestore:"id"`
	Name     string  `json:"name" firestore:"name" validate:"notblank"`
	Price    float64 `json:"price" firestore:"price" validate:"gte=0"`
	Category string  `json:"category" firestore:"category"`
}

// BillItem is the sold line as it was at sale time, decoupled from the live Product.
type BillItem struct {
	Name     string  `json:"name" firestore:"name" validate:"notblank"`
	Price    float64 `json:"price" firestore:"price" validate:"gte=0"`
	Quantity int     `json:"quantity" firestore:"quantity" validate:"gt=0"`
	Total    float64 `json:"total" firestore:"total" validate:"gte=0"`
}

// Invoice is an immutable-once-saved billing record (a history item).
type Invoice struct {
	ID             string     `json:"id" firestore:"id"`
	InvoiceNo      string     `json:"invoice_no" firestore:"invoice_no"`
	VendorName     string     `json:"vendor_name" firestore:"vendor_name"`
	CustomerName   string     `json:"customer_name" firestore:"customer_name"`
	Items          []BillItem `json:"items" firestore:"items"`
	GrandTotal     float64    `json:"grand_total" firestore:"grand_total"`
	Discount       float64    `json:"discount" firestore:"discount"`
	DiscountAmount float64    `json:"discount_amount" firestore:"discount_amount"`
	FinalTotal     float64    `json:"final_total" firestore:"final_total"`
	CreatedAt      time.Time  `json:"created_at" firestore:"created_at"`
}

// InvoiceDraft is what a caller hands to SaveBill. Totals are precomputed (see ComputeTotals).
type InvoiceDraft struct {
	VendorName     string     `json:"vendor_name"`
	CustomerName   string     `json:"customer_name"`
	Items          []BillItem `json:"items" validate:"required,min=1,dive"`
	GrandTotal     float64    `json:"grand_total" validate:"gte=0"`
	Discount       float64    `json:"discount" validate:"gte=0,lte=100"`
	DiscountAmount float64    `json:"discount_amount" validate:"gte=0"`
	FinalTotal     float64    `json:"final_total"`
}

// Invoice stamps the draft into an invoice. ID, InvoiceNo and CreatedAt are left to the caller.
func (d InvoiceDraft) Invoice() Invoice {
	items := make([]BillItem, len(d.Items))
	copy(items, d.Items)
	return Invoice{
		VendorName:     d.VendorName,
		CustomerName:   d.CustomerName,
		Items:          items,
		GrandTotal:     d.GrandTotal,
		Discount:       d.Discount,
		DiscountAmount: d.DiscountAmount,
		FinalTotal:     d.FinalTotal,
	}
}

// Snapshot is the export/import document.
type Snapshot struct {
	Products []Product `json:"products"`
	History  []Invoice `json:"history"`
}
