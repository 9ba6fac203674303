package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the number of decimal places amounts are rounded to.
const AmountPlaces int32 = 2

var hundred = decimal.NewFromInt(100)

// Totals holds the precomputed amounts of an invoice.
type Totals struct {
	GrandTotal     float64
	DiscountAmount float64
	FinalTotal     float64
}

func amount(f float64) decimal.Decimal { return decimal.NewFromFloat(f).Round(AmountPlaces) }

// NewBillItem builds a line with total = price * quantity.
func NewBillItem(name string, price float64, quantity int) BillItem {
	total := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(quantity))).Round(AmountPlaces)
	return BillItem{Name: name, Price: price, Quantity: quantity, Total: total.InexactFloat64()}
}

// ComputeTotals sums item totals and applies a percentage discount.
// discount_amount = round(grand_total * discount / 100), final_total = grand_total - discount_amount.
func ComputeTotals(items []BillItem, discount float64) Totals {
	grand := decimal.Zero
	for _, it := range items {
		grand = grand.Add(amount(it.Total))
	}
	discAmt := discountAmount(grand, discount)
	return Totals{
		GrandTotal:     grand.InexactFloat64(),
		DiscountAmount: discAmt.InexactFloat64(),
		FinalTotal:     grand.Sub(discAmt).InexactFloat64(),
	}
}

// NewDraft assembles a draft with consistent totals.
func NewDraft(vendor, customer string, items []BillItem, discount float64) InvoiceDraft {
	t := ComputeTotals(items, discount)
	return InvoiceDraft{
		VendorName:     vendor,
		CustomerName:   customer,
		Items:          items,
		GrandTotal:     t.GrandTotal,
		Discount:       discount,
		DiscountAmount: t.DiscountAmount,
		FinalTotal:     t.FinalTotal,
	}
}

func discountAmount(grand decimal.Decimal, discount float64) decimal.Decimal {
	return grand.Mul(decimal.NewFromFloat(discount)).Div(hundred).Round(AmountPlaces)
}

// CheckTotals verifies the stored amounts of a draft are mutually consistent.
// It returns the name of the first inconsistent field, or "" when all hold.
func CheckTotals(d InvoiceDraft) (string, error) {
	grand := decimal.Zero
	for i, it := range d.Items {
		want := decimal.NewFromFloat(it.Price).Mul(decimal.NewFromInt(int64(it.Quantity))).Round(AmountPlaces)
		if !amount(it.Total).Equal(want) {
			return fmt.Sprintf("items[%d].total", i), fmt.Errorf("total %v != price*quantity %s", it.Total, want)
		}
		grand = grand.Add(want)
	}
	if !amount(d.GrandTotal).Equal(grand) {
		return "grand_total", fmt.Errorf("grand_total %v != sum of items %s", d.GrandTotal, grand)
	}
	// Callers may round the discount to whole units or to cents.
	exact := grand.Mul(decimal.NewFromFloat(d.Discount)).Div(hundred)
	discAmt := amount(d.DiscountAmount)
	if !discAmt.Equal(exact.Round(0)) && !discAmt.Equal(exact.Round(AmountPlaces)) {
		return "discount_amount", fmt.Errorf("discount_amount %v is neither %s nor %s",
			d.DiscountAmount, exact.Round(0), exact.Round(AmountPlaces))
	}
	if !amount(d.FinalTotal).Equal(grand.Sub(discAmt)) {
		return "final_total", fmt.Errorf("final_total %v != %s", d.FinalTotal, grand.Sub(discAmt))
	}
	return "", nil
}
