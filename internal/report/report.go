// Package report aggregates saved invoices into sales windows.
package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"billbook/internal/model"
)

// DayTotal is one calendar day of sales in the report's location.
type DayTotal struct {
	Day            string  `json:"day"` // YYYY-MM-DD
	WindowStart    int64   `json:"window_start"`
	Invoices       int     `json:"invoices"`
	GrandTotal     float64 `json:"grand_total"`
	DiscountAmount float64 `json:"discount_amount"`
	FinalTotal     float64 `json:"final_total"`
}

// ItemTotal is the quantity and revenue of one item name across invoices.
type ItemTotal struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Amount   float64 `json:"amount"`
}

// Summary is the sales read model.
type Summary struct {
	Days  []DayTotal  `json:"days"`
	Items []ItemTotal `json:"items"`
}

// WindowStart returns the start of the local day containing t, as epoch seconds.
func WindowStart(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc).Unix()
}

type dayAcc struct {
	start            int64
	day              string
	n                int
	grand, disc, net decimal.Decimal
}

// Daily buckets invoices by local day, newest day first.
func Daily(invoices []model.Invoice, loc *time.Location) []DayTotal {
	if loc == nil {
		loc = time.UTC
	}
	acc := make(map[int64]*dayAcc)
	for _, inv := range invoices {
		ws := WindowStart(inv.CreatedAt, loc)
		a, ok := acc[ws]
		if !ok {
			a = &dayAcc{start: ws, day: inv.CreatedAt.In(loc).Format("2006-01-02")}
			acc[ws] = a
		}
		a.n++
		a.grand = a.grand.Add(decimal.NewFromFloat(inv.GrandTotal))
		a.disc = a.disc.Add(decimal.NewFromFloat(inv.DiscountAmount))
		a.net = a.net.Add(decimal.NewFromFloat(inv.FinalTotal))
	}
	out := make([]DayTotal, 0, len(acc))
	for _, a := range acc {
		out = append(out, DayTotal{
			Day:            a.day,
			WindowStart:    a.start,
			Invoices:       a.n,
			GrandTotal:     a.grand.Round(model.AmountPlaces).InexactFloat64(),
			DiscountAmount: a.disc.Round(model.AmountPlaces).InexactFloat64(),
			FinalTotal:     a.net.Round(model.AmountPlaces).InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart > out[j].WindowStart })
	return out
}

// Items totals sold lines by item name, best seller (by amount) first.
func Items(invoices []model.Invoice) []ItemTotal {
	qty := make(map[string]int)
	amt := make(map[string]decimal.Decimal)
	for _, inv := range invoices {
		for _, it := range inv.Items {
			qty[it.Name] += it.Quantity
			amt[it.Name] = amt[it.Name].Add(decimal.NewFromFloat(it.Total))
		}
	}
	out := make([]ItemTotal, 0, len(qty))
	for name, q := range qty {
		out = append(out, ItemTotal{Name: name, Quantity: q, Amount: amt[name].Round(model.AmountPlaces).InexactFloat64()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Summarize builds both views.
func Summarize(invoices []model.Invoice, loc *time.Location) Summary {
	return Summary{Days: Daily(invoices, loc), Items: Items(invoices)}
}
