package report

import (
	"testing"
	"time"

	"billbook/internal/model"
)

func TestWindowStart_LocalDay(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	// 20:00 UTC on May 1 is already May 2 in UTC+7
	ts := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	want := time.Date(2024, 5, 2, 0, 0, 0, 0, loc).Unix()
	if got := WindowStart(ts, loc); got != want {
		t.Fatalf("WindowStart=%d want %d", got, want)
	}
}

func TestDaily_BucketsAndSums(t *testing.T) {
	d1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	invs := []model.Invoice{
		{GrandTotal: 60, DiscountAmount: 6, FinalTotal: 54, CreatedAt: d1},
		{GrandTotal: 0.1, FinalTotal: 0.1, CreatedAt: d1.Add(time.Hour)},
		{GrandTotal: 0.2, FinalTotal: 0.2, CreatedAt: d1.Add(2 * time.Hour)},
		{GrandTotal: 15, FinalTotal: 15, CreatedAt: d2},
	}
	days := Daily(invs, time.UTC)
	if len(days) != 2 {
		t.Fatalf("want 2 days, got %d", len(days))
	}
	if days[0].Day != "2024-05-02" || days[0].Invoices != 1 {
		t.Fatalf("newest day first: %+v", days[0])
	}
	if days[1].Invoices != 3 || days[1].GrandTotal != 60.3 || days[1].FinalTotal != 54.3 || days[1].DiscountAmount != 6 {
		t.Fatalf("bad sums: %+v", days[1])
	}
}

func TestItems_RanksByAmount(t *testing.T) {
	invs := []model.Invoice{
		{Items: []model.BillItem{model.NewBillItem("Tea", 20, 3), model.NewBillItem("Coffee", 15, 1)}},
		{Items: []model.BillItem{model.NewBillItem("Coffee", 15, 2)}},
	}
	items := Items(invs)
	if len(items) != 2 || items[0].Name != "Tea" || items[0].Amount != 60 {
		t.Fatalf("bad ranking: %+v", items)
	}
	if items[1].Quantity != 3 || items[1].Amount != 45 {
		t.Fatalf("coffee totals: %+v", items[1])
	}
}
