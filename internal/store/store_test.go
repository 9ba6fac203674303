package store

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"billbook/internal/apperror"
	"billbook/internal/changelog"
	"billbook/internal/model"
)

type backend struct {
	name string
	open func(t *testing.T, opts ...Option) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, opts ...Option) Store { return OpenMemory(opts...) }},
		{"pebble", func(t *testing.T, opts ...Option) Store {
			s, err := OpenPebble(t.TempDir(), opts...)
			if err != nil {
				t.Fatalf("pebble open: %v", err)
			}
			return s
		}},
		{"badger", func(t *testing.T, opts ...Option) Store {
			kv, err := NewBadgerKV("", nil)
			if err != nil {
				t.Fatalf("badger open: %v", err)
			}
			return NewKVStore(kv, opts...)
		}},
		{"sqlite", func(t *testing.T, opts ...Option) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), opts...)
			if err != nil {
				t.Fatalf("sqlite open: %v", err)
			}
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open func(opts ...Option) Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, func(opts ...Option) Store {
				s := b.open(t, opts...)
				t.Cleanup(func() { _ = s.Close() })
				return s
			})
		})
	}
}

func TestStore_CreateAssignsSequentialIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		a, err := s.CreateProduct(ctx, model.Product{Name: "Tea", Price: 10, Category: "Drinks"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		b, err := s.CreateProduct(ctx, model.Product{Name: "Coffee", Price: 15})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if a.ID != "1" || b.ID != "2" {
			t.Fatalf("want ids 1,2 got %q,%q", a.ID, b.ID)
		}

		// deleting the newest never hands its id out again
		if err := s.DeleteProduct(ctx, b.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		c, err := s.CreateProduct(ctx, model.Product{Name: "Juice", Price: 5})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if c.ID != "3" {
			t.Fatalf("want id 3 after delete, got %q", c.ID)
		}
	})
}

func TestStore_PutRaisesSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		if err := s.PutProduct(ctx, model.Product{ID: "7", Name: "Remote", Price: 1}); err != nil {
			t.Fatalf("put: %v", err)
		}
		p, err := s.CreateProduct(ctx, model.Product{Name: "Local", Price: 2})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if p.ID != "8" {
			t.Fatalf("want id 8 after put of 7, got %q", p.ID)
		}
	})
}

func TestStore_UUIDStrategy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		s := open(WithIDStrategy(UUIDIDs))
		p, err := s.CreateProduct(context.Background(), model.Product{Name: "Tea", Price: 1})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if len(p.ID) != 36 {
			t.Fatalf("want uuid id, got %q", p.ID)
		}
	})
}

func TestStore_UpdateMergesAndMissingIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		p, _ := s.CreateProduct(ctx, model.Product{Name: "Tea", Price: 10, Category: "Drinks"})

		price := 12.5
		got, err := s.UpdateProduct(ctx, p.ID, ProductPatch{Price: &price})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.Name != "Tea" || got.Price != 12.5 || got.Category != "Drinks" {
			t.Fatalf("partial update lost fields: %+v", got)
		}
		stored, ok, err := s.GetProduct(ctx, p.ID)
		if err != nil || !ok || stored != got {
			t.Fatalf("get after update: %+v ok=%v err=%v", stored, ok, err)
		}

		_, err = s.UpdateProduct(ctx, "404", ProductPatch{Price: &price})
		if !apperror.IsKind(err, apperror.NotFound) {
			t.Fatalf("want NotFound, got %v", err)
		}
	})
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		inv, err := s.CreateInvoice(ctx, model.Invoice{InvoiceNo: "INV-001", CreatedAt: time.Now()})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := s.DeleteInvoice(ctx, inv.ID); err != nil {
				t.Fatalf("delete #%d: %v", i, err)
			}
		}
		if err := s.DeleteInvoice(ctx, "missing"); err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		if _, ok, _ := s.GetInvoice(ctx, inv.ID); ok {
			t.Fatalf("invoice still present")
		}
	})
}

func TestStore_ListOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		for i := 0; i < 11; i++ {
			if _, err := s.CreateProduct(ctx, model.Product{Name: "p", Price: float64(i)}); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		ps, err := s.ListProducts(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ps) != 11 || ps[1].ID != "2" || ps[10].ID != "11" {
			t.Fatalf("want numeric id order, got %v..%v", ps[1].ID, ps[len(ps)-1].ID)
		}

		base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		for i, no := range []string{"INV-001", "INV-002", "INV-003"} {
			inv := model.Invoice{InvoiceNo: no, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
			if _, err := s.CreateInvoice(ctx, inv); err != nil {
				t.Fatalf("create invoice: %v", err)
			}
		}
		invs, err := s.ListInvoices(ctx)
		if err != nil {
			t.Fatalf("list invoices: %v", err)
		}
		if len(invs) != 3 || invs[0].InvoiceNo != "INV-003" || invs[2].InvoiceNo != "INV-001" {
			t.Fatalf("want newest first, got %+v", invs)
		}
		if !invs[0].CreatedAt.Equal(base.Add(2 * time.Hour)) {
			t.Fatalf("created_at not preserved: %v", invs[0].CreatedAt)
		}
	})
}

func TestStore_InvoiceItemsRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		items := []model.BillItem{model.NewBillItem("Tea", 10, 3), model.NewBillItem("Coffee", 15, 2)}
		inv, err := s.CreateInvoice(ctx, model.Invoice{InvoiceNo: "INV-001", Items: items, GrandTotal: 60, CreatedAt: time.Now()})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		got, ok, err := s.GetInvoice(ctx, inv.ID)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if len(got.Items) != 2 || got.Items[1].Total != 30 || got.GrandTotal != 60 {
			t.Fatalf("items lost: %+v", got)
		}
	})
}

func TestStore_Settings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		if _, ok, err := s.GetSetting(ctx, model.SettingVendorName); err != nil || ok {
			t.Fatalf("fresh store has setting: ok=%v err=%v", ok, err)
		}
		if err := s.PutSetting(ctx, model.SettingVendorName, "Corner Shop"); err != nil {
			t.Fatalf("put: %v", err)
		}
		v, ok, err := s.GetSetting(ctx, model.SettingVendorName)
		if err != nil || !ok || v != "Corner Shop" {
			t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
		}

		next, err := s.UpdateSetting(ctx, model.SettingInvoiceCounter, func(cur string, ok bool) (string, error) {
			if ok {
				t.Fatalf("counter should start absent, got %q", cur)
			}
			return "1", nil
		})
		if err != nil || next != "1" {
			t.Fatalf("update: %q %v", next, err)
		}

		if err := s.DeleteSetting(ctx, model.SettingVendorName); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetSetting(ctx, model.SettingVendorName); ok {
			t.Fatalf("setting survived delete")
		}
	})
}

func TestStore_UpdateSettingErrorLeavesValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		_ = s.PutSetting(ctx, "k", "v1")
		_, err := s.UpdateSetting(ctx, "k", func(string, bool) (string, error) {
			return "", apperror.Invalid("k", "rejected")
		})
		if !apperror.IsKind(err, apperror.Validation) {
			t.Fatalf("fn error should pass through, got %v", err)
		}
		if v, _, _ := s.GetSetting(ctx, "k"); v != "v1" {
			t.Fatalf("value changed: %q", v)
		}
	})
}

func TestStore_ReplaceAllAssignsFreshIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		for i := 0; i < 3; i++ {
			_, _ = s.CreateProduct(ctx, model.Product{Name: "old", Price: 1})
		}
		_, _ = s.CreateInvoice(ctx, model.Invoice{InvoiceNo: "INV-001", CreatedAt: time.Now()})

		created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		res, err := s.ReplaceAll(ctx,
			[]model.Product{{ID: "x", Name: "Tea", Price: 10}},
			[]model.Invoice{{ID: "y", InvoiceNo: "INV-042", CreatedAt: created}})
		if err != nil {
			t.Fatalf("replace: %v", err)
		}
		snap := res.Stored
		removed := append([]string(nil), res.RemovedProductIDs...)
		sort.Strings(removed)
		if !reflect.DeepEqual(removed, []string{"1", "2", "3"}) || !reflect.DeepEqual(res.RemovedInvoiceIDs, []string{"1"}) {
			t.Fatalf("removed ids: products=%v invoices=%v", res.RemovedProductIDs, res.RemovedInvoiceIDs)
		}
		if snap.Products[0].ID != "4" || snap.History[0].ID != "2" {
			t.Fatalf("want fresh ids 4 and 2, got %q and %q", snap.Products[0].ID, snap.History[0].ID)
		}

		ps, _ := s.ListProducts(ctx)
		invs, _ := s.ListInvoices(ctx)
		if len(ps) != 1 || ps[0].Name != "Tea" {
			t.Fatalf("products not replaced: %+v", ps)
		}
		if len(invs) != 1 || invs[0].InvoiceNo != "INV-042" || !invs[0].CreatedAt.Equal(created) {
			t.Fatalf("history not replaced: %+v", invs)
		}
	})
}

func TestStore_SubscribersSeeCommittedWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open func(...Option) Store) {
		ctx := context.Background()
		s := open()
		ch, cancel := s.Subscribe(16)
		defer cancel()

		p, _ := s.CreateProduct(ctx, model.Product{Name: "Tea", Price: 1})
		_ = s.DeleteProduct(ctx, p.ID)
		_ = s.DeleteProduct(ctx, p.ID) // no-op, no event

		want := []changelog.Op{changelog.OpPut, changelog.OpDelete}
		for _, op := range want {
			select {
			case e := <-ch:
				if e.Op != op || e.Collection != Products || e.IDs[0] != p.ID {
					t.Fatalf("want %s on %s, got %+v", op, p.ID, e)
				}
			case <-time.After(time.Second):
				t.Fatalf("missing %s event", op)
			}
		}
		select {
		case e := <-ch:
			t.Fatalf("unexpected event %+v", e)
		default:
		}
	})
}
