package restore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"billbook/internal/apperror"
	"billbook/internal/ledger"
	"billbook/internal/manifest"
	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/snapshot"
	"billbook/internal/store"
)

func sample() model.Snapshot {
	return model.Snapshot{
		Products: []model.Product{
			{ID: "7", Name: "Tea", Price: 20, Category: "General"},
			{ID: "9", Name: "Cake", Price: 35, Category: "Bakery"},
		},
		History: []model.Invoice{{
			ID: "3", InvoiceNo: "INV-012", VendorName: "Corner Shop",
			Items:      []model.BillItem{model.NewBillItem("Tea", 20, 3)},
			GrandTotal: 60, Discount: 10, DiscountAmount: 6, FinalTotal: 54,
			CreatedAt: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
		}},
	}
}

// Integration: snapshot -> manifest -> RestoreLatest -> ledger state
func TestRestoreLatest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	snaps := snapshot.NewFilesystemSnapshotter(base)
	if err := snaps.WriteSnapshot("b-1", sample()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	mf := manifest.NewFilesystemManifest(base)
	if err := mf.PublishLatest(ctx, manifest.Manifest{BackupID: "b-1", Products: 2, Invoices: 1}); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	st := store.OpenMemory()
	defer st.Close()
	l := ledger.New(st, ledger.Options{})
	defer l.Close()
	if _, err := l.AddProduct(ctx, ledger.ProductInput{Name: "Stale", Price: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := metrics.NewRegistry()
	res, err := NewRestorer(l, snaps, mf, nil, reg).RestoreLatest(ctx)
	if err != nil {
		t.Fatalf("RestoreLatest: %v", err)
	}
	if res.BackupID != "b-1" || res.Products != 2 || res.Invoices != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	ps, _ := l.Products(ctx)
	if len(ps) != 2 || ps[0].Name != "Tea" || ps[1].Name != "Cake" {
		t.Fatalf("products after restore: %+v", ps)
	}
	inv, err := l.SaveBill(ctx, model.NewDraft("Shop", "", []model.BillItem{model.NewBillItem("Tea", 20, 1)}, 0))
	if err != nil {
		t.Fatalf("save after restore: %v", err)
	}
	if inv.InvoiceNo != "INV-013" {
		t.Fatalf("counter not raised past restored invoices: %s", inv.InvoiceNo)
	}
	if testutil.ToFloat64(reg.RestoreTTRSec) <= 0 {
		t.Fatalf("ttr gauge not set")
	}
}

type fakeImporter struct {
	calls int
}

func (f *fakeImporter) ImportSnapshot(_ context.Context, snap model.Snapshot) (model.Snapshot, error) {
	f.calls++
	return snap, nil
}

func TestRestoreLatest_NoManifest(t *testing.T) {
	base := t.TempDir()
	imp := &fakeImporter{}
	r := NewRestorer(imp, snapshot.NewFilesystemSnapshotter(base), manifest.NewFilesystemManifest(base), nil, nil)
	_, err := r.RestoreLatest(context.Background())
	if !errors.Is(err, manifest.ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
	if imp.calls != 0 {
		t.Fatalf("import must not run")
	}
}

func TestRestoreLatest_CountMismatchRejected(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	snaps := snapshot.NewFilesystemSnapshotter(base)
	_ = snaps.WriteSnapshot("b-2", sample())
	mf := manifest.NewFilesystemManifest(base)
	_ = mf.PublishLatest(ctx, manifest.Manifest{BackupID: "b-2", Products: 2, Invoices: 5})

	imp := &fakeImporter{}
	_, err := NewRestorer(imp, snaps, mf, nil, nil).RestoreLatest(ctx)
	if !apperror.IsKind(err, apperror.ImportFormat) {
		t.Fatalf("want ImportFormat, got %v", err)
	}
	if imp.calls != 0 {
		t.Fatalf("import must not run on a torn backup")
	}
}

func TestRestore_ByIDSkipsCountCheck(t *testing.T) {
	base := t.TempDir()
	snaps := snapshot.NewFilesystemSnapshotter(base)
	_ = snaps.WriteSnapshot("b-3", sample())
	imp := &fakeImporter{}
	res, err := NewRestorer(imp, snaps, manifest.NewFilesystemManifest(base), nil, nil).Restore(context.Background(), "b-3")
	if err != nil || res.Invoices != 1 || imp.calls != 1 {
		t.Fatalf("res=%+v calls=%d err=%v", res, imp.calls, err)
	}
	if _, err := NewRestorer(imp, snaps, nil, nil, nil).Restore(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing backup")
	}
}

// fakeMessageReader serves queued messages, then stalls until the read deadline.
type fakeMessageReader struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeMessageReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeMessageReader) Close() error {
	f.closed = true
	return nil
}

func record(t *testing.T, key string, m manifest.Manifest) kafka.Message {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(key), Value: b}
}

func TestKafkaReader_LastRecordForKeyWins(t *testing.T) {
	fr := &fakeMessageReader{msgs: []kafka.Message{
		record(t, manifest.DefaultKey, manifest.Manifest{BackupID: "b-1"}),
		record(t, "other", manifest.Manifest{BackupID: "noise"}),
		record(t, manifest.DefaultKey, manifest.Manifest{BackupID: "b-2", Invoices: 3}),
	}}
	got, err := NewKafkaReaderWith(fr, manifest.DefaultKey, 10*time.Millisecond).ReadLatest(context.Background())
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if got.BackupID != "b-2" || got.Invoices != 3 {
		t.Fatalf("got %+v", got)
	}
	if !fr.closed {
		t.Fatalf("reader not closed")
	}
}

func TestKafkaReader_EmptyTopic(t *testing.T) {
	_, err := NewKafkaReaderWith(&fakeMessageReader{}, manifest.DefaultKey, 10*time.Millisecond).ReadLatest(context.Background())
	if !errors.Is(err, manifest.ErrNoManifest) {
		t.Fatalf("want ErrNoManifest, got %v", err)
	}
}

func TestKafkaReader_BadRecord(t *testing.T) {
	fr := &fakeMessageReader{msgs: []kafka.Message{{Key: []byte(manifest.DefaultKey), Value: []byte("{")}}}
	if _, err := NewKafkaReaderWith(fr, manifest.DefaultKey, 10*time.Millisecond).ReadLatest(context.Background()); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}
