// Package ledger is the single entry point for every change to the billing
// data. Each mutation commits locally first; the remote mirror runs afterwards
// and its outcome never reaches the caller.
package ledger

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"billbook/internal/apperror"
	"billbook/internal/changelog"
	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/reconcile"
	"billbook/internal/remote"
	"billbook/internal/report"
	"billbook/internal/sequence"
	"billbook/internal/session"
	"billbook/internal/snapshot"
	"billbook/internal/store"
)

const (
	defaultMirrorQueue   = 256
	defaultMirrorTimeout = 10 * time.Second
)

// Options tunes the ledger. Zero values pick defaults.
type Options struct {
	MirrorQueue   int
	MirrorTimeout time.Duration
	Replica       remote.Replica        // nil means remote.Disabled
	Authenticator session.Authenticator // nil disables sign-in
	Logger        logrus.FieldLogger
	Metrics       *metrics.Registry
	Now           func() time.Time
}

// ProductInput is the caller-supplied part of a product.
type ProductInput struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Category string  `json:"category"`
}

func (in ProductInput) product() model.Product {
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = model.DefaultCategory
	}
	return model.Product{Name: strings.TrimSpace(in.Name), Price: in.Price, Category: category}
}

type Ledger struct {
	store      store.Store
	seq        *sequence.Allocator
	replica    remote.Replica
	auth       session.Authenticator
	reconciler *reconcile.Reconciler
	mirror     *mirror
	log        logrus.FieldLogger
	metrics    *metrics.Registry
	now        func() time.Time

	uidMu   sync.RWMutex
	uid     string
	syncing atomic.Bool
	signIn  sync.Mutex // one reconcile at a time
}

func New(st store.Store, opts Options) *Ledger {
	if opts.Replica == nil {
		opts.Replica = remote.Disabled{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MirrorQueue <= 0 {
		opts.MirrorQueue = defaultMirrorQueue
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}
	seq := sequence.New(st)
	return &Ledger{
		store:      st,
		seq:        seq,
		replica:    opts.Replica,
		auth:       opts.Authenticator,
		reconciler: reconcile.New(st, opts.Replica, seq, opts.Logger, opts.Metrics),
		mirror:     newMirror(opts.MirrorQueue, opts.MirrorTimeout, opts.Logger, opts.Metrics),
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// SignedInUID returns the current session's uid, or "".
func (l *Ledger) SignedInUID() string {
	l.uidMu.RLock()
	defer l.uidMu.RUnlock()
	return l.uid
}

// IsSyncing reports whether a sign-in reconciliation is in flight.
func (l *Ledger) IsSyncing() bool { return l.syncing.Load() }

func (l *Ledger) setUID(uid string) {
	l.uidMu.Lock()
	l.uid = uid
	l.uidMu.Unlock()
}

// dispatch queues fn against the remote replica when a session is active.
func (l *Ledger) dispatch(collection, op, id string, fn func(ctx context.Context, uid string) error) {
	uid := l.SignedInUID()
	if uid == "" || !l.replica.IsAvailable() {
		return
	}
	l.mirror.enqueue(mirrorTask{
		uid: uid, collection: collection, op: op, id: id,
		run: func(ctx context.Context) error { return fn(ctx, uid) },
	})
}

func (l *Ledger) mirrorProduct(p model.Product) {
	l.dispatch(store.Products, "put", p.ID, func(ctx context.Context, uid string) error {
		return l.replica.PutProduct(ctx, uid, p)
	})
}

func (l *Ledger) mirrorProductDelete(id string) {
	l.dispatch(store.Products, "delete", id, func(ctx context.Context, uid string) error {
		return l.replica.DeleteProduct(ctx, uid, id)
	})
}

func (l *Ledger) mirrorInvoice(inv model.Invoice) {
	l.dispatch(store.History, "put", inv.ID, func(ctx context.Context, uid string) error {
		return l.replica.PutInvoice(ctx, uid, inv)
	})
}

func (l *Ledger) mirrorInvoiceDelete(id string) {
	l.dispatch(store.History, "delete", id, func(ctx context.Context, uid string) error {
		return l.replica.DeleteInvoice(ctx, uid, id)
	})
}

func (l *Ledger) AddProduct(ctx context.Context, in ProductInput) (model.Product, error) {
	p := in.product()
	if err := model.Validate(p); err != nil {
		return model.Product{}, err
	}
	created, err := l.store.CreateProduct(ctx, p)
	if err != nil {
		return model.Product{}, err
	}
	l.metrics.ProductsWritten.Inc()
	l.mirrorProduct(created)
	return created, nil
}

func (l *Ledger) UpdateProduct(ctx context.Context, id string, in ProductInput) (model.Product, error) {
	p := in.product()
	if err := model.Validate(p); err != nil {
		return model.Product{}, err
	}
	updated, err := l.store.UpdateProduct(ctx, id, store.ProductPatch{Name: &p.Name, Price: &p.Price, Category: &p.Category})
	if err != nil {
		return model.Product{}, err
	}
	l.metrics.ProductsWritten.Inc()
	l.mirrorProduct(updated)
	return updated, nil
}

func (l *Ledger) DeleteProduct(ctx context.Context, id string) error {
	if err := l.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	l.mirrorProductDelete(id)
	return nil
}

// SaveBill persists a draft as a new invoice. A blank vendor name falls back
// to the saved one. Totals must already be consistent (see model.ComputeTotals).
func (l *Ledger) SaveBill(ctx context.Context, draft model.InvoiceDraft) (model.Invoice, error) {
	draft.VendorName = strings.TrimSpace(draft.VendorName)
	if draft.VendorName == "" {
		saved, err := l.VendorName(ctx)
		if err != nil {
			return model.Invoice{}, err
		}
		draft.VendorName = saved
	}
	if err := validateDraft(draft); err != nil {
		return model.Invoice{}, err
	}

	no, err := l.seq.NextInvoiceNo(ctx)
	if err != nil {
		return model.Invoice{}, err
	}
	inv := draft.Invoice()
	inv.InvoiceNo = no
	inv.CreatedAt = l.now().UTC()
	saved, err := l.store.CreateInvoice(ctx, inv)
	if err != nil {
		return model.Invoice{}, err
	}
	l.metrics.InvoicesSaved.Inc()
	l.mirrorInvoice(saved)
	return saved, nil
}

func validateDraft(d model.InvoiceDraft) error {
	var fields []apperror.FieldError
	if d.VendorName == "" {
		fields = append(fields, apperror.FieldError{Field: "vendor_name", Message: "must not be empty"})
	}
	if err := model.Validate(d); err != nil {
		ae, ok := apperror.As(err)
		if !ok {
			return err
		}
		fields = append(fields, ae.Fields...)
	}
	if len(fields) > 0 {
		return apperror.NewValidationError(fields...)
	}
	if field, err := model.CheckTotals(d); err != nil {
		return apperror.Invalid(field, err.Error())
	}
	return nil
}

// DeleteHistoryItem removes an invoice. Its number is never issued again.
func (l *Ledger) DeleteHistoryItem(ctx context.Context, id string) error {
	if err := l.store.DeleteInvoice(ctx, id); err != nil {
		return err
	}
	l.mirrorInvoiceDelete(id)
	return nil
}

// SaveVendorName stores the display name used on new invoices. It is device-local.
func (l *Ledger) SaveVendorName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperror.Invalid("vendor_name", "must not be empty")
	}
	return l.store.PutSetting(ctx, model.SettingVendorName, name)
}

func (l *Ledger) VendorName(ctx context.Context) (string, error) {
	v, _, err := l.store.GetSetting(ctx, model.SettingVendorName)
	return v, err
}

func (l *Ledger) Products(ctx context.Context) ([]model.Product, error) {
	return l.store.ListProducts(ctx)
}

// History lists invoices newest first.
func (l *Ledger) History(ctx context.Context) ([]model.Invoice, error) {
	return l.store.ListInvoices(ctx)
}

func (l *Ledger) SalesSummary(ctx context.Context, loc *time.Location) (report.Summary, error) {
	invs, err := l.store.ListInvoices(ctx)
	if err != nil {
		return report.Summary{}, err
	}
	return report.Summarize(invs, loc), nil
}

// Subscribe streams committed local changes.
func (l *Ledger) Subscribe(buffer int) (<-chan changelog.Event, func()) {
	return l.store.Subscribe(buffer)
}

// SignIn authenticates credential, remembers the uid, then reconciles. It
// returns once the merge has finished.
func (l *Ledger) SignIn(ctx context.Context, credential string) (reconcile.Result, error) {
	if l.auth == nil {
		return reconcile.Result{}, apperror.NewRemoteUnavailableError("sign in", errNoAuthenticator)
	}
	uid, err := l.auth.Authenticate(ctx, credential)
	if err != nil {
		return reconcile.Result{}, err
	}
	if err := l.store.PutSetting(ctx, model.SettingSessionUID, uid); err != nil {
		return reconcile.Result{}, err
	}
	l.setUID(uid)
	l.log.WithField("uid", uid).Info("signed in")
	return l.sync(ctx, uid)
}

// ResumeSession restores a persisted session and reconciles it. ok is false
// when nobody was signed in.
func (l *Ledger) ResumeSession(ctx context.Context) (res reconcile.Result, ok bool, err error) {
	uid, found, err := l.store.GetSetting(ctx, model.SettingSessionUID)
	if err != nil || !found || uid == "" {
		return reconcile.Result{}, false, err
	}
	l.setUID(uid)
	l.log.WithField("uid", uid).Info("session restored")
	res, err = l.sync(ctx, uid)
	return res, true, err
}

func (l *Ledger) sync(ctx context.Context, uid string) (reconcile.Result, error) {
	l.signIn.Lock()
	defer l.signIn.Unlock()
	l.syncing.Store(true)
	l.metrics.Syncing.Set(1)
	defer func() {
		l.syncing.Store(false)
		l.metrics.Syncing.Set(0)
	}()
	return l.reconciler.Reconcile(ctx, uid)
}

// SignOut forgets the session. Local data is kept.
func (l *Ledger) SignOut(ctx context.Context) error {
	uid := l.SignedInUID()
	l.setUID("")
	if err := l.store.DeleteSetting(ctx, model.SettingSessionUID); err != nil {
		return err
	}
	if uid != "" {
		l.log.WithField("uid", uid).Info("signed out")
	}
	return nil
}

// ExportSnapshot reads both collections. Never returns nil slices.
func (l *Ledger) ExportSnapshot(ctx context.Context) (model.Snapshot, error) {
	products, err := l.store.ListProducts(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	invoices, err := l.store.ListInvoices(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	if products == nil {
		products = []model.Product{}
	}
	if invoices == nil {
		invoices = []model.Invoice{}
	}
	return model.Snapshot{Products: products, History: invoices}, nil
}

// WriteSnapshot exports and encodes to w.
func (l *Ledger) WriteSnapshot(ctx context.Context, w io.Writer) error {
	snap, err := l.ExportSnapshot(ctx)
	if err != nil {
		return err
	}
	return snapshot.Encode(w, snap)
}

// ReadSnapshot decodes r and imports it. Nothing is touched when r is malformed.
func (l *Ledger) ReadSnapshot(ctx context.Context, r io.Reader) (model.Snapshot, error) {
	snap, err := snapshot.Decode(r)
	if err != nil {
		return model.Snapshot{}, err
	}
	return l.ImportSnapshot(ctx, snap)
}

// ImportSnapshot replaces every product and invoice with the snapshot's records
// under fresh ids. invoice_no and created_at are kept. Every record is validated
// before anything is removed.
func (l *Ledger) ImportSnapshot(ctx context.Context, snap model.Snapshot) (model.Snapshot, error) {
	if snap.Products == nil || snap.History == nil {
		return model.Snapshot{}, apperror.NewImportFormatError("snapshot needs both products and history arrays", nil)
	}
	products := make([]model.Product, 0, len(snap.Products))
	for i, p := range snap.Products {
		if strings.TrimSpace(p.Category) == "" {
			p.Category = model.DefaultCategory
		}
		if err := model.Validate(p); err != nil {
			return model.Snapshot{}, apperror.NewImportFormatError(importRecordMsg("products", i), err)
		}
		products = append(products, p)
	}
	for i, inv := range snap.History {
		if err := validateImportedInvoice(inv); err != nil {
			return model.Snapshot{}, apperror.NewImportFormatError(importRecordMsg("history", i), err)
		}
	}

	replaced, err := l.store.ReplaceAll(ctx, products, snap.History)
	if err != nil {
		return model.Snapshot{}, err
	}
	stored := replaced.Stored
	if n := sequence.Highest(stored.History); n > 0 {
		if err := l.seq.EnsureAtLeast(ctx, n); err != nil {
			return model.Snapshot{}, err
		}
	}
	l.metrics.Imports.Inc()
	l.log.WithFields(logrus.Fields{"products": len(stored.Products), "invoices": len(stored.History)}).Info("snapshot imported")

	if l.SignedInUID() != "" && l.replica.IsAvailable() {
		for _, id := range replaced.RemovedProductIDs {
			l.mirrorProductDelete(id)
		}
		for _, id := range replaced.RemovedInvoiceIDs {
			l.mirrorInvoiceDelete(id)
		}
		for _, p := range stored.Products {
			l.mirrorProduct(p)
		}
		for _, inv := range stored.History {
			l.mirrorInvoice(inv)
		}
	}
	return stored, nil
}

// Flush waits for queued remote writes to finish.
func (l *Ledger) Flush(ctx context.Context) error { return l.mirror.flush(ctx) }

// Close drains the mirror queue. The store is owned by the caller.
func (l *Ledger) Close() { l.mirror.close() }
