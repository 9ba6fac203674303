package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"billbook/internal/changelog"
	"billbook/internal/model"
)

// Collection names. They are also the changelog Event.Collection values.
const (
	Products = "products"
	History  = "history"
	Settings = "settings"
)

// ProductPatch carries the fields to merge into an existing product. Nil fields are left unchanged.
type ProductPatch struct {
	Name     *string
	Price    *float64
	Category *string
}

func (p ProductPatch) apply(dst *model.Product) {
	if p.Name != nil {
		dst.Name = *p.Name
	}
	if p.Price != nil {
		dst.Price = *p.Price
	}
	if p.Category != nil {
		dst.Category = *p.Category
	}
}

// Store is the device-local system of record.
// Writers are serialized; every committed write is announced on the change hub.
type Store interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	PutProduct(ctx context.Context, p model.Product) error
	UpdateProduct(ctx context.Context, id string, patch ProductPatch) (model.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	GetProduct(ctx context.Context, id string) (model.Product, bool, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	CreateInvoice(ctx context.Context, inv model.Invoice) (model.Invoice, error)
	PutInvoice(ctx context.Context, inv model.Invoice) error
	DeleteInvoice(ctx context.Context, id string) error
	GetInvoice(ctx context.Context, id string) (model.Invoice, bool, error)
	ListInvoices(ctx context.Context) ([]model.Invoice, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	// UpdateSetting runs fn as an atomic read-modify-write of one settings row.
	UpdateSetting(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) (string, error)

	// ReplaceAll clears products and history, then inserts the given records under fresh ids.
	// The ids it removed are read in the same write.
	ReplaceAll(ctx context.Context, products []model.Product, invoices []model.Invoice) (Replacement, error)

	Subscribe(buffer int) (<-chan changelog.Event, func())
	Close() error
}

// Replacement is the outcome of ReplaceAll.
type Replacement struct {
	Stored            model.Snapshot
	RemovedProductIDs []string
	RemovedInvoiceIDs []string
}

// IDStrategy selects how record ids are allocated.
type IDStrategy string

const (
	// SequentialIDs issues "1", "2", ... per collection from a durable sequence that never rewinds.
	SequentialIDs IDStrategy = "sequential"
	// UUIDIDs issues random UUIDv4 strings, safe for concurrent creation on several devices.
	UUIDIDs IDStrategy = "uuid"
)

type options struct {
	ids IDStrategy
	hub *changelog.Hub
	now func() time.Time
}

type Option func(*options)

// WithIDStrategy overrides the default SequentialIDs.
func WithIDStrategy(s IDStrategy) Option {
	return func(o *options) {
		if s != "" {
			o.ids = s
		}
	}
}

// WithHub publishes change events to h instead of a private hub.
func WithHub(h *changelog.Hub) Option { return func(o *options) { o.hub = h } }

func buildOptions(opts []Option) options {
	o := options{ids: SequentialIDs, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.hub == nil {
		o.hub = changelog.NewHub(nil, nil)
	}
	return o
}

func (o options) emit(collection string, op changelog.Op, ids ...string) {
	_ = o.hub.Append(changelog.Event{Collection: collection, Op: op, IDs: ids, At: o.now().UTC()})
}

// seqTracker allocates ids inside one write; changed reports the sequence values that moved.
type seqTracker struct {
	strategy IDStrategy
	load     func(collection string) (int64, error)
	vals     map[string]int64
	dirty    map[string]bool
}

func newSeqTracker(strategy IDStrategy, load func(string) (int64, error)) *seqTracker {
	return &seqTracker{strategy: strategy, load: load, vals: map[string]int64{}, dirty: map[string]bool{}}
}

func (t *seqTracker) current(collection string) (int64, error) {
	if v, ok := t.vals[collection]; ok {
		return v, nil
	}
	v, err := t.load(collection)
	if err != nil {
		return 0, err
	}
	t.vals[collection] = v
	return v, nil
}

func (t *seqTracker) next(collection string) (string, error) {
	if t.strategy == UUIDIDs {
		return uuid.NewString(), nil
	}
	v, err := t.current(collection)
	if err != nil {
		return "", err
	}
	v++
	t.vals[collection] = v
	t.dirty[collection] = true
	return strconv.FormatInt(v, 10), nil
}

// raise keeps the sequence ahead of an explicitly stored numeric id so it is never handed out again.
func (t *seqTracker) raise(collection, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	v, err := t.current(collection)
	if err != nil {
		return err
	}
	if n > v {
		t.vals[collection] = n
		t.dirty[collection] = true
	}
	return nil
}

func (t *seqTracker) changed() map[string]int64 {
	out := make(map[string]int64, len(t.dirty))
	for c := range t.dirty {
		out[c] = t.vals[c]
	}
	return out
}

// lessID orders numeric ids numerically and everything else lexically, numeric first.
func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

func sortProducts(ps []model.Product) {
	sort.SliceStable(ps, func(i, j int) bool { return lessID(ps[i].ID, ps[j].ID) })
}

// sortInvoices orders newest first; ties fall back to id descending.
func sortInvoices(invs []model.Invoice) {
	sort.SliceStable(invs, func(i, j int) bool {
		if !invs[i].CreatedAt.Equal(invs[j].CreatedAt) {
			return invs[i].CreatedAt.After(invs[j].CreatedAt)
		}
		return lessID(invs[j].ID, invs[i].ID)
	})
}
