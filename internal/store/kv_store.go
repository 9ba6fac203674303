package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"billbook/internal/apperror"
	"billbook/internal/changelog"
	"billbook/internal/model"
)

var (
	productPrefix = []byte(Products + "/")
	historyPrefix = []byte(History + "/")
	settingPrefix = []byte(Settings + "/")
	seqPrefix     = []byte("seq/")
)

func recordKey(prefix []byte, id string) []byte {
	return append(append([]byte(nil), prefix...), id...)
}

// KVStore keeps each collection under its own key prefix as JSON documents.
type KVStore struct {
	kv   KV
	mu   sync.Mutex // serializes writers; readers go straight to kv
	opts options
}

// NewKVStore wraps an opened engine. The store owns kv and closes it.
func NewKVStore(kv KV, opts ...Option) *KVStore {
	return &KVStore{kv: kv, opts: buildOptions(opts)}
}

// OpenPebble opens a pebble-backed store at dir.
func OpenPebble(dir string, opts ...Option) (*KVStore, error) {
	kv, err := NewPebbleKV(dir)
	if err != nil {
		return nil, apperror.NewStorageError("open", err)
	}
	return NewKVStore(kv, opts...), nil
}

// OpenMemory returns a store that lives only as long as the process.
func OpenMemory(opts ...Option) *KVStore {
	return NewKVStore(NewMemoryKV(), opts...)
}

func (s *KVStore) Close() error {
	if err := s.kv.Close(); err != nil {
		return apperror.NewStorageError("close", err)
	}
	return nil
}

func (s *KVStore) Subscribe(buffer int) (<-chan changelog.Event, func()) {
	return s.opts.hub.Subscribe(buffer)
}

func getJSON[T any](kv KV, key []byte) (T, bool, error) {
	var out T
	raw, ok, err := kv.Get(key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

func scanJSON[T any](kv KV, prefix []byte) ([]T, error) {
	var out []T
	err := kv.Scan(prefix, func(key, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func setJSON(b *Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b.Set(key, raw)
	return nil
}

func (s *KVStore) tracker() *seqTracker {
	return newSeqTracker(s.opts.ids, func(collection string) (int64, error) {
		raw, ok, err := s.kv.Get(recordKey(seqPrefix, collection))
		if err != nil || !ok {
			return 0, err
		}
		return strconv.ParseInt(string(raw), 10, 64)
	})
}

// commit writes b plus any moved sequences.
func (s *KVStore) commit(b *Batch, seq *seqTracker) error {
	if seq != nil {
		for c, v := range seq.changed() {
			b.Set(recordKey(seqPrefix, c), []byte(strconv.FormatInt(v, 10)))
		}
	}
	return s.kv.Commit(b)
}

func (s *KVStore) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.tracker()
	id, err := seq.next(Products)
	if err != nil {
		return model.Product{}, apperror.NewStorageError("create product", err)
	}
	p.ID = id
	b := &Batch{}
	if err := setJSON(b, recordKey(productPrefix, id), p); err != nil {
		return model.Product{}, apperror.NewStorageError("create product", err)
	}
	if err := s.commit(b, seq); err != nil {
		return model.Product{}, apperror.NewStorageError("create product", err)
	}
	s.opts.emit(Products, changelog.OpPut, id)
	return p, nil
}

func (s *KVStore) PutProduct(ctx context.Context, p model.Product) error {
	if p.ID == "" {
		return apperror.Invalid("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.tracker()
	if err := seq.raise(Products, p.ID); err != nil {
		return apperror.NewStorageError("put product", err)
	}
	b := &Batch{}
	if err := setJSON(b, recordKey(productPrefix, p.ID), p); err != nil {
		return apperror.NewStorageError("put product", err)
	}
	if err := s.commit(b, seq); err != nil {
		return apperror.NewStorageError("put product", err)
	}
	s.opts.emit(Products, changelog.OpPut, p.ID)
	return nil
}

func (s *KVStore) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(productPrefix, id)
	cur, ok, err := getJSON[model.Product](s.kv, key)
	if err != nil {
		return model.Product{}, apperror.NewStorageError("update product", err)
	}
	if !ok {
		return model.Product{}, apperror.NewNotFoundError("product", id)
	}
	patch.apply(&cur)
	cur.ID = id
	b := &Batch{}
	if err := setJSON(b, key, cur); err != nil {
		return model.Product{}, apperror.NewStorageError("update product", err)
	}
	if err := s.commit(b, nil); err != nil {
		return model.Product{}, apperror.NewStorageError("update product", err)
	}
	s.opts.emit(Products, changelog.OpPut, id)
	return cur, nil
}

func (s *KVStore) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteRecord(Products, productPrefix, id)
}

func (s *KVStore) deleteRecord(collection string, prefix []byte, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(prefix, id)
	_, ok, err := s.kv.Get(key)
	if err != nil {
		return apperror.NewStorageError("delete "+collection, err)
	}
	if !ok {
		return nil
	}
	b := &Batch{}
	b.Delete(key)
	if err := s.commit(b, nil); err != nil {
		return apperror.NewStorageError("delete "+collection, err)
	}
	s.opts.emit(collection, changelog.OpDelete, id)
	return nil
}

func (s *KVStore) GetProduct(ctx context.Context, id string) (model.Product, bool, error) {
	p, ok, err := getJSON[model.Product](s.kv, recordKey(productPrefix, id))
	if err != nil {
		return model.Product{}, false, apperror.NewStorageError("get product", err)
	}
	return p, ok, nil
}

func (s *KVStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	ps, err := scanJSON[model.Product](s.kv, productPrefix)
	if err != nil {
		return nil, apperror.NewStorageError("list products", err)
	}
	sortProducts(ps)
	return ps, nil
}

func (s *KVStore) CreateInvoice(ctx context.Context, inv model.Invoice) (model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.tracker()
	id, err := seq.next(History)
	if err != nil {
		return model.Invoice{}, apperror.NewStorageError("create invoice", err)
	}
	inv.ID = id
	b := &Batch{}
	if err := setJSON(b, recordKey(historyPrefix, id), inv); err != nil {
		return model.Invoice{}, apperror.NewStorageError("create invoice", err)
	}
	if err := s.commit(b, seq); err != nil {
		return model.Invoice{}, apperror.NewStorageError("create invoice", err)
	}
	s.opts.emit(History, changelog.OpPut, id)
	return inv, nil
}

func (s *KVStore) PutInvoice(ctx context.Context, inv model.Invoice) error {
	if inv.ID == "" {
		return apperror.Invalid("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.tracker()
	if err := seq.raise(History, inv.ID); err != nil {
		return apperror.NewStorageError("put invoice", err)
	}
	b := &Batch{}
	if err := setJSON(b, recordKey(historyPrefix, inv.ID), inv); err != nil {
		return apperror.NewStorageError("put invoice", err)
	}
	if err := s.commit(b, seq); err != nil {
		return apperror.NewStorageError("put invoice", err)
	}
	s.opts.emit(History, changelog.OpPut, inv.ID)
	return nil
}

func (s *KVStore) DeleteInvoice(ctx context.Context, id string) error {
	return s.deleteRecord(History, historyPrefix, id)
}

func (s *KVStore) GetInvoice(ctx context.Context, id string) (model.Invoice, bool, error) {
	inv, ok, err := getJSON[model.Invoice](s.kv, recordKey(historyPrefix, id))
	if err != nil {
		return model.Invoice{}, false, apperror.NewStorageError("get invoice", err)
	}
	return inv, ok, nil
}

func (s *KVStore) ListInvoices(ctx context.Context) ([]model.Invoice, error) {
	invs, err := scanJSON[model.Invoice](s.kv, historyPrefix)
	if err != nil {
		return nil, apperror.NewStorageError("list invoices", err)
	}
	sortInvoices(invs)
	return invs, nil
}

func (s *KVStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.kv.Get(recordKey(settingPrefix, key))
	if err != nil {
		return "", false, apperror.NewStorageError("get setting", err)
	}
	return string(raw), ok, nil
}

func (s *KVStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Batch{}
	b.Set(recordKey(settingPrefix, key), []byte(value))
	if err := s.commit(b, nil); err != nil {
		return apperror.NewStorageError("put setting", err)
	}
	s.opts.emit(Settings, changelog.OpPut, key)
	return nil
}

func (s *KVStore) DeleteSetting(ctx context.Context, key string) error {
	return s.deleteRecord(Settings, settingPrefix, key)
}

func (s *KVStore) UpdateSetting(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(settingPrefix, key)
	raw, ok, err := s.kv.Get(k)
	if err != nil {
		return "", apperror.NewStorageError("update setting", err)
	}
	next, err := fn(string(raw), ok)
	if err != nil {
		return "", err
	}
	b := &Batch{}
	b.Set(k, []byte(next))
	if err := s.commit(b, nil); err != nil {
		return "", apperror.NewStorageError("update setting", err)
	}
	s.opts.emit(Settings, changelog.OpPut, key)
	return next, nil
}

func (s *KVStore) ReplaceAll(ctx context.Context, products []model.Product, invoices []model.Invoice) (Replacement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Batch{}
	var res Replacement
	for _, c := range []struct {
		prefix []byte
		ids    *[]string
	}{{productPrefix, &res.RemovedProductIDs}, {historyPrefix, &res.RemovedInvoiceIDs}} {
		err := s.kv.Scan(c.prefix, func(key, _ []byte) error {
			b.Delete(key)
			*c.ids = append(*c.ids, string(key[len(c.prefix):]))
			return nil
		})
		if err != nil {
			return Replacement{}, apperror.NewStorageError("replace all", err)
		}
	}

	seq := s.tracker()
	out := model.Snapshot{Products: make([]model.Product, 0, len(products)), History: make([]model.Invoice, 0, len(invoices))}
	productIDs := make([]string, 0, len(products))
	for _, p := range products {
		id, err := seq.next(Products)
		if err != nil {
			return Replacement{}, apperror.NewStorageError("replace all", err)
		}
		p.ID = id
		if err := setJSON(b, recordKey(productPrefix, id), p); err != nil {
			return Replacement{}, apperror.NewStorageError("replace all", err)
		}
		out.Products = append(out.Products, p)
		productIDs = append(productIDs, id)
	}
	invoiceIDs := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		id, err := seq.next(History)
		if err != nil {
			return Replacement{}, apperror.NewStorageError("replace all", err)
		}
		inv.ID = id
		if err := setJSON(b, recordKey(historyPrefix, id), inv); err != nil {
			return Replacement{}, apperror.NewStorageError("replace all", err)
		}
		out.History = append(out.History, inv)
		invoiceIDs = append(invoiceIDs, id)
	}
	if err := s.commit(b, seq); err != nil {
		return Replacement{}, apperror.NewStorageError("replace all", err)
	}
	s.opts.emit(Products, changelog.OpReplace, productIDs...)
	s.opts.emit(History, changelog.OpReplace, invoiceIDs...)
	res.Stored = out
	return res, nil
}
