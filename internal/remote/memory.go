package remote

import (
	"context"
	"sort"
	"sync"

	"billbook/internal/apperror"
	"billbook/internal/model"
)

// Op names passed to a MemoryReplica hook.
const (
	OpPutProduct    = "put_product"
	OpDeleteProduct = "delete_product"
	OpPutInvoice    = "put_invoice"
	OpDeleteInvoice = "delete_invoice"
	OpListProducts  = "list_products"
	OpListInvoices  = "list_invoices"
)

type userDocs struct {
	products map[string]model.Product
	invoices map[string]model.Invoice
}

// MemoryReplica keeps the remote layout in process. A hook can fail or stall
// any call, which is how tests simulate an unreachable backend.
type MemoryReplica struct {
	mu    sync.Mutex
	users map[string]*userDocs
	hook  func(ctx context.Context, op string) error
	calls map[string]int
}

func NewMemoryReplica() *MemoryReplica {
	return &MemoryReplica{users: make(map[string]*userDocs), calls: make(map[string]int)}
}

// SetHook installs fn to run before every call; a non-nil result fails the call.
func (m *MemoryReplica) SetHook(fn func(ctx context.Context, op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls reports how many times op was attempted.
func (m *MemoryReplica) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryReplica) before(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	m.mu.Unlock()
	if hook == nil {
		return nil
	}
	if err := hook(ctx, op); err != nil {
		return apperror.NewRemoteUnavailableError(op, err)
	}
	return nil
}

func (m *MemoryReplica) user(uid string) *userDocs {
	u, ok := m.users[uid]
	if !ok {
		u = &userDocs{products: map[string]model.Product{}, invoices: map[string]model.Invoice{}}
		m.users[uid] = u
	}
	return u
}

func (m *MemoryReplica) IsAvailable() bool { return true }

func (m *MemoryReplica) Close() error { return nil }

func (m *MemoryReplica) PutProduct(ctx context.Context, uid string, p model.Product) error {
	if err := m.before(ctx, OpPutProduct); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(uid).products[p.ID] = p
	return nil
}

func (m *MemoryReplica) DeleteProduct(ctx context.Context, uid, id string) error {
	if err := m.before(ctx, OpDeleteProduct); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.user(uid).products, id)
	return nil
}

func (m *MemoryReplica) PutInvoice(ctx context.Context, uid string, inv model.Invoice) error {
	if err := m.before(ctx, OpPutInvoice); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]model.BillItem, len(inv.Items))
	copy(items, inv.Items)
	inv.Items = items
	m.user(uid).invoices[inv.ID] = inv
	return nil
}

func (m *MemoryReplica) DeleteInvoice(ctx context.Context, uid, id string) error {
	if err := m.before(ctx, OpDeleteInvoice); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.user(uid).invoices, id)
	return nil
}

func (m *MemoryReplica) ListProducts(ctx context.Context, uid string) ([]model.Product, error) {
	if err := m.before(ctx, OpListProducts); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Product, 0, len(m.user(uid).products))
	for _, p := range m.user(uid).products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryReplica) ListInvoices(ctx context.Context, uid string) ([]model.Invoice, error) {
	if err := m.before(ctx, OpListInvoices); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Invoice, 0, len(m.user(uid).invoices))
	for _, inv := range m.user(uid).invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
