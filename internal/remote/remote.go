// Package remote mirrors one user's products and invoices to a document store
// under users/{uid}/products/{id} and users/{uid}/history/{id}.
package remote

import (
	"context"

	"billbook/internal/model"
)

// Replica is the best-effort remote copy. When IsAvailable is false every
// other method is a no-op.
type Replica interface {
	IsAvailable() bool
	PutProduct(ctx context.Context, uid string, p model.Product) error
	DeleteProduct(ctx context.Context, uid, id string) error
	PutInvoice(ctx context.Context, uid string, inv model.Invoice) error
	DeleteInvoice(ctx context.Context, uid, id string) error
	ListProducts(ctx context.Context, uid string) ([]model.Product, error)
	ListInvoices(ctx context.Context, uid string) ([]model.Invoice, error)
	Close() error
}

const (
	usersCollection    = "users"
	productsCollection = "products"
	historyCollection  = "history"
)

// Disabled is the replica used when no remote is configured.
type Disabled struct{}

func (Disabled) IsAvailable() bool { return false }
func (Disabled) PutProduct(context.Context, string, model.Product) error { return nil }
func (Disabled) DeleteProduct(context.Context, string, string) error { return nil }
func (Disabled) PutInvoice(context.Context, string, model.Invoice) error { return nil }
func (Disabled) DeleteInvoice(context.Context, string, string) error { return nil }
func (Disabled) ListProducts(context.Context, string) ([]model.Product, error) { return nil, nil }
func (Disabled) ListInvoices(context.Context, string) ([]model.Invoice, error) { return nil, nil }
func (Disabled) Close() error { return nil }
