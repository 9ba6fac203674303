package remote

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"billbook/internal/apperror"
	"billbook/internal/model"
)

// FirebaseConfig locates the Firebase project.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// Configured reports whether enough is set to reach Firebase.
func (c FirebaseConfig) Configured() bool { return c.ProjectID != "" }

// NewFirebaseApp builds the shared app used by the replica and the authenticator.
func NewFirebaseApp(ctx context.Context, cfg FirebaseConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	return app, nil
}

// FirestoreReplica stores one document per record.
type FirestoreReplica struct {
	client *firestore.Client
}

func NewFirestoreReplica(ctx context.Context, app *firebase.App) (*FirestoreReplica, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreReplica{client: client}, nil
}

func (f *FirestoreReplica) IsAvailable() bool { return f.client != nil }

func (f *FirestoreReplica) Close() error { return f.client.Close() }

func (f *FirestoreReplica) col(uid, name string) *firestore.CollectionRef {
	return f.client.Collection(usersCollection).Doc(uid).Collection(name)
}

func (f *FirestoreReplica) PutProduct(ctx context.Context, uid string, p model.Product) error {
	if _, err := f.col(uid, productsCollection).Doc(p.ID).Set(ctx, p); err != nil {
		return apperror.NewRemoteUnavailableError("put product", err)
	}
	return nil
}

func (f *FirestoreReplica) DeleteProduct(ctx context.Context, uid, id string) error {
	if _, err := f.col(uid, productsCollection).Doc(id).Delete(ctx); err != nil {
		return apperror.NewRemoteUnavailableError("delete product", err)
	}
	return nil
}

func (f *FirestoreReplica) PutInvoice(ctx context.Context, uid string, inv model.Invoice) error {
	if _, err := f.col(uid, historyCollection).Doc(inv.ID).Set(ctx, inv); err != nil {
		return apperror.NewRemoteUnavailableError("put invoice", err)
	}
	return nil
}

func (f *FirestoreReplica) DeleteInvoice(ctx context.Context, uid, id string) error {
	if _, err := f.col(uid, historyCollection).Doc(id).Delete(ctx); err != nil {
		return apperror.NewRemoteUnavailableError("delete invoice", err)
	}
	return nil
}

func (f *FirestoreReplica) ListProducts(ctx context.Context, uid string) ([]model.Product, error) {
	out, err := listDocs(ctx, f.col(uid, productsCollection), func(p *model.Product, id string) { p.ID = id })
	if err != nil {
		return nil, apperror.NewRemoteUnavailableError("list products", err)
	}
	return out, nil
}

func (f *FirestoreReplica) ListInvoices(ctx context.Context, uid string) ([]model.Invoice, error) {
	out, err := listDocs(ctx, f.col(uid, historyCollection), func(inv *model.Invoice, id string) { inv.ID = id })
	if err != nil {
		return nil, apperror.NewRemoteUnavailableError("list invoices", err)
	}
	return out, nil
}

// listDocs decodes every document in col; the document id always wins over a stored id field.
func listDocs[T any](ctx context.Context, col *firestore.CollectionRef, setID func(*T, string)) ([]T, error) {
	it := col.Documents(ctx)
	defer it.Stop()
	var out []T
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var v T
		if err := doc.DataTo(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Ref.Path, err)
		}
		setID(&v, doc.Ref.ID)
		out = append(out, v)
	}
}
