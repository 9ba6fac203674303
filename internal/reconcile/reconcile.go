// Package reconcile merges the local store with a user's remote replica once
// per authenticated session: push everything local, then pull what is missing.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/remote"
	"billbook/internal/sequence"
)

// Local is the part of the store the reconciler touches.
type Local interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	ListInvoices(ctx context.Context) ([]model.Invoice, error)
	GetProduct(ctx context.Context, id string) (model.Product, bool, error)
	GetInvoice(ctx context.Context, id string) (model.Invoice, bool, error)
	PutProduct(ctx context.Context, p model.Product) error
	PutInvoice(ctx context.Context, inv model.Invoice) error
}

// Result counts what one reconciliation did. Skipped are remote records that
// already existed locally; Failed are records that could not be moved.
type Result struct {
	PushedProducts int
	PushedInvoices int
	PulledProducts int
	PulledInvoices int
	Skipped        int
	Failed         int
}

type Reconciler struct {
	local   Local
	replica remote.Replica
	seq     *sequence.Allocator
	log     logrus.FieldLogger
	metrics *metrics.Registry
}

func New(local Local, replica remote.Replica, seq *sequence.Allocator, log logrus.FieldLogger, m *metrics.Registry) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{local: local, replica: replica, seq: seq, log: log, metrics: m}
}

// Reconcile runs push then pull for uid. Per-record failures are logged and
// counted; only a failure to read the local store aborts the merge.
func (r *Reconciler) Reconcile(ctx context.Context, uid string) (Result, error) {
	var res Result
	if !r.replica.IsAvailable() {
		return res, nil
	}
	start := time.Now()
	log := r.log.WithField("uid", uid)

	if err := r.push(ctx, uid, log, &res); err != nil {
		return res, err
	}
	r.pullProducts(ctx, uid, log, &res)
	pulled := r.pullInvoices(ctx, uid, log, &res)

	if n := sequence.Highest(pulled); n > 0 && r.seq != nil {
		if err := r.seq.EnsureAtLeast(ctx, n); err != nil {
			return res, fmt.Errorf("raise invoice counter: %w", err)
		}
	}

	r.observe(res, time.Since(start))
	log.WithFields(logrus.Fields{
		"pushed_products": res.PushedProducts,
		"pushed_invoices": res.PushedInvoices,
		"pulled_products": res.PulledProducts,
		"pulled_invoices": res.PulledInvoices,
		"skipped":         res.Skipped,
		"failed":          res.Failed,
	}).Info("reconcile done")
	return res, nil
}

func (r *Reconciler) push(ctx context.Context, uid string, log logrus.FieldLogger, res *Result) error {
	products, err := r.local.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list local products: %w", err)
	}
	for _, p := range products {
		if err := r.replica.PutProduct(ctx, uid, p); err != nil {
			res.Failed++
			log.WithFields(logrus.Fields{"collection": "products", "id": p.ID, "op": "push"}).WithError(err).Warn("reconcile record failed")
			continue
		}
		res.PushedProducts++
	}

	invoices, err := r.local.ListInvoices(ctx)
	if err != nil {
		return fmt.Errorf("list local invoices: %w", err)
	}
	for _, inv := range invoices {
		if err := r.replica.PutInvoice(ctx, uid, inv); err != nil {
			res.Failed++
			log.WithFields(logrus.Fields{"collection": "history", "id": inv.ID, "op": "push"}).WithError(err).Warn("reconcile record failed")
			continue
		}
		res.PushedInvoices++
	}
	return nil
}

func (r *Reconciler) pullProducts(ctx context.Context, uid string, log logrus.FieldLogger, res *Result) {
	remoteProducts, err := r.replica.ListProducts(ctx, uid)
	if err != nil {
		res.Failed++
		log.WithFields(logrus.Fields{"collection": "products", "op": "pull"}).WithError(err).Warn("reconcile list failed")
		return
	}
	for _, p := range remoteProducts {
		fields := logrus.Fields{"collection": "products", "id": p.ID, "op": "pull"}
		if p.ID == "" {
			res.Failed++
			log.WithFields(fields).Warn("remote product without id")
			continue
		}
		_, exists, err := r.local.GetProduct(ctx, p.ID)
		if err != nil {
			res.Failed++
			log.WithFields(fields).WithError(err).Warn("reconcile record failed")
			continue
		}
		if exists {
			res.Skipped++
			continue
		}
		if err := r.local.PutProduct(ctx, p); err != nil {
			res.Failed++
			log.WithFields(fields).WithError(err).Warn("reconcile record failed")
			continue
		}
		res.PulledProducts++
	}
}

// pullInvoices returns the invoices it inserted.
func (r *Reconciler) pullInvoices(ctx context.Context, uid string, log logrus.FieldLogger, res *Result) []model.Invoice {
	remoteInvoices, err := r.replica.ListInvoices(ctx, uid)
	if err != nil {
		res.Failed++
		log.WithFields(logrus.Fields{"collection": "history", "op": "pull"}).WithError(err).Warn("reconcile list failed")
		return nil
	}
	var pulled []model.Invoice
	for _, inv := range remoteInvoices {
		fields := logrus.Fields{"collection": "history", "id": inv.ID, "op": "pull"}
		if inv.ID == "" {
			res.Failed++
			log.WithFields(fields).Warn("remote invoice without id")
			continue
		}
		_, exists, err := r.local.GetInvoice(ctx, inv.ID)
		if err != nil {
			res.Failed++
			log.WithFields(fields).WithError(err).Warn("reconcile record failed")
			continue
		}
		if exists {
			res.Skipped++
			continue
		}
		if err := r.local.PutInvoice(ctx, inv); err != nil {
			res.Failed++
			log.WithFields(fields).WithError(err).Warn("reconcile record failed")
			continue
		}
		res.PulledInvoices++
		pulled = append(pulled, inv)
	}
	return pulled
}

func (r *Reconciler) observe(res Result, took time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ReconcileDuration.Observe(took.Seconds())
	r.metrics.ReconcileRecords.WithLabelValues(metrics.ReconcilePushed).Add(float64(res.PushedProducts + res.PushedInvoices))
	r.metrics.ReconcileRecords.WithLabelValues(metrics.ReconcilePulled).Add(float64(res.PulledProducts + res.PulledInvoices))
	r.metrics.ReconcileRecords.WithLabelValues(metrics.ReconcileSkipped).Add(float64(res.Skipped))
	r.metrics.ReconcileRecords.WithLabelValues(metrics.ReconcileFailed).Add(float64(res.Failed))
}
