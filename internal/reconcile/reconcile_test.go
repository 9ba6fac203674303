package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/remote"
	"billbook/internal/sequence"
	"billbook/internal/store"
)

func setup(t *testing.T) (*store.KVStore, *remote.MemoryReplica, *Reconciler, *logtest.Hook) {
	t.Helper()
	s := store.OpenMemory()
	t.Cleanup(func() { _ = s.Close() })
	rep := remote.NewMemoryReplica()
	log, hook := logtest.NewNullLogger()
	return s, rep, New(s, rep, sequence.New(s), log, metrics.NewRegistry()), hook
}

func names(ps []model.Product) map[string]string {
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.ID] = p.Name
	}
	return out
}

func TestReconcile_MergesByIDLocalWins(t *testing.T) {
	ctx := context.Background()
	s, rep, r, _ := setup(t)

	require.NoError(t, s.PutProduct(ctx, model.Product{ID: "1", Name: "A"}))
	require.NoError(t, s.PutProduct(ctx, model.Product{ID: "2", Name: "B-local"}))
	require.NoError(t, rep.PutProduct(ctx, "u1", model.Product{ID: "2", Name: "B-remote"}))
	require.NoError(t, rep.PutProduct(ctx, "u1", model.Product{ID: "3", Name: "C"}))

	res, err := r.Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, Result{PushedProducts: 2, PulledProducts: 1, Skipped: 1}, res)

	local, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "A", "2": "B-local", "3": "C"}, names(local))

	remoteProducts, err := rep.ListProducts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "A", "2": "B-local", "3": "C"}, names(remoteProducts))

	// the pulled id is never issued again locally
	p, err := s.CreateProduct(ctx, model.Product{Name: "D"})
	require.NoError(t, err)
	require.Equal(t, "4", p.ID)
}

func TestReconcile_PulledInvoicesRaiseCounter(t *testing.T) {
	ctx := context.Background()
	s, rep, r, _ := setup(t)
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, rep.PutInvoice(ctx, "u1", model.Invoice{ID: "9", InvoiceNo: "INV-017", CreatedAt: at}))

	res, err := r.Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, res.PulledInvoices)

	inv, ok, err := s.GetInvoice(ctx, "9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "INV-017", inv.InvoiceNo)
	require.True(t, inv.CreatedAt.Equal(at))

	next, err := sequence.New(s).NextInvoiceNo(ctx)
	require.NoError(t, err)
	require.Equal(t, "INV-018", next)
}

func TestReconcile_RecordFailuresAreSkippedAndLogged(t *testing.T) {
	ctx := context.Background()
	s, rep, r, hook := setup(t)
	require.NoError(t, s.PutProduct(ctx, model.Product{ID: "1", Name: "A"}))
	require.NoError(t, s.PutInvoice(ctx, model.Invoice{ID: "1", InvoiceNo: "INV-001"}))
	require.NoError(t, rep.PutProduct(ctx, "u1", model.Product{ID: "5", Name: "E"}))

	rep.SetHook(func(_ context.Context, op string) error {
		if op == remote.OpPutProduct || op == remote.OpListInvoices {
			return errors.New("unreachable")
		}
		return nil
	})

	res, err := r.Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.PushedInvoices)
	require.Equal(t, 1, res.PulledProducts)

	var warned int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["uid"] == "u1" {
			warned++
		}
	}
	require.Equal(t, 2, warned)
}

func TestReconcile_UnavailableReplicaIsNoOp(t *testing.T) {
	s := store.OpenMemory()
	require.NoError(t, s.PutProduct(context.Background(), model.Product{ID: "1", Name: "A"}))
	r := New(s, remote.Disabled{}, sequence.New(s), nil, nil)
	res, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestReconcile_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	s := store.OpenMemory()
	rep := remote.NewMemoryReplica()
	m := metrics.NewRegistry()
	require.NoError(t, s.PutProduct(ctx, model.Product{ID: "1", Name: "A"}))

	_, err := New(s, rep, sequence.New(s), nil, m).Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRecords.WithLabelValues(metrics.ReconcilePushed)))
}
