package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mirror task outcomes.
const (
	MirrorEnqueued  = "enqueued"
	MirrorSucceeded = "succeeded"
	MirrorFailed    = "failed"
	MirrorDropped   = "dropped"
)

// Reconcile record outcomes.
const (
	ReconcilePushed  = "pushed"
	ReconcilePulled  = "pulled"
	ReconcileSkipped = "skipped"
	ReconcileFailed  = "failed"
)

type Registry struct {
	reg *prometheus.Registry

	MirrorTasks       *prometheus.CounterVec // label: outcome
	ReconcileRecords  *prometheus.CounterVec // label: outcome
	ReconcileDuration prometheus.Histogram
	Syncing           prometheus.Gauge

	InvoicesSaved   prometheus.Counter
	ProductsWritten prometheus.Counter
	Imports         prometheus.Counter

	BackupsWritten    prometheus.Counter
	LastBackupUnixSec prometheus.Gauge
	RestoreTTRSec     prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	mirror := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billbook_mirror_tasks_total",
		Help: "Remote mirror tasks by outcome.",
	}, []string{"outcome"})
	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billbook_reconcile_records_total",
		Help: "Records handled by sign-in reconciliation by outcome.",
	}, []string{"outcome"})
	reconcileDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "billbook_reconcile_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	syncing := prometheus.NewGauge(prometheus.GaugeOpts{Name: "billbook_syncing"})

	invoices := prometheus.NewCounter(prometheus.CounterOpts{Name: "billbook_invoices_saved_total"})
	products := prometheus.NewCounter(prometheus.CounterOpts{Name: "billbook_product_writes_total"})
	imports := prometheus.NewCounter(prometheus.CounterOpts{Name: "billbook_imports_total"})

	backups := prometheus.NewCounter(prometheus.CounterOpts{Name: "billbook_backups_written_total"})
	lastBackup := prometheus.NewGauge(prometheus.GaugeOpts{Name: "billbook_last_backup_timestamp_seconds"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "billbook_restore_ttr_seconds"})

	r.MustRegister(mirror, reconcile, reconcileDur, syncing, invoices, products, imports, backups, lastBackup, ttr)
	return &Registry{
		reg:               r,
		MirrorTasks:       mirror,
		ReconcileRecords:  reconcile,
		ReconcileDuration: reconcileDur,
		Syncing:           syncing,
		InvoicesSaved:     invoices,
		ProductsWritten:   products,
		Imports:           imports,
		BackupsWritten:    backups,
		LastBackupUnixSec: lastBackup,
		RestoreTTRSec:     ttr,
	}
}

// WatchDropped exports a running drop count, such as the change hub's, as a counter.
func (r *Registry) WatchDropped(name string, src interface{ Dropped() int64 }) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name}, func() float64 {
		return float64(src.Dropped())
	}))
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
