// Package backup writes point-in-time copies of the ledger and advertises the
// newest one through a manifest so a recovering process can find it.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"billbook/internal/manifest"
	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/snapshot"
)

// Exporter is the read side of the ledger a backup copies.
type Exporter interface {
	ExportSnapshot(ctx context.Context) (model.Snapshot, error)
}

type Backuper struct {
	src         Exporter
	snapshotter snapshot.Snapshotter
	publisher   manifest.Publisher
	log         logrus.FieldLogger
	metrics     *metrics.Registry
	now         func() time.Time
}

func New(src Exporter, snaps snapshot.Snapshotter, pub manifest.Publisher, log logrus.FieldLogger, m *metrics.Registry) *Backuper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backuper{src: src, snapshotter: snaps, publisher: pub, log: log, metrics: m, now: time.Now}
}

// NewID names a backup after its creation time plus a random suffix so two
// runs in the same second never collide.
func NewID(at time.Time) string {
	return at.UTC().Format("20060102T150405Z") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Run exports, writes the snapshot, then publishes the manifest. The manifest
// is only moved once the snapshot is fully on disk.
func (b *Backuper) Run(ctx context.Context) (manifest.Manifest, error) {
	snap, err := b.src.ExportSnapshot(ctx)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("export: %w", err)
	}
	at := b.now()
	m := manifest.Manifest{
		BackupID:             NewID(at),
		Products:             len(snap.Products),
		Invoices:             len(snap.History),
		CreatedAtEpochSecond: at.UTC().Unix(),
	}
	if err := b.snapshotter.WriteSnapshot(m.BackupID, snap); err != nil {
		return manifest.Manifest{}, fmt.Errorf("write snapshot %s: %w", m.BackupID, err)
	}
	if err := b.publisher.PublishLatest(ctx, m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("publish manifest %s: %w", m.BackupID, err)
	}
	if b.metrics != nil {
		b.metrics.BackupsWritten.Inc()
		b.metrics.LastBackupUnixSec.Set(float64(m.CreatedAtEpochSecond))
	}
	b.log.WithFields(logrus.Fields{
		"backup":   m.BackupID,
		"products": m.Products,
		"invoices": m.Invoices,
	}).Info("backup written")
	return m, nil
}
