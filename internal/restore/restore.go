package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"billbook/internal/apperror"
	"billbook/internal/manifest"
	"billbook/internal/metrics"
	"billbook/internal/model"
	"billbook/internal/snapshot"
)

// Importer is the part of the ledger a restore writes through.
type Importer interface {
	ImportSnapshot(ctx context.Context, snap model.Snapshot) (model.Snapshot, error)
}

type Restorer struct {
	target         Importer
	snapshotter    snapshot.Snapshotter
	manifestReader manifest.Reader
	log            logrus.FieldLogger
	metrics        *metrics.Registry
}

func NewRestorer(target Importer, snap snapshot.Snapshotter, mr manifest.Reader, log logrus.FieldLogger, m *metrics.Registry) *Restorer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Restorer{target: target, snapshotter: snap, manifestReader: mr, log: log, metrics: m}
}

type Result struct {
	BackupID string
	Products int
	Invoices int
	Took     time.Duration
}

// RestoreLatest replaces local data with the backup the manifest points at.
func (r *Restorer) RestoreLatest(ctx context.Context) (Result, error) {
	m, err := r.manifestReader.ReadLatest(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read manifest: %w", err)
	}
	return r.restore(ctx, m)
}

// Restore imports a named backup without consulting the manifest.
func (r *Restorer) Restore(ctx context.Context, backupID string) (Result, error) {
	return r.restore(ctx, manifest.Manifest{BackupID: backupID, Products: -1, Invoices: -1})
}

func (r *Restorer) restore(ctx context.Context, m manifest.Manifest) (Result, error) {
	start := time.Now()
	if m.BackupID == "" {
		return Result{}, fmt.Errorf("restore: %w", manifest.ErrNoManifest)
	}
	snap, err := r.snapshotter.ReadSnapshot(m.BackupID)
	if err != nil {
		return Result{}, fmt.Errorf("read snapshot %s: %w", m.BackupID, err)
	}
	// -1 means the count is unknown
	if (m.Products >= 0 && len(snap.Products) != m.Products) || (m.Invoices >= 0 && len(snap.History) != m.Invoices) {
		return Result{}, apperror.NewImportFormatError(fmt.Sprintf(
			"backup %s holds %d products and %d invoices, manifest says %d and %d",
			m.BackupID, len(snap.Products), len(snap.History), m.Products, m.Invoices), nil)
	}
	stored, err := r.target.ImportSnapshot(ctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("import snapshot %s: %w", m.BackupID, err)
	}
	res := Result{BackupID: m.BackupID, Products: len(stored.Products), Invoices: len(stored.History), Took: time.Since(start)}
	if r.metrics != nil {
		r.metrics.RestoreTTRSec.Set(res.Took.Seconds())
	}
	fields := logrus.Fields{
		"backup":   res.BackupID,
		"products": res.Products,
		"invoices": res.Invoices,
		"ttr_sec":  res.Took.Seconds(),
	}
	if m.CreatedAtEpochSecond > 0 {
		fields["backup_age"] = time.Since(m.CreatedAt()).Round(time.Second).String()
	}
	r.log.WithFields(fields).Info("restore complete")
	return res, nil
}

// messageReader abstracts kafka.Reader for testability.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader reads the latest manifest record from a compacted topic. The
// topic is read from the start and the last record for the key wins; reading
// stops once no message arrives within the idle window.
type KafkaReader struct {
	open func() messageReader
	key  []byte
	idle time.Duration
}

func NewKafkaReader(brokers []string, topic, key string) *KafkaReader {
	return &KafkaReader{
		open: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:  []byte(key),
		idle: 3 * time.Second,
	}
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(r messageReader, key string, idle time.Duration) *KafkaReader {
	return &KafkaReader{open: func() messageReader { return r }, key: []byte(key), idle: idle}
}

func (k *KafkaReader) ReadLatest(ctx context.Context) (manifest.Manifest, error) {
	r := k.open()
	defer r.Close()

	var last manifest.Manifest
	found := false
	for {
		readCtx, cancel := context.WithTimeout(ctx, k.idle)
		m, err := r.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return manifest.Manifest{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return manifest.Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man manifest.Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return manifest.Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last, found = man, true
	}
	if !found {
		return manifest.Manifest{}, manifest.ErrNoManifest
	}
	return last, nil
}
