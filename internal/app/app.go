// Package app assembles the ledger and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"billbook/internal/backup"
	"billbook/internal/changelog"
	"billbook/internal/config"
	"billbook/internal/ledger"
	"billbook/internal/manifest"
	"billbook/internal/metrics"
	"billbook/internal/remote"
	"billbook/internal/restore"
	"billbook/internal/session"
	"billbook/internal/snapshot"
	"billbook/internal/store"
)

type App struct {
	Config  config.Config
	Log     logrus.FieldLogger
	Metrics *metrics.Registry
	Hub     *changelog.Hub
	Store   store.Store
	Replica remote.Replica
	Ledger  *ledger.Ledger

	Snapshots      *snapshot.FilesystemSnapshotter
	Manifests      manifest.Publisher
	ManifestReader manifest.Reader

	closers []func() error // run in reverse order
}

// Open builds every component named by cfg. On error, whatever was already
// opened is closed again.
func Open(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.NewRegistry()}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config
	sink, err := a.openSinks()
	if err != nil {
		return err
	}
	a.Hub = changelog.NewHub(a.Log, sink)
	a.onClose(func() error { a.Hub.Close(); return nil })
	a.Metrics.WatchDropped("billbook_changelog_dropped_total", a.Hub)

	st, err := a.openStore()
	if err != nil {
		return err
	}
	a.Store = st
	a.onClose(st.Close)

	replica, auth, err := a.openRemote(ctx)
	if err != nil {
		return err
	}
	a.Replica = replica
	a.onClose(replica.Close)

	a.Ledger = ledger.New(st, ledger.Options{
		MirrorQueue:   cfg.Mirror.Queue,
		MirrorTimeout: cfg.Mirror.Timeout,
		Replica:       replica,
		Authenticator: auth,
		Logger:        a.Log,
		Metrics:       a.Metrics,
	})
	a.onClose(func() error { a.Ledger.Close(); return nil })

	a.Snapshots = snapshot.NewFilesystemSnapshotter(cfg.Backup.Dir)
	a.Manifests, a.ManifestReader = a.openManifests()
	return nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close drains the mirror queue, closes the store and flushes changelog sinks.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Backuper() *backup.Backuper {
	return backup.New(a.Ledger, a.Snapshots, a.Manifests, a.Log, a.Metrics)
}

func (a *App) Restorer() *restore.Restorer {
	return restore.NewRestorer(a.Ledger, a.Snapshots, a.ManifestReader, a.Log, a.Metrics)
}

func (a *App) openSinks() (changelog.Writer, error) {
	cfg := a.Config.Changelog
	var writers []changelog.Writer
	for _, name := range cfg.Sinks {
		switch name {
		case "file":
			fw, err := changelog.NewFileWriter(cfg.Dir, cfg.File)
			if err != nil {
				return nil, fmt.Errorf("init changelog file: %w", err)
			}
			writers = append(writers, fw)
		case "kafka":
			writers = append(writers, changelog.NewKafkaWriter(cfg.Bootstrap, cfg.Topic))
		case "confluent":
			cw, err := changelog.NewConfluentWriter(cfg.Bootstrap, cfg.Topic)
			if err != nil {
				return nil, fmt.Errorf("init confluent producer: %w", err)
			}
			a.onClose(func() error { cw.Close(); return nil })
			writers = append(writers, cw)
		}
	}
	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		return writers[0], nil
	default:
		return changelog.NewMultiWriter(writers...), nil
	}
}

func (a *App) openStore() (store.Store, error) {
	cfg := a.Config.Store
	opts := []store.Option{store.WithHub(a.Hub), store.WithIDStrategy(store.IDStrategy(cfg.IDs))}
	a.Log.WithFields(logrus.Fields{"backend": cfg.Backend, "dir": cfg.Dir, "ids": cfg.IDs}).Info("opening local store")
	switch cfg.Backend {
	case "memory":
		return store.OpenMemory(opts...), nil
	case "badger":
		kv, err := store.NewBadgerKV(filepath.Join(cfg.Dir, "badger"), a.Log)
		if err != nil {
			return nil, fmt.Errorf("init badger: %w", err)
		}
		return store.NewKVStore(kv, opts...), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
		st, err := store.OpenSQLite(filepath.Join(cfg.Dir, "billbook.db"), opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := store.OpenPebble(filepath.Join(cfg.Dir, "pebble"), opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (a *App) openRemote(ctx context.Context) (remote.Replica, session.Authenticator, error) {
	switch a.Config.Mirror.Remote {
	case "memory":
		return remote.NewMemoryReplica(), session.LocalAuthenticator{}, nil
	case "disabled":
		return remote.Disabled{}, nil, nil
	}
	fb := remote.FirebaseConfig{
		ProjectID:       a.Config.Firebase.ProjectID,
		CredentialsFile: a.Config.Firebase.CredentialsFile,
	}
	if !fb.Configured() {
		a.Log.Info("firebase not configured, running local-only")
		return remote.Disabled{}, nil, nil
	}
	fbApp, err := remote.NewFirebaseApp(ctx, fb)
	if err != nil {
		return nil, nil, err
	}
	replica, err := remote.NewFirestoreReplica(ctx, fbApp)
	if err != nil {
		return nil, nil, err
	}
	auth, err := session.NewFirebaseAuthenticator(ctx, fbApp)
	if err != nil {
		_ = replica.Close()
		return nil, nil, err
	}
	return replica, auth, nil
}

// openManifests publishes to every configured target. Reads prefer the file,
// falling back to Kafka when only Kafka is configured.
func (a *App) openManifests() (manifest.Publisher, manifest.Reader) {
	cfg := a.Config.Backup
	fileManifest := manifest.NewFilesystemManifest(cfg.Dir)
	var pubs []manifest.Publisher
	var reader manifest.Reader
	for _, name := range cfg.Manifest {
		switch name {
		case "file":
			pubs = append(pubs, fileManifest)
			reader = fileManifest
		case "kafka":
			pubs = append(pubs, manifest.NewKafkaManifest(cfg.Bootstrap, cfg.Topic, cfg.Key))
			if reader == nil {
				reader = restore.NewKafkaReader(changelog.SplitBrokers(cfg.Bootstrap), cfg.Topic, cfg.Key)
			}
		}
	}
	if len(pubs) == 0 {
		return fileManifest, fileManifest
	}
	if reader == nil {
		reader = fileManifest
	}
	if len(pubs) == 1 {
		return pubs[0], reader
	}
	return manifest.MultiPublisher(pubs...), reader
}
