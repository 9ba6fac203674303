package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"billbook/internal/app"
	"billbook/internal/changelog"
	"billbook/internal/config"
	"billbook/internal/logger"
	"billbook/internal/manifest"
	"billbook/internal/restore"
)

func main() {
	var (
		configPath     string
		manifestSource string
		backupID       string
		metricsAddr    string
		hold           bool
	)
	flag.StringVar(&configPath, "config", "", "config file; BILLBOOK_* variables override it")
	flag.StringVar(&manifestSource, "manifest-source", "", "file|kafka, default follows backup.manifest")
	flag.StringVar(&backupID, "backup", "", "restore this backup id instead of the latest")
	flag.StringVar(&metricsAddr, "http", "", "serve /metrics on this address while restoring")
	flag.BoolVar(&hold, "hold", false, "keep serving /metrics after the restore until interrupted")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		os.Exit(1)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log, manifestSource, backupID, metricsAddr, hold); err != nil {
		log.WithError(err).Error("recovery failed")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, manifestSource, backupID, metricsAddr string, hold bool) error {
	// a restore must not reach the remote replica before the operator signs in again
	cfg.Mirror.Remote = "disabled"
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: a.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics listener")
			}
		}()
		defer srv.Close()
	}

	var reader manifest.Reader = a.ManifestReader
	switch manifestSource {
	case "file":
		reader = manifest.NewFilesystemManifest(cfg.Backup.Dir)
	case "kafka":
		reader = restore.NewKafkaReader(changelog.SplitBrokers(cfg.Backup.Bootstrap), cfg.Backup.Topic, cfg.Backup.Key)
	case "":
	default:
		return fmt.Errorf("unknown manifest source %q", manifestSource)
	}
	r := restore.NewRestorer(a.Ledger, a.Snapshots, reader, log, a.Metrics)

	var res restore.Result
	if backupID != "" {
		res, err = r.Restore(ctx, backupID)
	} else {
		res, err = r.RestoreLatest(ctx)
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"backup":   res.BackupID,
		"products": res.Products,
		"invoices": res.Invoices,
		"ttr":      res.Took.String(),
	}).Info("recovery complete")

	if hold {
		<-ctx.Done()
	}
	return nil
}
