package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"billbook/internal/app"
	"billbook/internal/backup"
	"billbook/internal/config"
	"billbook/internal/httpapi"
	"billbook/internal/logger"
	"billbook/internal/snapshot"
)

const usage = `usage: billbook [-config file] <command> [args]

commands:
  serve            run the HTTP API, resume the saved session and schedule backups
  export <file>    write a JSON snapshot of products and history
  import <file>    replace products and history with a JSON snapshot
  xlsx <file>      write products and history as a spreadsheet
  backup           write a backup and move the manifest to it
`

func main() {
	configPath := flag.String("config", "", "config file (yaml, json or env); BILLBOOK_* variables override it")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "billbook: %v\n", err)
		os.Exit(1)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "billbook: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.WithError(err).Error("billbook failed")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, cmd string, args []string) error {
	switch cmd {
	case "serve", "export", "import", "xlsx", "backup":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if cmd != "serve" && cmd != "backup" && len(args) != 1 {
		return fmt.Errorf("%s needs exactly one file argument", cmd)
	}

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "serve":
		return serve(ctx, a)
	case "export":
		return writeFile(args[0], func(f *os.File) error { return a.Ledger.WriteSnapshot(ctx, f) })
	case "xlsx":
		snap, err := a.Ledger.ExportSnapshot(ctx)
		if err != nil {
			return err
		}
		return writeFile(args[0], func(f *os.File) error { return snapshot.WriteWorkbook(f, snap) })
	case "import":
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer f.Close()
		stored, err := a.Ledger.ReadSnapshot(ctx, f)
		if err != nil {
			return err
		}
		if err := a.Ledger.Flush(ctx); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"products": len(stored.Products), "invoices": len(stored.History)}).Info("import done")
		return nil
	default: // backup
		_, err := a.Backuper().Run(ctx)
		return err
	}
}

// writeFile writes through a temp file in the target directory and renames it into place.
func writeFile(path string, fn func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".billbook-*")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	log := a.Log
	loc, err := cfg.Report.Location()
	if err != nil {
		return err
	}

	// the API comes up while a restored session reconciles; /session reports syncing
	go func() {
		res, ok, err := a.Ledger.ResumeSession(ctx)
		switch {
		case err != nil:
			log.WithError(err).Warn("session restore failed")
		case ok:
			log.WithFields(logrus.Fields{
				"pushed_products": res.PushedProducts,
				"pushed_invoices": res.PushedInvoices,
				"pulled_products": res.PulledProducts,
				"pulled_invoices": res.PulledInvoices,
				"failed":          res.Failed,
			}).Info("session reconciled")
		}
	}()

	var sched *backup.Scheduler
	if cfg.Backup.Schedule != "" {
		sched, err = backup.NewScheduler(a.Backuper(), cfg.Backup.Schedule, cfg.Backup.Timeout, log)
		if err != nil {
			return err
		}
		sched.Start()
	}

	srv := httpapi.New(a.Ledger, httpapi.Options{
		Metrics:      a.Metrics,
		Logger:       log,
		Location:     loc,
		BodyLimit:    cfg.HTTP.BodyLimit,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	})
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http listening")
		errCh <- srv.Listen(cfg.HTTP.Addr)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(); serr != nil {
		log.WithError(serr).Warn("http shutdown")
	}
	if sched != nil {
		if serr := sched.Stop(shutdownCtx); serr != nil {
			log.WithError(serr).Warn("backup scheduler stop")
		}
	}
	if ferr := a.Ledger.Flush(shutdownCtx); ferr != nil && !errors.Is(ferr, context.DeadlineExceeded) {
		log.WithError(ferr).Warn("mirror flush")
	}
	return err
}
