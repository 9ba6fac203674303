package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// chdir isolates Load from a billbook.yaml in the package directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "pebble" || cfg.Store.IDs != "sequential" || cfg.Mirror.Queue != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Mirror.Timeout != 10*time.Second || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Mirror, cfg.HTTP)
	}
	if len(cfg.Changelog.Sinks) != 0 || len(cfg.Backup.Manifest) != 1 || cfg.Backup.Manifest[0] != "file" {
		t.Fatalf("unexpected lists: %v %v", cfg.Changelog.Sinks, cfg.Backup.Manifest)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BILLBOOK_STORE_BACKEND", "sqlite")
	t.Setenv("BILLBOOK_MIRROR_TIMEOUT", "250ms")
	t.Setenv("BILLBOOK_CHANGELOG_SINKS", "file, Kafka")
	t.Setenv("BILLBOOK_LOG_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Mirror.Timeout != 250*time.Millisecond || cfg.Log.Format != "json" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if strings.Join(cfg.Changelog.Sinks, ",") != "file,kafka" {
		t.Fatalf("sinks: %v", cfg.Changelog.Sinks)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billbook.yaml")
	doc := `
store:
  backend: badger
  dir: /var/lib/billbook
backup:
  schedule: "0 2 * * *"
  manifest: [file, kafka]
report:
  timezone: UTC
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "badger" || cfg.Store.Dir != "/var/lib/billbook" || cfg.Backup.Schedule != "0 2 * * *" {
		t.Fatalf("file not applied: %+v", cfg)
	}
	if len(cfg.Backup.Manifest) != 2 {
		t.Fatalf("manifest sinks: %v", cfg.Backup.Manifest)
	}
	loc, err := cfg.Report.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("location %v err %v", loc, err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate_ReportsEveryBadField(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BILLBOOK_STORE_BACKEND", "mongo")
	t.Setenv("BILLBOOK_LOG_OUTPUT", "syslog")
	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"store.backend", "log.output"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
