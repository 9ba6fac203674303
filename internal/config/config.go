package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BILLBOOK_STORE_BACKEND.
const EnvPrefix = "BILLBOOK"

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Changelog ChangelogConfig `mapstructure:"changelog"`
	Backup    BackupConfig    `mapstructure:"backup"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Report    ReportConfig    `mapstructure:"report"`
	Log       LogConfig       `mapstructure:"log"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // pebble|badger|sqlite|memory
	Dir     string `mapstructure:"dir"`
	IDs     string `mapstructure:"ids"` // sequential|uuid
}

type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type MirrorConfig struct {
	Remote  string        `mapstructure:"remote"` // firestore|memory|disabled
	Queue   int           `mapstructure:"queue"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChangelogConfig struct {
	Sinks     []string `mapstructure:"sinks"` // any of file,kafka,confluent
	Dir       string   `mapstructure:"dir"`
	File      string   `mapstructure:"file"`
	Bootstrap string   `mapstructure:"bootstrap"`
	Topic     string   `mapstructure:"topic"`
}

type BackupConfig struct {
	Dir       string        `mapstructure:"dir"`
	Schedule  string        `mapstructure:"schedule"` // cron spec, empty disables
	Timeout   time.Duration `mapstructure:"timeout"`
	Manifest  []string      `mapstructure:"manifest"` // any of file,kafka
	Bootstrap string        `mapstructure:"bootstrap"`
	Topic     string        `mapstructure:"topic"`
	Key       string        `mapstructure:"key"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

type ReportConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Location resolves Timezone, defaulting to the process's local zone.
func (r ReportConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json|text
	Output     string `mapstructure:"output"` // stdout|file|both
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "pebble")
	v.SetDefault("store.dir", "./data")
	v.SetDefault("store.ids", "sequential")

	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.credentials_file", "")

	v.SetDefault("mirror.remote", "firestore")
	v.SetDefault("mirror.queue", 256)
	v.SetDefault("mirror.timeout", 10*time.Second)

	v.SetDefault("changelog.sinks", []string{})
	v.SetDefault("changelog.dir", "./changelog")
	v.SetDefault("changelog.file", "billbook.jsonl")
	v.SetDefault("changelog.bootstrap", "localhost:9092")
	v.SetDefault("changelog.topic", "billbook.changes")

	v.SetDefault("backup.dir", "./backups")
	v.SetDefault("backup.schedule", "")
	v.SetDefault("backup.timeout", time.Minute)
	v.SetDefault("backup.manifest", []string{"file"})
	v.SetDefault("backup.bootstrap", "localhost:9092")
	v.SetDefault("backup.topic", "billbook.backups")
	v.SetDefault("backup.key", "billbook-manifest-latest")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.body_limit", 16<<20)

	v.SetDefault("report.timezone", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "./logs/billbook.log")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// Load reads defaults, then the optional config file, then BILLBOOK_* environment
// variables. An empty path looks for billbook.{yaml,json,env} in the working
// directory and carries on without one.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("billbook")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Changelog.Sinks = splitList(cfg.Changelog.Sinks)
	cfg.Backup.Manifest = splitList(cfg.Backup.Manifest)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens "a,b" entries so env values and yaml lists read the same.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func oneOf(field, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, got, strings.Join(allowed, "|"))
}

func (c Config) Validate() error {
	var errs []error
	errs = append(errs,
		oneOf("store.backend", c.Store.Backend, "pebble", "badger", "sqlite", "memory"),
		oneOf("store.ids", c.Store.IDs, "sequential", "uuid"),
		oneOf("mirror.remote", c.Mirror.Remote, "firestore", "memory", "disabled"),
		oneOf("log.format", c.Log.Format, "json", "text"),
		oneOf("log.output", c.Log.Output, "stdout", "file", "both"),
	)
	for _, s := range c.Changelog.Sinks {
		errs = append(errs, oneOf("changelog.sinks", s, "file", "kafka", "confluent"))
	}
	for _, s := range c.Backup.Manifest {
		errs = append(errs, oneOf("backup.manifest", s, "file", "kafka"))
	}
	if c.Store.Backend != "memory" && c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir: required for a persistent backend"))
	}
	if c.Mirror.Queue <= 0 {
		errs = append(errs, fmt.Errorf("mirror.queue: must be positive, got %d", c.Mirror.Queue))
	}
	if _, err := c.Report.Location(); err != nil {
		errs = append(errs, fmt.Errorf("report.timezone: %w", err))
	}
	return errors.Join(errs...)
}
