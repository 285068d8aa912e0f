// Package config holds the loader's explicit run configuration.
//
// A Config is read from YAML, ${VAR} references are expanded from the
// environment, and DWETL_* variables override individual fields. Nothing in
// the pipeline reads global state; the CLI builds one Config and passes it on.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist.
// Callers can check for this with errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config file not found")

// Commit modes.
const (
	// CommitStage commits staging and merge separately. A failure after the
	// merge leaves the merge applied (at-least-once).
	CommitStage = "stage"
	// CommitAtomic runs staging, merge and the processed export inside one
	// transaction; any failure leaves the permanent table untouched.
	CommitAtomic = "atomic"
)

type StoreConfig struct {
	// Kind selects the backend: postgres, sqlite or mssql.
	Kind string `yaml:"kind"`
	// DSN, when set, is used verbatim and the discrete fields are ignored.
	DSN      string `yaml:"dsn,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
}

type CSVConfig struct {
	// Delimiter is a single character; empty means ",".
	Delimiter  string `yaml:"delimiter,omitempty"`
	LazyQuotes bool   `yaml:"lazy_quotes,omitempty"`
}

type MetricsConfig struct {
	// Backend is none, datadog or pushgateway.
	Backend        string        `yaml:"backend"`
	Job            string        `yaml:"job,omitempty"`
	PushgatewayURL string        `yaml:"pushgateway_url,omitempty"`
	Tags           []string      `yaml:"tags,omitempty"`
	FlushEvery     time.Duration `yaml:"flush_every,omitempty"`
}

type ArchiveConfig struct {
	// Bucket enables the S3 mirror of written artifacts when non-empty.
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type Config struct {
	RawDir       string `yaml:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	RejectedDir  string `yaml:"rejected_dir"`

	Store StoreConfig `yaml:"store"`

	AutoCreateTables bool   `yaml:"auto_create_tables"`
	CommitMode       string `yaml:"commit_mode"`
	StrictMeasures   bool   `yaml:"strict_measures"`

	CSV     CSVConfig     `yaml:"csv,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Archive ArchiveConfig `yaml:"archive,omitempty"`
}

// Default returns the configuration used when no file is given: the
// directory layout of the original batch jobs and a local Postgres.
func Default() Config {
	return Config{
		RawDir:       "data/raw",
		ProcessedDir: "data/processed",
		RejectedDir:  "data/rejected",
		Store: StoreConfig{
			Kind:     "postgres",
			Host:     "localhost",
			Port:     5432,
			Database: "dw",
			User:     "postgres",
			SSLMode:  "disable",
		},
		AutoCreateTables: true,
		CommitMode:       CommitStage,
		Metrics:          MetricsConfig{Backend: "none", Job: "dwetl"},
	}
}

// Load reads path over Default(), expands ${VAR} references and applies
// DWETL_* overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%s: %w", path, ErrConfigNotFound)
			}
			return Config{}, err
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error
// when optional is true.
func LoadEnvFile(path string, optional bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil && optional && os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

type lookupFn func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFn) error {
	str := map[string]*string{
		"DWETL_RAW_DIR":       &cfg.RawDir,
		"DWETL_PROCESSED_DIR": &cfg.ProcessedDir,
		"DWETL_REJECTED_DIR":  &cfg.RejectedDir,
		"DWETL_COMMIT_MODE":   &cfg.CommitMode,
		"DWETL_DB_KIND":       &cfg.Store.Kind,
		"DWETL_DB_DSN":        &cfg.Store.DSN,
		"DWETL_DB_HOST":       &cfg.Store.Host,
		"DWETL_DB_NAME":       &cfg.Store.Database,
		"DWETL_DB_USER":       &cfg.Store.User,
		"DWETL_DB_PASSWORD":   &cfg.Store.Password,
		"DWETL_DB_SSLMODE":    &cfg.Store.SSLMode,
		"DWETL_METRICS":       &cfg.Metrics.Backend,
		"DWETL_S3_BUCKET":     &cfg.Archive.Bucket,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("DWETL_DB_PORT"); ok {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DWETL_DB_PORT: %w", err)
		}
		cfg.Store.Port = p
	}
	if v, ok := lookup("DWETL_STRICT_MEASURES"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DWETL_STRICT_MEASURES: %w", err)
		}
		cfg.StrictMeasures = b
	}
	return nil
}

// Comma returns the configured delimiter rune, or 0 for the CSV default.
func (c CSVConfig) Comma() rune {
	if c.Delimiter == "" {
		return 0
	}
	if c.Delimiter == `\t` {
		return '\t'
	}
	return []rune(c.Delimiter)[0]
}

// ConnString returns the connection string for the configured backend kind.
//
// Postgres and SQL Server get URL DSNs built from the discrete fields; for
// sqlite, Database is the file path.
func (s StoreConfig) ConnString() string {
	if s.DSN != "" {
		return s.DSN
	}
	switch s.Kind {
	case "sqlite":
		return s.Database
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			Host:   hostPort(s.Host, s.Port, 5432),
			Path:   "/" + s.Database,
		}
		if s.User != "" {
			u.User = url.UserPassword(s.User, s.Password)
		}
		if s.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {s.SSLMode}}.Encode()
		}
		return u.String()
	case "mssql":
		u := url.URL{
			Scheme: "sqlserver",
			Host:   hostPort(s.Host, s.Port, 1433),
		}
		if s.User != "" {
			u.User = url.UserPassword(s.User, s.Password)
		}
		if s.Database != "" {
			u.RawQuery = url.Values{"database": {s.Database}}.Encode()
		}
		return u.String()
	}
	return ""
}

func hostPort(host string, port, def int) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Redacted returns the DSN with any password masked, for logging.
func (s StoreConfig) Redacted() string {
	dsn := s.ConnString()
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
