package config

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration finding, addressed by its YAML path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	storeKinds  = map[string]bool{"postgres": true, "sqlite": true, "mssql": true}
	metricKinds = map[string]bool{"": true, "none": true, "datadog": true, "pushgateway": true}
	commitModes = map[string]bool{CommitStage: true, CommitAtomic: true}
)

// Validate returns every issue found in c. It never stops at the first one.
func Validate(c Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	dirs := []struct{ path, v string }{
		{"raw_dir", c.RawDir},
		{"processed_dir", c.ProcessedDir},
		{"rejected_dir", c.RejectedDir},
	}
	for _, d := range dirs {
		if strings.TrimSpace(d.v) == "" {
			add(SeverityError, d.path, "must be set")
		}
	}
	if c.ProcessedDir != "" && c.ProcessedDir == c.RejectedDir {
		add(SeverityWarning, "rejected_dir", "same directory as processed_dir")
	}

	if !storeKinds[c.Store.Kind] {
		add(SeverityError, "store.kind", "unknown backend %q (want postgres, sqlite or mssql)", c.Store.Kind)
	} else if c.Store.ConnString() == "" {
		add(SeverityError, "store", "no dsn and not enough parameters to build one")
	}
	if c.Store.Port < 0 || c.Store.Port > 65535 {
		add(SeverityError, "store.port", "out of range: %d", c.Store.Port)
	}

	if !commitModes[c.CommitMode] {
		add(SeverityError, "commit_mode", "unknown mode %q (want %s or %s)", c.CommitMode, CommitStage, CommitAtomic)
	}
	if n := len([]rune(c.CSV.Delimiter)); n > 1 && c.CSV.Delimiter != `\t` {
		add(SeverityError, "csv.delimiter", "must be a single character, got %q", c.CSV.Delimiter)
	}

	if !metricKinds[c.Metrics.Backend] {
		add(SeverityError, "metrics.backend", "unknown backend %q", c.Metrics.Backend)
	}
	if c.Metrics.Backend == "pushgateway" && c.Metrics.PushgatewayURL == "" {
		add(SeverityError, "metrics.pushgateway_url", "required for the pushgateway backend")
	}
	if c.Metrics.FlushEvery < 0 {
		add(SeverityError, "metrics.flush_every", "must not be negative")
	}

	if c.Archive.Bucket == "" && (c.Archive.Prefix != "" || c.Archive.Endpoint != "") {
		add(SeverityWarning, "archive.bucket", "archive options set without a bucket; mirroring disabled")
	}
	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
