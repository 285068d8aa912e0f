package multitable

import (
	"fmt"
	"strings"

	"dwetl/internal/config"
	"dwetl/internal/parser/csv"
	"dwetl/internal/schema"
	"dwetl/internal/transformer"
)

// CommitMode selects the transaction boundary around staging and merge.
type CommitMode string

const (
	// CommitStage commits each stage on its own: a failure after the merge
	// leaves it applied and a re-run converges (at-least-once).
	CommitStage CommitMode = config.CommitStage
	// CommitAtomic wraps staging, merge and the processed export in one
	// transaction. The target table stays locked for the whole export.
	CommitAtomic CommitMode = config.CommitAtomic
)

// Settings is the slice of the run configuration the engine needs. The
// Runner derives it from config.Config; tests build it directly.
type Settings struct {
	// RawDir holds one extract per entity, named after Descriptor.File.
	RawDir     string
	CSV        csv.Options
	CommitMode CommitMode
	Validate   transformer.Options
}

// SettingsFromConfig maps the file configuration onto engine settings.
func SettingsFromConfig(c config.Config) Settings {
	mode := CommitMode(c.CommitMode)
	if mode == "" {
		mode = CommitStage
	}
	return Settings{
		RawDir:     c.RawDir,
		CSV:        csv.Options{Comma: c.CSV.Comma(), LazyQuotes: c.CSV.LazyQuotes},
		CommitMode: mode,
		Validate:   transformer.Options{StrictMeasures: c.StrictMeasures},
	}
}

// ResolveEntities maps user-supplied names to descriptors, in catalog (load)
// order whatever the argument order, without duplicates. No names means the
// whole catalog.
func ResolveEntities(names []string) ([]schema.Descriptor, error) {
	if len(names) == 0 {
		return schema.Catalog(), nil
	}
	want := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		d, ok := schema.Lookup(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		want[d.Name] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown entity %s (known: %s)",
			strings.Join(unknown, ", "), strings.Join(schema.Names(), ", "))
	}

	var out []schema.Descriptor
	for _, d := range schema.Catalog() {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
