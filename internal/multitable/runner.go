package multitable

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"dwetl/internal/config"
	"dwetl/internal/schema"
	"dwetl/internal/sink"
	"dwetl/internal/storage"
)

// Runner wires a configuration to an Engine and runs entities in load order.
type Runner struct {
	// NewRepository is the storage-agnostic factory seam; production uses
	// storage.New, so no backend package is imported here.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// Archiver optionally mirrors every written artifact.
	Archiver sink.Archiver

	Logger   Logger
	Clock    clockwork.Clock
	NewRunID func() string
}

func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		NewRepository: storage.New,
		Logger:        logger,
	}
}

// Run loads the named entities (all of them when names is empty).
//
// Entities run sequentially in catalog order, dimensions before ventes, each
// in its own pipeline: a failed entity does not stop the next one. The
// returned error joins every entity failure; results are returned for every
// entity that was attempted.
//
// Errors:
//   - Configuration errors, unknown entity names, repository construction and
//     table creation fail the whole call before any entity runs.
func (r *Runner) Run(ctx context.Context, cfg config.Config, names ...string) ([]Result, error) {
	if issues := config.Validate(cfg); config.HasErrors(issues) {
		var errs []error
		for _, iss := range issues {
			if iss.Severity == config.SeverityError {
				errs = append(errs, errors.New(iss.String()))
			}
		}
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	descs, err := ResolveEntities(names)
	if err != nil {
		return nil, err
	}

	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	repo, err := newRepo(ctx, storage.Config{Kind: cfg.Store.Kind, DSN: cfg.Store.ConnString()})
	if err != nil {
		return nil, fmt.Errorf("open store (kind=%s): %w", cfg.Store.Kind, err)
	}
	defer repo.Close()

	if cfg.AutoCreateTables {
		// Always the whole catalog: ventes references every dimension table.
		var specs []storage.TableSpec
		for _, d := range schema.Catalog() {
			specs = append(specs, d.TableSpec())
		}
		if err := repo.EnsureTables(ctx, specs); err != nil {
			return nil, fmt.Errorf("ensure tables: %w", err)
		}
	}

	engine := &Engine{
		Repo: repo,
		Sink: &sink.Writer{
			RejectedDir:  cfg.RejectedDir,
			ProcessedDir: cfg.ProcessedDir,
			Archiver:     r.Archiver,
		},
		Settings: SettingsFromConfig(cfg),
		Clock:    r.Clock,
		Logger:   r.Logger,
		NewRunID: r.NewRunID,
	}

	results := make([]Result, 0, len(descs))
	var errs []error
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: not started: %w", d.Name, err))
			continue
		}
		res := engine.Run(ctx, d)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}
