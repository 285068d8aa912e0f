package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to create a Repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// KeyReader reads the business-key set of a table.
//
// The returned set uses NormalizeKey so callers can compare keys coming from
// different drivers (int32 vs int64, time.Time vs "2006-01-02").
type KeyReader interface {
	SelectKeys(ctx context.Context, table string, keyColumn string) (map[string]struct{}, error)
}

// Repository is the backend-agnostic store used by the loader.
//
// IMPORTANT: This interface is intentionally narrow. It covers exactly what the
// pipeline needs: create tables, snapshot dimension keys, and open a dedicated
// session for staging + merge. Each backend implements the merge in its own
// idiomatic way (Postgres ON CONFLICT, SQLite upsert, SQL Server MERGE).
type Repository interface {
	KeyReader

	// Close releases backend resources (pools, handles).
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureTables creates the permanent tables if they do not exist.
	// Existing tables are left untouched; there is no migration.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// OpenSession pins one connection for the lifetime of the session.
	//
	// Staging tables are session-scoped temporary tables, so everything between
	// CreateStaging and DropStaging must run on the same Session.
	OpenSession(ctx context.Context) (Session, error)
}

// Session is one dedicated backend connection.
//
// Outside Begin/Commit every call runs in autocommit mode. Between Begin and
// Commit (or Rollback) all calls share one transaction.
type Session interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// CreateStaging (re)creates the temporary staging table. A leftover table
	// with the same name in this session is dropped first.
	CreateStaging(ctx context.Context, spec StagingSpec) error

	// CopyStaging bulk-loads rows into the staging table. columns must start
	// with SeqColumn; each row is aligned to columns.
	CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// Merge upserts the staging table into the permanent table. For every
	// business key the staged row with the greatest SeqColumn value wins.
	Merge(ctx context.Context, m MergeSpec) (int64, error)

	// DropStaging removes the staging table. Dropping a missing table is not an error.
	DropStaging(ctx context.Context, table string) error

	// Close rolls back any open transaction and releases the connection.
	Close() error
}

// ---- factories ----

// Factory builds a Repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This fails fast and avoids ambiguous
//     backend selection.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
