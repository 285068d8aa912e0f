package multitable

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"dwetl/internal/schema"
	"dwetl/internal/sink"
	"dwetl/internal/storage"
	_ "dwetl/internal/storage/sqlite"
	"dwetl/internal/transformer"
)

var runTS = time.Date(2024, 5, 17, 9, 3, 7, 0, time.UTC)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// env is a throwaway warehouse: a sqlite file plus the three directories.
type env struct {
	t            *testing.T
	rawDir       string
	processedDir string
	rejectedDir  string
	dsn          string
	repo         storage.Repository
	db           *sql.DB
	log          *fakeLogger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		t:            t,
		rawDir:       filepath.Join(root, "raw"),
		processedDir: filepath.Join(root, "processed"),
		rejectedDir:  filepath.Join(root, "rejected"),
		dsn:          filepath.Join(root, "dw.db"),
		log:          &fakeLogger{},
	}
	require.NoError(t, os.MkdirAll(e.rawDir, 0o755))

	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: e.dsn})
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	var specs []storage.TableSpec
	for _, d := range schema.Catalog() {
		specs = append(specs, d.TableSpec())
	}
	require.NoError(t, repo.EnsureTables(ctx, specs))
	e.repo = repo

	db, err := sql.Open("sqlite", e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	e.db = db
	return e
}

func (e *env) engine(mode CommitMode) *Engine {
	return &Engine{
		Repo:     e.repo,
		Sink:     &sink.Writer{RejectedDir: e.rejectedDir, ProcessedDir: e.processedDir},
		Settings: Settings{RawDir: e.rawDir, CommitMode: mode},
		Clock:    clockwork.NewFakeClockAt(runTS),
		Logger:   e.log,
		NewRunID: func() string { return "run-1" },
	}
}

func (e *env) writeRaw(file string, lines ...string) {
	e.t.Helper()
	body := strings.Join(lines, "\n") + "\n"
	require.NoError(e.t, os.WriteFile(filepath.Join(e.rawDir, file), []byte(body), 0o644))
}

// rows returns every row of query as strings, NULL rendered as "<nil>".
func (e *env) rows(query string) [][]string {
	e.t.Helper()
	rs, err := e.db.Query(query)
	require.NoError(e.t, err)
	defer rs.Close()

	cols, err := rs.Columns()
	require.NoError(e.t, err)
	var out [][]string
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(e.t, rs.Scan(ptrs...))
		row := make([]string, len(cols))
		for i, v := range vals {
			switch v.(type) {
			case nil:
				row[i] = "<nil>"
			case time.Time:
				row[i] = storage.NormalizeKey(v)
			default:
				row[i] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	require.NoError(e.t, rs.Err())
	return out
}

func (e *env) count(table string) int {
	e.t.Helper()
	var n int
	require.NoError(e.t, e.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (e *env) loadDimensions() {
	e.t.Helper()
	e.writeRaw("dim_clients.csv",
		"client_id,nom,age,ville,categorie_client",
		"7,Dupont,34,Lyon,VIP",
		"8,Martin,41,Paris,particulier",
	)
	e.writeRaw("dim_magasin.csv",
		"magasin_id,ville,region,surface_m2",
		"M1,Lyon,Auvergne-Rhone-Alpes,1200.5",
	)
	e.writeRaw("dim_produits.csv",
		"produit_id,designation,categorie,prix_ht,fournisseur",
		"P1,Stylo,Papeterie,1.2,Bic",
		"P2,Cahier,Papeterie,3.5,Clairefontaine",
	)
	e.writeRaw("dim_temps.csv",
		"date_id,jour,semaine,mois,annee",
		"2024-01-15,15,3,janvier,2024",
	)
	eng := e.engine(CommitStage)
	for _, d := range []schema.Descriptor{schema.Clients(), schema.Magasins(), schema.Produits(), schema.Temps()} {
		res := eng.Run(context.Background(), d)
		require.NoError(e.t, res.Err, "loading %s", d.Name)
	}
}

func readCSV(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

// ---- fakes for failure-path tests ----

type fakeSession struct {
	mu sync.Mutex

	calls    []string
	rows     [][]any
	columns  []string
	mergeErr error
	copyErr  error
}

func (s *fakeSession) record(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *fakeSession) Begin(ctx context.Context) error    { s.record("begin"); return nil }
func (s *fakeSession) Commit(ctx context.Context) error   { s.record("commit"); return nil }
func (s *fakeSession) Rollback(ctx context.Context) error { s.record("rollback"); return nil }
func (s *fakeSession) CreateStaging(ctx context.Context, spec storage.StagingSpec) error {
	s.record("create:" + spec.Name)
	return nil
}
func (s *fakeSession) CopyStaging(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	s.record("copy:" + table)
	s.columns = columns
	s.rows = rows
	if s.copyErr != nil {
		return 0, s.copyErr
	}
	return int64(len(rows)), nil
}
func (s *fakeSession) Merge(ctx context.Context, m storage.MergeSpec) (int64, error) {
	s.record("merge:" + m.Target)
	if s.mergeErr != nil {
		return 0, s.mergeErr
	}
	return int64(len(s.rows)), nil
}
func (s *fakeSession) DropStaging(ctx context.Context, table string) error {
	s.record("drop:" + table)
	return nil
}
func (s *fakeSession) Close() error { s.record("close"); return nil }

type fakeRepo struct {
	sess    *fakeSession
	keys    map[string]map[string]struct{}
	keysErr error
	ensured []storage.TableSpec
	closed  int
}

func (r *fakeRepo) Close() { r.closed++ }
func (r *fakeRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	r.ensured = append(r.ensured, tables...)
	return nil
}
func (r *fakeRepo) SelectKeys(ctx context.Context, table, keyColumn string) (map[string]struct{}, error) {
	if r.keysErr != nil {
		return nil, r.keysErr
	}
	return r.keys[table+"."+keyColumn], nil
}
func (r *fakeRepo) OpenSession(ctx context.Context) (storage.Session, error) {
	return r.sess, nil
}

type failingSink struct {
	sink.Writer
	processedErr error
}

func (f *failingSink) WriteProcessed(ctx context.Context, d schema.Descriptor, recs []transformer.Record, ts time.Time) (string, error) {
	if f.processedErr != nil {
		return "", f.processedErr
	}
	return f.Writer.WriteProcessed(ctx, d, recs, ts)
}
