package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dwetl/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func openTemp(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "dw.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

var clientsSpec = storage.TableSpec{
	Name:       "clients",
	PrimaryKey: []string{"client_id"},
	Columns: []storage.ColumnSpec{
		{Name: "client_id", Type: "INT"},
		{Name: "nom", Type: "VARCHAR(255)"},
		{Name: "ville", Type: "VARCHAR(100)", Nullable: boolPtr(true)},
		{Name: "categorie_client", Type: "VARCHAR(50)"},
	},
	Checks: []storage.CheckSpec{{Column: "categorie_client", In: []string{"VIP", "Particulier"}}},
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(clientsSpec)
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS clients",
		`"client_id" INT NOT NULL`,
		`"ville" VARCHAR(100),`,
		`PRIMARY KEY ("client_id")`,
		`CHECK ("categorie_client" IN ('VIP', 'Particulier'))`,
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestBuildCreateTableSQL_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := buildCreateTableSQL(storage.TableSpec{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := buildCreateTableSQL(storage.TableSpec{Name: "x"}); err == nil {
		t.Fatalf("expected error for no columns")
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	q, err := buildMergeSQL(storage.MergeSpec{
		Target:  "clients",
		Staging: "clients_staging",
		Columns: []string{"client_id", "nom"},
		Key:     []string{"client_id"},
	})
	if err != nil {
		t.Fatalf("buildMergeSQL: %v", err)
	}
	want := `INSERT INTO clients ("client_id", "nom") SELECT "client_id", "nom" FROM temp."clients_staging" WHERE true ORDER BY "_seq" ON CONFLICT ("client_id") DO UPDATE SET "nom" = excluded."nom"`
	if q != want {
		t.Fatalf("got:\n%s\nwant:\n%s", q, want)
	}
}

func TestBuildMergeSQL_KeyOnlyTableDoesNothing(t *testing.T) {
	t.Parallel()

	q, err := buildMergeSQL(storage.MergeSpec{Target: "t", Staging: "s", Columns: []string{"k"}, Key: []string{"k"}})
	if err != nil {
		t.Fatalf("buildMergeSQL: %v", err)
	}
	if !strings.HasSuffix(q, "DO NOTHING") {
		t.Fatalf("expected DO NOTHING, got %s", q)
	}
}

func TestBuildInsertSQL_BindsDatesAsText(t *testing.T) {
	t.Parallel()

	d := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	q, args := buildInsertSQL("temp.\"s\"", []string{"_seq", "date_id"}, [][]any{{int64(1), d}, {int64(2), nil}})
	if q != `INSERT INTO temp."s" ("_seq", "date_id") VALUES (?, ?), (?, ?)` {
		t.Fatalf("unexpected SQL: %s", q)
	}
	if args[1] != "2024-01-15" || args[3] != nil {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestSession_MergeLastWriteWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)
	if err := repo.EnsureTables(ctx, []storage.TableSpec{clientsSpec}); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}

	sess, err := repo.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	stg := storage.StagingSpec{Name: "clients_staging", Columns: clientsSpec.Columns}
	if err := sess.CreateStaging(ctx, stg); err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	rows := [][]any{
		{int64(1), int64(7), "Dupont", "Lyon", "VIP"},
		{int64(2), int64(8), "Martin", nil, "Particulier"},
		{int64(3), int64(7), "Dupont", "Paris", "VIP"},
	}
	n, err := sess.CopyStaging(ctx, stg.Name, stg.ColumnNames(), rows)
	if err != nil || n != 3 {
		t.Fatalf("CopyStaging: n=%d err=%v", n, err)
	}
	if _, err := sess.Merge(ctx, storage.MergeSpec{
		Target:  "clients",
		Staging: stg.Name,
		Columns: []string{"client_id", "nom", "ville", "categorie_client"},
		Key:     []string{"client_id"},
	}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := sess.DropStaging(ctx, stg.Name); err != nil {
		t.Fatalf("DropStaging: %v", err)
	}

	var ville string
	if err := repo.db.QueryRowContext(ctx, `SELECT ville FROM clients WHERE client_id = 7`).Scan(&ville); err != nil {
		t.Fatalf("select: %v", err)
	}
	if ville != "Paris" {
		t.Fatalf("ville=%q want Paris (last row wins)", ville)
	}

	keys, err := repo.SelectKeys(ctx, "clients", "client_id")
	if err != nil {
		t.Fatalf("SelectKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys=%v", keys)
	}
	if _, ok := keys["7"]; !ok {
		t.Fatalf("missing key 7 in %v", keys)
	}
}

func TestSession_RollbackDiscardsMerge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)
	if err := repo.EnsureTables(ctx, []storage.TableSpec{clientsSpec}); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	sess, err := repo.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer sess.Close()

	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	stg := storage.StagingSpec{Name: "clients_staging", Columns: clientsSpec.Columns}
	if err := sess.CreateStaging(ctx, stg); err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	if _, err := sess.CopyStaging(ctx, stg.Name, stg.ColumnNames(), [][]any{{int64(1), int64(1), "A", nil, "VIP"}}); err != nil {
		t.Fatalf("CopyStaging: %v", err)
	}
	if _, err := sess.Merge(ctx, storage.MergeSpec{Target: "clients", Staging: stg.Name, Columns: []string{"client_id", "nom", "ville", "categorie_client"}, Key: []string{"client_id"}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := sess.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	keys, err := repo.SelectKeys(ctx, "clients", "client_id")
	if err != nil {
		t.Fatalf("SelectKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("rollback should leave clients empty, got %v", keys)
	}
}

func TestSelectKeys_NormalizesDates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)
	spec := storage.TableSpec{Name: "temps", PrimaryKey: []string{"date_id"}, Columns: []storage.ColumnSpec{{Name: "date_id", Type: "DATE"}}}
	if err := repo.EnsureTables(ctx, []storage.TableSpec{spec}); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	if _, err := repo.db.ExecContext(ctx, `INSERT INTO temps (date_id) VALUES (?)`, bindValue(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	keys, err := repo.SelectKeys(ctx, "temps", "date_id")
	if err != nil {
		t.Fatalf("SelectKeys: %v", err)
	}
	if _, ok := keys["2024-01-15"]; !ok {
		t.Fatalf("keys=%v", keys)
	}
}
