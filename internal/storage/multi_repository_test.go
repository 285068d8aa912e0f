package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeRepo struct{ kind string }

func (f *fakeRepo) SelectKeys(ctx context.Context, table, keyColumn string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (f *fakeRepo) Close() {}

func (f *fakeRepo) EnsureTables(ctx context.Context, tables []TableSpec) error { return nil }

func (f *fakeRepo) OpenSession(ctx context.Context) (Session, error) { return nil, nil }

func TestRegisterAndNew(t *testing.T) {
	Register("fake-test", func(ctx context.Context, cfg Config) (Repository, error) {
		return &fakeRepo{kind: cfg.Kind}, nil
	})

	repo, err := New(context.Background(), Config{Kind: "fake-test", DSN: "x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if repo.(*fakeRepo).kind != "fake-test" {
		t.Fatalf("factory not invoked with config")
	}

	found := false
	for _, k := range Kinds() {
		if k == "fake-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kinds() missing fake-test: %v", Kinds())
	}
}

func TestNew_RejectsEmptyAndUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := New(context.Background(), Config{Kind: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unsupported storage.kind=nope") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	f := func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil }
	Register("dup-test", f)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("dup-test", f)
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string trimmed", "  P001 ", "P001"},
		{"bytes", []byte("M1"), "M1"},
		{"int32", int32(42), "42"},
		{"int64", int64(42), "42"},
		{"integral float", float64(42), "42"},
		{"fractional float", 12.5, "12.5"},
		{"date", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), "2024-01-15"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeKey(tc.in); got != tc.want {
				t.Fatalf("NormalizeKey(%#v)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMergeSpec_UpdateColumns(t *testing.T) {
	t.Parallel()

	m := MergeSpec{Columns: []string{"date_id", "produit_id", "quantite", "montant"}, Key: []string{"date_id", "produit_id"}}
	got := m.UpdateColumns()
	if len(got) != 2 || got[0] != "quantite" || got[1] != "montant" {
		t.Fatalf("UpdateColumns=%v", got)
	}
}

func TestStagingSpec_ColumnNamesStartWithSeq(t *testing.T) {
	t.Parallel()

	s := StagingSpec{Name: "x", Columns: []ColumnSpec{{Name: "a"}, {Name: "b"}}}
	got := s.ColumnNames()
	if strings.Join(got, ",") != SeqColumn+",a,b" {
		t.Fatalf("ColumnNames=%v", got)
	}
}
