package schema

import (
	"strings"
	"testing"
)

func TestCatalog_DescriptorsAreConsistent(t *testing.T) {
	t.Parallel()

	for _, d := range Catalog() {
		d := d
		t.Run(d.Name, func(t *testing.T) {
			t.Parallel()
			if err := d.Check(); err != nil {
				t.Fatalf("Check: %v", err)
			}
			for _, i := range d.KeyIndexes() {
				if i < 0 {
					t.Fatalf("key index not resolved for %v", d.Key)
				}
			}
		})
	}
}

func TestCatalog_DimensionsBeforeFacts(t *testing.T) {
	t.Parallel()

	seenFact := false
	for _, d := range Catalog() {
		if d.Role == RoleFact {
			seenFact = true
			continue
		}
		if seenFact {
			t.Fatalf("dimension %s listed after a fact table", d.Name)
		}
	}
}

func TestVentes_ForeignKeysTargetCatalogTables(t *testing.T) {
	t.Parallel()

	tables := map[string]Descriptor{}
	for _, d := range Catalog() {
		tables[d.Table] = d
	}
	for _, fk := range Ventes().ForeignKeys {
		ref, ok := tables[fk.RefTable]
		if !ok {
			t.Fatalf("fk %s references unknown table", fk)
		}
		if len(ref.Key) != 1 || ref.Key[0] != fk.RefColumn {
			t.Fatalf("fk %s does not reference the business key of %s (%v)", fk, ref.Table, ref.Key)
		}
	}
}

func TestLookup_Aliases(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"clients":      "clients",
		"Stores":       "magasins",
		"localisation": "magasins",
		"products":     "produits",
		" calendar ":   "temps",
		"sales":        "ventes",
	}
	for in, want := range cases {
		d, ok := Lookup(in)
		if !ok || d.Name != want {
			t.Fatalf("Lookup(%q) = %q, %v; want %q", in, d.Name, ok, want)
		}
	}
	if _, ok := Lookup("inventory"); ok {
		t.Fatalf("expected unknown entity")
	}
}

func TestHeaderColumns_ExcludeDerived(t *testing.T) {
	t.Parallel()

	got := Temps().HeaderColumns()
	want := []string{"date_id", "jour", "semaine", "mois", "annee"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestTableSpec_ClientsCheckAndNullability(t *testing.T) {
	t.Parallel()

	spec := Clients().TableSpec()
	if spec.Name != "clients" || len(spec.PrimaryKey) != 1 || spec.PrimaryKey[0] != "client_id" {
		t.Fatalf("unexpected spec header: %+v", spec)
	}
	if len(spec.Checks) != 1 {
		t.Fatalf("expected one CHECK, got %d", len(spec.Checks))
	}
	in := spec.Checks[0].In
	if len(in) != 3 || in[0] != "VIP" || in[1] != "Particulier" || in[2] != "Entreprise" {
		t.Fatalf("unexpected CHECK values: %v", in)
	}
}

func TestTableSpec_EveryColumnNotNull(t *testing.T) {
	t.Parallel()

	for _, d := range Catalog() {
		for _, c := range d.TableSpec().Columns {
			if c.IsNullable() {
				t.Fatalf("%s.%s is nullable, want NOT NULL", d.Table, c.Name)
			}
		}
	}
}

func TestCheck_OptionalColumnMustBeText(t *testing.T) {
	t.Parallel()

	d := Clients()
	d.Columns[d.Index("age")].Required = false
	if err := d.Check(); err == nil || !strings.Contains(err.Error(), "only text columns may be optional") {
		t.Fatalf("Check() err=%v, want optional-column error", err)
	}
}

func TestTableSpec_VentesReferences(t *testing.T) {
	t.Parallel()

	refs := map[string]string{}
	for _, c := range Ventes().TableSpec().Columns {
		refs[c.Name] = c.References
	}
	if refs["magasin_id"] != "localisation(magasin_id)" {
		t.Fatalf("magasin_id references %q", refs["magasin_id"])
	}
	if refs["quantite"] != "" {
		t.Fatalf("quantite should not reference anything")
	}
}

func TestMergeSpec_UsesStagingName(t *testing.T) {
	t.Parallel()

	m := Magasins().MergeSpec()
	if m.Target != "localisation" || m.Staging != "magasins_staging" {
		t.Fatalf("unexpected merge spec: %+v", m)
	}
}
