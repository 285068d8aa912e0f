// Package schema holds the declarative description of every entity the loader
// knows about. The pipeline in multitable is generic; everything that differs
// between clients, stores, products, calendar days and sales lives here.
package schema

import (
	"fmt"
	"strings"

	"dwetl/internal/storage"
)

// Kind is the coercion applied to a raw cell before validation.
type Kind string

const (
	KindInteger  Kind = "integer"
	KindNumeric  Kind = "numeric"
	KindText     Kind = "text"
	KindDate     Kind = "date"
	KindCategory Kind = "category"
)

// Role distinguishes dimensions from the fact table. Facts are FK-filtered.
type Role string

const (
	RoleDimension Role = "dimension"
	RoleFact      Role = "fact"
)

// Part selects which component of a date a derived column extracts.
type Part string

const (
	PartMonth Part = "month"
)

// Derivation computes a column from another (already coerced) column.
type Derivation struct {
	From string
	Part Part
}

// Column describes one output column of an entity.
//
// Required marks the column as required-for-validity: a record whose value is
// missing after coercion is rejected. Only text columns may be optional; a
// missing optional value loads as the empty string. Min/Max are only enforced when the
// validator runs with strict measures enabled.
type Column struct {
	Name     string
	Kind     Kind
	SQLType  string
	Required bool
	Derive   *Derivation

	// Category lookup: upper-cased input -> canonical stored value.
	Categories map[string]string

	Min *float64
	Max *float64
}

// Derived reports whether the column is computed rather than read from input.
func (c Column) Derived() bool { return c.Derive != nil }

// Allowed returns the canonical values of a category column, sorted as declared.
func (c Column) Allowed(order []string) []string {
	out := make([]string, 0, len(order))
	for _, k := range order {
		if v, ok := c.Categories[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

// ForeignKey links a fact column to the business key of a dimension table.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

func (fk ForeignKey) String() string {
	return fmt.Sprintf("%s->%s.%s", fk.Column, fk.RefTable, fk.RefColumn)
}

// Descriptor is everything the pipeline needs to load one entity.
type Descriptor struct {
	// Name is the entity name and the artifact prefix (e.g. "magasins").
	Name string
	// File is the input file name relative to the raw directory.
	File string
	// Table is the permanent target table (e.g. "localisation").
	Table string
	Role  Role

	// Columns are the output columns in output order, derived ones included.
	Columns []Column
	// Key is the business key (conflict target of the merge).
	Key         []string
	ForeignKeys []ForeignKey

	// CategoryOrder fixes the order used in diagnostics and CHECK constraints.
	CategoryOrder []string
}

// ColumnNames returns all output column names in order.
func (d Descriptor) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// InputColumns returns the columns expected in the source file.
func (d Descriptor) InputColumns() []Column {
	out := make([]Column, 0, len(d.Columns))
	for _, c := range d.Columns {
		if !c.Derived() {
			out = append(out, c)
		}
	}
	return out
}

// HeaderColumns returns the names of the input columns that must be present
// in the batch header for any row to be processed. A column may be expected in
// the header without being required-for-validity (clients.ville).
func (d Descriptor) HeaderColumns() []string {
	cols := d.InputColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of a column in Columns, or -1.
func (d Descriptor) Index(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KeyIndexes returns the positions of the business key columns.
func (d Descriptor) KeyIndexes() []int {
	out := make([]int, len(d.Key))
	for i, k := range d.Key {
		out[i] = d.Index(k)
	}
	return out
}

// StagingTable is the name of the session-scoped staging table.
func (d Descriptor) StagingTable() string { return d.Name + "_staging" }

// Check verifies the descriptor is internally consistent.
func (d Descriptor) Check() error {
	if d.Name == "" || d.File == "" || d.Table == "" {
		return fmt.Errorf("schema: descriptor needs name, file and table (got %q/%q/%q)", d.Name, d.File, d.Table)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("schema: %s: no columns", d.Name)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" || c.SQLType == "" {
			return fmt.Errorf("schema: %s: column needs name and sql type", d.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: %s: duplicate column %q", d.Name, c.Name)
		}
		seen[c.Name] = true
		if !c.Required && c.Kind != KindText {
			return fmt.Errorf("schema: %s.%s: only text columns may be optional", d.Name, c.Name)
		}
		if c.Kind == KindCategory && len(c.Categories) == 0 {
			return fmt.Errorf("schema: %s.%s: category column without values", d.Name, c.Name)
		}
		if c.Derive != nil && !seen[c.Derive.From] {
			return fmt.Errorf("schema: %s.%s: derived from unknown or later column %q", d.Name, c.Name, c.Derive.From)
		}
	}
	if len(d.Key) == 0 {
		return fmt.Errorf("schema: %s: empty business key", d.Name)
	}
	for _, k := range d.Key {
		if !seen[k] {
			return fmt.Errorf("schema: %s: key column %q not declared", d.Name, k)
		}
	}
	for _, fk := range d.ForeignKeys {
		if !seen[fk.Column] {
			return fmt.Errorf("schema: %s: foreign key column %q not declared", d.Name, fk.Column)
		}
		if fk.RefTable == "" || fk.RefColumn == "" {
			return fmt.Errorf("schema: %s: foreign key %s incomplete", d.Name, fk.Column)
		}
	}
	return nil
}

// TableSpec renders the permanent table definition used by EnsureTables.
// Every column is NOT NULL (optional text columns load as ""); category columns
// carry a CHECK over their canonical values and FK columns an inline
// REFERENCES clause.
func (d Descriptor) TableSpec() storage.TableSpec {
	refs := make(map[string]ForeignKey, len(d.ForeignKeys))
	for _, fk := range d.ForeignKeys {
		refs[fk.Column] = fk
	}

	t := storage.TableSpec{
		Name:       d.Table,
		PrimaryKey: append([]string(nil), d.Key...),
	}
	for _, c := range d.Columns {
		cs := storage.ColumnSpec{Name: c.Name, Type: c.SQLType}
		if fk, ok := refs[c.Name]; ok {
			cs.References = fmt.Sprintf("%s(%s)", fk.RefTable, fk.RefColumn)
		}
		t.Columns = append(t.Columns, cs)
		if c.Kind == KindCategory {
			t.Checks = append(t.Checks, storage.CheckSpec{Column: c.Name, In: c.Allowed(d.CategoryOrder)})
		}
	}
	return t
}

// StagingSpec renders the staging table definition. Staging columns are
// nullable and unconstrained; the backend adds the ordinal column.
func (d Descriptor) StagingSpec() storage.StagingSpec {
	yes := true
	s := storage.StagingSpec{Name: d.StagingTable()}
	for _, c := range d.Columns {
		s.Columns = append(s.Columns, storage.ColumnSpec{Name: c.Name, Type: c.SQLType, Nullable: &yes})
	}
	return s
}

// MergeSpec renders the staging -> permanent merge for this entity.
func (d Descriptor) MergeSpec() storage.MergeSpec {
	return storage.MergeSpec{
		Target:  d.Table,
		Staging: d.StagingTable(),
		Columns: d.ColumnNames(),
		Key:     append([]string(nil), d.Key...),
	}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s -> %s, key=%s)", d.Name, d.File, d.Table, strings.Join(d.Key, ","))
}
