// The table specs live here so that both multitable and the backend packages
// can import them without circular deps.
package storage

// SeqColumn is the ordinal column every staging table carries. It records the
// position of the row in the accepted batch and decides which duplicate wins.
const SeqColumn = "_seq"

// TableSpec describes a permanent table.
type TableSpec struct {
	Name       string       `json:"name"`
	Columns    []ColumnSpec `json:"columns"`
	PrimaryKey []string     `json:"primary_key"`
	Checks     []CheckSpec  `json:"checks,omitempty"`
}

// ColumnSpec describes one column.
//
// Nullable semantics follow the DDL builders: nil or false renders NOT NULL,
// true leaves the column nullable.
type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

// IsNullable reports whether the column accepts NULL.
func (c ColumnSpec) IsNullable() bool { return c.Nullable != nil && *c.Nullable }

// CheckSpec restricts a column to an enumerated set of values.
type CheckSpec struct {
	Column string   `json:"column"`
	In     []string `json:"in"`
}

// StagingSpec describes a session-scoped staging table. Backends prepend
// SeqColumn to Columns.
type StagingSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnNames returns SeqColumn followed by the declared columns, which is the
// column list CopyStaging expects.
func (s StagingSpec) ColumnNames() []string {
	out := make([]string, 0, len(s.Columns)+1)
	out = append(out, SeqColumn)
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	return out
}

// MergeSpec describes a staging -> permanent upsert.
type MergeSpec struct {
	Target  string   `json:"target"`
	Staging string   `json:"staging"`
	Columns []string `json:"columns"`
	Key     []string `json:"key"`
}

// UpdateColumns returns the non-key columns, i.e. the ones overwritten on conflict.
func (m MergeSpec) UpdateColumns() []string {
	keys := make(map[string]bool, len(m.Key))
	for _, k := range m.Key {
		keys[k] = true
	}
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}
