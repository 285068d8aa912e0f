package transformer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"dwetl/internal/parser/csv"
	"dwetl/internal/schema"
)

// SchemaError is returned when the batch header lacks columns the entity
// expects. It is a batch-level failure: no row is classified.
type SchemaError struct {
	Entity  string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: missing columns: %s", e.Entity, strings.Join(e.Missing, ", "))
}

// Options tunes validation.
type Options struct {
	// StrictMeasures enforces the descriptor's Min/Max bounds (negative
	// quantities or amounts, implausible ages). Off by default.
	StrictMeasures bool
}

// Result is the partition of one batch.
//
// Accepted and Rejected are both in input order and together contain every
// row of the batch exactly once. Duplicated keys are kept.
type Result struct {
	Accepted []Record
	Rejected []Rejection
}

// Validate coerces every row of b against d and partitions the batch.
//
// When to use:
//   - Call once per batch, after extraction and before FK filtering.
//
// Edge cases:
//   - An empty batch yields an empty Result and no error.
//   - Header names are matched after NormalizeHeader, so "Client ID" matches client_id.
//   - A cell that cannot be coerced is treated as missing; it rejects the row
//     only when the column is required-for-validity.
//
// Errors:
//   - *SchemaError when expected columns are absent from the header.
func Validate(b *csv.Batch, d schema.Descriptor, opt Options) (Result, error) {
	idx := b.Index()

	var missing []string
	for _, name := range d.HeaderColumns() {
		if _, ok := idx[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Result{}, &SchemaError{Entity: d.Name, Missing: missing}
	}

	src := make([]int, len(d.Columns))
	for i, c := range d.Columns {
		src[i] = -1
		if !c.Derived() {
			src[i] = idx[c.Name]
		}
	}

	var res Result
	for _, row := range b.Rows {
		v, reason := coerceRow(row, d, src, opt)
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Row: row, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, Record{
			Line:    row.Line,
			Ordinal: len(res.Accepted) + 1,
			Raw:     row,
			V:       v,
		})
	}
	return res, nil
}

// coerceRow returns the typed values of row, or the first failing reason.
func coerceRow(row csv.RawRow, d schema.Descriptor, src []int, opt Options) ([]any, string) {
	v := make([]any, len(d.Columns))

	for i, c := range d.Columns {
		if c.Derived() {
			v[i] = derive(c, d, v)
		} else {
			raw := row.Value(src[i])
			val, reason := coerceCell(c, raw)
			if reason != "" {
				return nil, reason
			}
			v[i] = val
		}

		if v[i] == nil {
			if c.Required {
				if c.Derived() || strings.TrimSpace(row.Value(src[i])) == "" {
					return nil, "missing " + c.Name
				}
				return nil, fmt.Sprintf("invalid %s %q", c.Name, strings.TrimSpace(row.Value(src[i])))
			}
			// Permanent columns are NOT NULL.
			v[i] = ""
			continue
		}

		if opt.StrictMeasures {
			if reason := checkBounds(c, v[i]); reason != "" {
				return nil, reason
			}
		}
	}
	return v, ""
}

// coerceCell converts one raw cell. A non-empty reason rejects the row
// regardless of Required (only category mismatches do that).
func coerceCell(c schema.Column, raw string) (any, string) {
	switch c.Kind {
	case schema.KindText:
		if s, ok := CoerceText(raw); ok {
			return s, ""
		}
	case schema.KindInteger:
		if n, ok := CoerceInteger(raw); ok && fitsSQLType(c.SQLType, n) {
			return n, ""
		}
	case schema.KindNumeric:
		if f, ok := CoerceNumeric(raw); ok {
			return f, ""
		}
	case schema.KindDate:
		if t, ok := CoerceDate(raw); ok {
			return t, ""
		}
	case schema.KindCategory:
		canonical, upper, ok := CoerceCategory(raw, c.Categories)
		if ok {
			return canonical, ""
		}
		if upper != "" {
			return nil, fmt.Sprintf("%s %q not in %s", c.Name, upper, allowedList(c))
		}
	}
	return nil, ""
}

func allowedList(c schema.Column) string {
	vals := make([]string, 0, len(c.Categories))
	for _, v := range c.Categories {
		vals = append(vals, v)
	}
	sort.Strings(vals)
	return "[" + strings.Join(vals, " ") + "]"
}

func derive(c schema.Column, d schema.Descriptor, v []any) any {
	from := d.Index(c.Derive.From)
	if from < 0 {
		return nil
	}
	t, ok := v[from].(time.Time)
	if !ok {
		return nil
	}
	switch c.Derive.Part {
	case schema.PartMonth:
		return int64(t.Month())
	}
	return nil
}

func checkBounds(c schema.Column, v any) string {
	var f float64
	switch t := v.(type) {
	case int64:
		f = float64(t)
	case float64:
		f = t
	default:
		return ""
	}
	if c.Min != nil && f < *c.Min {
		return fmt.Sprintf("%s=%s below %s", c.Name, FormatValue(v), strconv.FormatFloat(*c.Min, 'f', -1, 64))
	}
	if c.Max != nil && f > *c.Max {
		return fmt.Sprintf("%s=%s above %s", c.Name, FormatValue(v), strconv.FormatFloat(*c.Max, 'f', -1, 64))
	}
	return ""
}

// fitsSQLType reports whether n fits the declared integer column type.
// INT and INTEGER are 32-bit on Postgres and SQL Server.
func fitsSQLType(sqlType string, n int64) bool {
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "INT", "INTEGER", "INT4":
		return n >= math.MinInt32 && n <= math.MaxInt32
	case "SMALLINT", "INT2":
		return n >= math.MinInt16 && n <= math.MaxInt16
	}
	return true
}
