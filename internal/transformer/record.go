// Package transformer turns raw extract rows into typed records and decides,
// row by row, whether they are loadable.
package transformer

import (
	"strconv"
	"time"

	"dwetl/internal/parser/csv"
)

// Record is an accepted row.
//
// V is aligned to the descriptor's output columns (derived ones included).
// Values are int64, float64, string or time.Time (UTC midnight); nil means
// missing. Raw keeps the source cells so the record can still be rejected
// later (FK filtering) with its original values.
type Record struct {
	Line    int
	Ordinal int
	Raw     csv.RawRow
	V       []any
}

// Rejection is a row excluded from loading, with the first failing reason.
type Rejection struct {
	Row    csv.RawRow
	Reason string
}

// Reject turns an accepted record into a rejection.
func (r Record) Reject(reason string) Rejection {
	return Rejection{Row: r.Raw, Reason: reason}
}

// FormatValue renders a typed value for the processed export. Dates use
// 2006-01-02, numbers the shortest exact form, missing values an empty cell.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format("2006-01-02")
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
