package transformer

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// CoerceText trims the cell; an empty result is missing.
func CoerceText(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

// CoerceNumeric parses a decimal number. NaN and infinities are missing.
func CoerceNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// CoerceInteger parses a number and truncates it toward zero, so "3.0" and
// "3.7" both load as 3. Values outside the int64 range are missing.
func CoerceInteger(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, ok := CoerceNumeric(s)
	if !ok {
		return 0, false
	}
	f = math.Trunc(f)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"01/02/2006",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
}

// CoerceDate parses a calendar date and truncates any time part. Slash dates
// are read month-first; day-first is tried only when month-first is invalid.
func CoerceDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// CoerceCategory upper-cases the cell and maps it through lookup. The second
// result is the upper-cased value, used in diagnostics when the lookup misses.
func CoerceCategory(s string, lookup map[string]string) (canonical string, upper string, ok bool) {
	upper = strings.ToUpper(strings.TrimSpace(s))
	if upper == "" {
		return "", "", false
	}
	canonical, ok = lookup[upper]
	return canonical, upper, ok
}
