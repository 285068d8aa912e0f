package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical textual form of a date key.
const DateLayout = "2006-01-02"

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory key sets (e.g. "P001", "42" or "2024-01-15").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps key sets consistent across drivers and with the validator's values.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(DateLayout)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
