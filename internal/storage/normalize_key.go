package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a scanned natural-key value to its string form.
//
// Drivers differ in what they return for text columns (string, []byte, or a
// driver-specific type); this keeps SurrogateKeys maps consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
