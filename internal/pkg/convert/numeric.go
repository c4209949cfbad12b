// Package convert provides tolerant numeric conversion for model output.
package convert

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ToFloat64 converts the loose types a JSON decode can produce to float64.
// Returns 0 and false when the value cannot be interpreted as a number.
func ToFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		return ParsePrice(t)
	default:
		return 0, false
	}
}

// ParsePrice parses a price the way humans (and models) write them:
// "1.1000", "1,950.50", "$1950", "1950 USD". Thousands separators and a
// leading currency sign are stripped before parsing.
func ParsePrice(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.TrimLeft(s, "$€£¥")
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
