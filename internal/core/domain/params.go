package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoerceParam restores the type of a hyperparameter the tracking store kept
// as a string. All-digit strings become int. Other float-parseable strings,
// digit separators like "1_000" included, become float64. Anything else is
// returned unchanged.
func CoerceParam(s string) any {
	if isAllDigits(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		// Too large for int; a float keeps the magnitude.
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || hasHexPrefix(trimmed) {
		return s
	}
	if strings.Contains(trimmed, "_") {
		var ok bool
		if trimmed, ok = stripDigitSeparators(trimmed); !ok {
			return s
		}
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}

// stripDigitSeparators removes underscores that sit between two digits, as in
// "1_000". Any other underscore makes the string non-numeric.
func stripDigitSeparators(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '_' {
			b.WriteByte(s[i])
			continue
		}
		if i == 0 || i == len(s)-1 || !isDigit(s[i-1]) || !isDigit(s[i+1]) {
			return "", false
		}
	}
	return b.String(), true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func CoerceParams(params map[string]string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = CoerceParam(v)
	}
	return out
}

// FormatParam renders a hyperparameter for logging. Floats always carry a
// decimal point or exponent so CoerceParam reads them back as floats.
func FormatParam(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(val, 64)
	case float32:
		return formatFloat(float64(val), 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func FormatParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = FormatParam(v)
	}
	return out
}

func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasHexPrefix(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
