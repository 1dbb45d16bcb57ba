package lvp

import (
	"strconv"
	"strings"
)

// Coerce turns a textual parameter value into the narrowest matching Go
// type: int, then float64, else the trimmed string.
func Coerce(s string) any {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
