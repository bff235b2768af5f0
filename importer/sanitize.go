package importer

import (
	"fmt"
	"strings"
)

// Characters that survive sanitization beyond alphanumerics, underscore,
// hyphen and tilde. The dot is allowed through percent-escaping and then
// escaped separately below.
const safeChars = "~()*!.'"

// SanitizeColumns rewrites CSV column names so they are valid store field
// names: every byte outside the allow-list is percent-escaped, and literal
// periods become %2E because document field names cannot contain them.
func SanitizeColumns(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = SanitizeColumn(c)
	}
	return out
}

// SanitizeColumn sanitizes a single column name.
func SanitizeColumn(col string) string {
	var b strings.Builder
	for _, c := range []byte(col) {
		if isUnreserved(c) || strings.IndexByte(safeChars, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return strings.ReplaceAll(b.String(), ".", "%2E")
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '~' || c == '.'
}
