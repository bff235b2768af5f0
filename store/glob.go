package store

import (
	"regexp"
	"strings"
)

// TranslateGlob converts a shell-style pattern into an anchored regular
// expression suitable for a $regex path filter. Recognised metacharacters
// are *, ? and [...] character classes; everything else is quoted literally.
// As in shell fnmatch, * matches across path separators, which is exactly
// what the series glob relies on.
func TranslateGlob(pattern string) string {
	var b strings.Builder
	b.WriteString(`^`)

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				// Unterminated class: treat the bracket literally.
				b.WriteString(`\[`)
				continue
			}
			class := string(runes[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			class = strings.ReplaceAll(class, `\`, `\\`)
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString(`$`)
	return b.String()
}
