package chat

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var punctuation = strings.NewReplacer(
	// ligatures
	"ﬁ", "fi", "ﬂ", "fl", "ﬀ", "ff", "ﬃ", "ffi", "ﬄ", "ffl",
	// quotes
	"‘", "'", "’", "'", "“", `"`, "”", `"`, "„", `"`,
	"«", `"`, "»", `"`, "‹", "'", "›", "'",
	// dashes
	"—", "-", "–", "-", "‐", "-", "−", "-", "‒", "-", "―", "-",
	// other
	"…", "...", "•", "*", "‣", "*", "⁃", "-", "·", "*",
)

// NormalizeText applies NFC normalization, folds typographic punctuation
// to ASCII, drops control and unassigned characters, collapses runs of
// spaces and removes blank lines.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = punctuation.Replace(s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(keepPrintable(line), func(r rune) bool { return r == ' ' }), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func keepPrintable(line string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\r':
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.In(r, unicode.L, unicode.N, unicode.P, unicode.S):
			return r
		default:
			return -1
		}
	}, line)
}
