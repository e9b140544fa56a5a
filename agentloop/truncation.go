package agentloop

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Character limits. Sizes are measured in bytes of UTF-8 text; cuts never
// split a rune.
const (
	DefaultMaxToolResultChars = 4000

	bashStdoutLimit = 8000
	bashStderrLimit = 2000
	readFileLimit   = 20000
	grepMatchLimit  = 50
	globFileLimit   = 100
	listDirLimit    = 100
	diffLineLimit   = 100
)

var numberPrinter = message.NewPrinter(language.English)

// FormatCount renders n with thousands separators ("12,345").
func FormatCount(n int) string {
	return numberPrinter.Sprintf("%d", n)
}

// TruncateToolResult bounds a tool result before it enters the transcript.
// Output longer than maxChars keeps its first two thirds and last third of
// the budget, joined by a marker that states how much was removed.
func TruncateToolResult(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	head := output[:runeFloor(output, maxChars*2/3)]
	tail := output[runeCeil(output, len(output)-maxChars/3):]
	removed := len(output) - len(head) - len(tail)

	return head + "\n\n... [truncated " + FormatCount(removed) + " chars] ...\n\n" + tail
}

// capChars keeps the first limit bytes of s and appends a marker with the
// original size. It reports whether anything was cut.
func capChars(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return s[:runeFloor(s, limit)] + "\n... (truncated, " + FormatCount(len(s)) + " total chars)", true
}

// capLines keeps the first limit lines of lines and reports how many were
// dropped.
func capLines(lines []string, limit int) ([]string, int) {
	if len(lines) <= limit {
		return lines, 0
	}
	return lines[:limit], len(lines) - limit
}

// splitLines splits text into lines without producing a trailing empty
// element for a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	if i <= 0 {
		return 0
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// firstLine returns the first line of s cut to max bytes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s[:runeFloor(s, max)]
}
