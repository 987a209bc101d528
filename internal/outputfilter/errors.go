package outputfilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// errorTokens is the fixed, case-insensitive token set that marks a buffer
// as containing an error.
var errorTokens = []string{
	"error",
	"fatal",
	"critical",
	"permission denied",
	"no such file",
	"command not found",
	"segmentation fault",
	"traceback",
	"panic:",
}

// detectError scans text line by line and returns whether any error token
// was found, along with the zero-based index of the line containing the
// first occurrence.
func detectError(text string) (found bool, lineIndex int) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, tok := range errorTokens {
			if strings.Contains(lower, tok) {
				return true, i
			}
		}
	}
	return false, -1
}

// markerPattern builds the regex that recognises the exit-code capture
// marker appended by the shell session, keyed by the session's randomised
// salt. Matching is tolerant of the trailing newline the shell
// echoes after the marker.
func markerPattern(salt string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)__RTX_` + regexp.QuoteMeta(salt) + `__:(-?\d+)__END_` + regexp.QuoteMeta(salt) + `__\s*`)
}

// ExtractExitCode scans raw for the exit-code marker and returns the parsed
// code and whether the marker was found at all.
func ExtractExitCode(raw []byte, salt string) (code int, found bool) {
	if salt == "" {
		return 0, false
	}
	m := markerPattern(salt).FindSubmatch(raw)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// stripMarker removes the exit-code marker text from text for any
// agent-facing payload that is not raw mode (raw returns the buffer
// verbatim, marker included).
func stripMarker(text, salt string) string {
	if salt == "" {
		return text
	}
	return markerPattern(salt).ReplaceAllString(text, "")
}

func installExcerpt(text string) string {
	lines := strings.Split(text, "\n")
	var setup, installed string
	packageCount := 0
	for _, line := range lines {
		lower := strings.ToLower(line)
		if setup == "" && strings.Contains(lower, "setting up") {
			setup = strings.TrimSpace(line)
		}
		if installed == "" && (strings.Contains(lower, "installed") || strings.Contains(lower, "unpacking")) {
			installed = strings.TrimSpace(line)
		}
		if strings.Contains(lower, "newly installed") {
			packageCount++
		}
	}
	var b strings.Builder
	if setup != "" {
		b.WriteString(setup)
		b.WriteString("\n")
	}
	if installed != "" {
		b.WriteString(installed)
		b.WriteString("\n")
	}
	if packageCount > 0 {
		fmt.Fprintf(&b, "%d package(s) newly installed\n", packageCount)
	}
	if b.Len() == 0 {
		return "(no install summary lines detected)"
	}
	return b.String()
}
