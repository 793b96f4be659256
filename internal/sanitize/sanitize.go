// Package sanitize hardens strings that cross a trust boundary. Event
// fields are chosen by whoever emitted the original log line, and error
// messages built from subsystem failures can carry paths or addresses
// that do not belong in a client response.
package sanitize

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	pathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)
	ipPattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	credentialPattern = regexp.MustCompile(`(?i)(password=|secret=|sasl|token=|api[_-]?key=)`)
)

// Display returns s safe for terminal rendering. Escape sequences are
// removed first, then every remaining control rune is dropped, so a
// sequence the patterns miss degrades to visible text rather than
// cursor or title manipulation.
func Display(s string) string {
	if !strings.ContainsFunc(s, isControl) {
		return s
	}

	s = csiPattern.ReplaceAllString(s, "")
	s = oscPattern.ReplaceAllString(s, "")

	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f)
}

// ErrorMessage returns a client-safe rendering of err. Absolute paths
// keep only their final element, addresses lose their host half, and
// anything that looks like credential material collapses the whole
// message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if credentialPattern.MatchString(msg) {
		return "internal error"
	}

	msg = pathPattern.ReplaceAllStringFunc(msg, filepath.Base)

	msg = ipPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parts := strings.Split(match, ".")
		return parts[0] + "." + parts[1] + ".x.x"
	})

	// Multi-line messages are stack traces or wrapped dumps, not
	// something a client can act on.
	if strings.Contains(msg, "goroutine") || strings.Count(msg, "\n") > 3 {
		return "internal error"
	}

	return Display(msg)
}
