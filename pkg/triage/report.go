package triage

import (
	"regexp"
	"strings"
)

// Report is the parsed form of a sanitizer crash dump.
type Report struct {
	BugType      string
	TriggerPoint string // file:line[:col] for clike, class.method for JVM
	Summary      string // compressed stack trace
}

// Parser turns raw replay output into a Report. The detailed per-sanitizer
// grammars live outside the core; this interface is their seam. Parse
// returns false when the output matches no known grammar.
type Parser interface {
	Parse(output string) (*Report, bool)
}

var (
	asanErrorRe   = regexp.MustCompile(`ERROR: (\w+Sanitizer): ([\w-]+)`)
	libfuzzerRe   = regexp.MustCompile(`==\d+== ERROR: libFuzzer: ([\w-]+)`)
	jazzerRe      = regexp.MustCompile(`== Java Exception: ([\w.$]+)`)
	frameRe       = regexp.MustCompile(`#\d+ 0x[0-9a-f]+ in (\S+) (\S+?:\d+(?::\d+)?)`)
	javaFrameRe   = regexp.MustCompile(`\tat ([\w.$]+\([^)]*\))`)
	secIssueRe    = regexp.MustCompile(`(FuzzerSecurityIssue\w+): ([^\n]+)`)
)

// StackParser is the built-in report parser covering the common
// AddressSanitizer, libFuzzer and Jazzer output shapes.
type StackParser struct{}

// Parse implements Parser.
func (StackParser) Parse(output string) (*Report, bool) {
	report := &Report{}

	switch {
	case strings.Contains(output, "libFuzzer: timeout after"):
		report.BugType = BugTypeTimeout
	case strings.Contains(output, "libFuzzer: out-of-memory"):
		report.BugType = BugTypeOutOfMemory
	default:
		if m := secIssueRe.FindStringSubmatch(output); m != nil {
			report.BugType = m[1] + ": " + strings.TrimSpace(m[2])
		} else if m := asanErrorRe.FindStringSubmatch(output); m != nil {
			report.BugType = m[1] + ": " + m[2]
		} else if m := libfuzzerRe.FindStringSubmatch(output); m != nil {
			report.BugType = "libFuzzer: " + m[1]
		} else if m := jazzerRe.FindStringSubmatch(output); m != nil {
			report.BugType = "Java Exception: " + m[1]
		}
	}
	if report.BugType == "" {
		return nil, false
	}

	frames := frameRe.FindAllStringSubmatch(output, 4)
	if len(frames) > 0 {
		report.TriggerPoint = frames[0][2]
		var fns []string
		for _, f := range frames {
			fns = append(fns, f[1])
		}
		report.Summary = strings.Join(fns, " <- ")
	} else if jf := javaFrameRe.FindAllStringSubmatch(output, 4); len(jf) > 0 {
		report.TriggerPoint = jf[0][1]
		var fns []string
		for _, f := range jf {
			fns = append(fns, f[1])
		}
		report.Summary = strings.Join(fns, " <- ")
	}

	if report.TriggerPoint == "" {
		// A bug type without any stack frame is not attributable.
		return nil, false
	}
	return report, true
}
