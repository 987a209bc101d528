// Package outputfilter produces the agent-facing payload from a command's
// raw output buffer, honouring command-class-specific policies,
// error-preservation rules, and explicit output modes. Every
// function here is a pure, deterministic transform of its inputs: no I/O,
// no clock reads, no hidden state.
package outputfilter

import (
	"strconv"
	"strings"

	"shellbroker/internal/termio"
)

type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeFull    Mode = "full"
	ModePreview Mode = "preview"
	ModeSummary Mode = "summary"
	ModeMinimal Mode = "minimal"
	ModeRaw     Mode = "raw"
)

type Thresholds struct {
	Install      int
	FileListing  int
	LogSearch    int
	Generic      int
}

// DefaultThresholds are the output filter's out-of-the-box line-count cutoffs.
var DefaultThresholds = Thresholds{Install: 100, FileListing: 50, LogSearch: 50, Generic: 50}

func (t Thresholds) forClass(c Class) int {
	switch c {
	case ClassInstall:
		return t.Install
	case ClassFileListing:
		return t.FileListing
	case ClassLogSearch:
		return t.LogSearch
	default:
		return t.Generic
	}
}

type Truncation struct {
	HeadLines int
	TailLines int
}

var DefaultTruncation = Truncation{HeadLines: 30, TailLines: 20}

// Policy bundles the configuration needed to filter a buffer.
type Policy struct {
	Thresholds Thresholds
	Truncation Truncation
	ClassRules []ClassRule
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds: DefaultThresholds,
		Truncation: DefaultTruncation,
		ClassRules: DefaultClassRules,
	}
}

// Input is everything the filter needs to produce a Payload.
type Input struct {
	Buffer      []byte
	Mode        Mode
	CommandText string
	MarkerSalt  string
	RetrievalID string // populated for ModeMinimal's pointer-to-retrieve-later
	Truncated   bool   // true if the ring buffer has already elided bytes
}

// Payload is the agent-facing result.
type Payload struct {
	Mode            Mode
	Class           Class
	Text            string
	LineCount       int
	ByteCount       int
	HasErrors       bool
	ExitCode        *int
	TruncatedBuffer bool
	RetrievalHint   string
}

// Filter transforms a raw buffer into an agent-facing Payload according to
// mode and policy.
func Filter(in Input, policy Policy) Payload {
	class := Classify(in.CommandText, policy.ClassRules)
	exitCode, hasMarker := ExtractExitCode(in.Buffer, in.MarkerSalt)

	plain := string(termio.NormalizeNewlines(termio.StripANSI(termio.ResolveBackspaces(in.Buffer))))
	plain = stripMarker(plain, in.MarkerSalt)
	hasErrors, errLine := detectError(plain)

	lines := splitLines(plain)
	payload := Payload{
		Class:           class,
		LineCount:       len(lines),
		ByteCount:       len(in.Buffer),
		HasErrors:       hasErrors,
		TruncatedBuffer: in.Truncated,
	}
	if hasMarker {
		v := exitCode
		payload.ExitCode = &v
	}

	mode := in.Mode
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeRaw:
		payload.Mode = ModeRaw
		payload.Text = string(in.Buffer)
		return payload
	case ModeFull:
		payload.Mode = ModeFull
		payload.Text = plain
		return payload
	case ModePreview:
		payload.Mode = ModePreview
		payload.Text = previewText(lines, policy.Truncation)
		return payload
	case ModeSummary:
		payload.Mode = ModeSummary
		payload.Text = summaryText(class, lines, hasErrors)
		return payload
	case ModeMinimal:
		if hasErrors {
			// Error preservation override: minimal is upgraded to summary.
			payload.Mode = ModeSummary
			payload.Text = summaryText(class, lines, hasErrors)
			return payload
		}
		payload.Mode = ModeMinimal
		payload.RetrievalHint = in.RetrievalID
		return payload
	case ModeAuto:
		return autoPayload(payload, class, lines, plain, hasErrors, errLine, policy)
	default:
		// Unrecognised mode: fall back to auto, the system's default policy.
		return autoPayload(payload, class, lines, plain, hasErrors, errLine, policy)
	}
}

func autoPayload(payload Payload, class Class, lines []string, plain string, hasErrors bool, errLine int, policy Policy) Payload {
	threshold := policy.Thresholds.forClass(class)

	if hasErrors {
		payload.Mode = ModeAuto
		payload.Text = errorPreservedText(class, lines, errLine, hasErrors)
		return payload
	}

	if len(lines) <= threshold {
		payload.Mode = ModeAuto
		payload.Text = plain
		return payload
	}

	payload.Mode = ModeAuto
	if class == ClassInstall {
		payload.Text = summaryText(class, lines, hasErrors)
	} else {
		payload.Text = previewText(lines, policy.Truncation)
	}
	return payload
}

// errorPreservedText implements the error-preservation override: at least
// 20 lines preceding the first error token through end-of-buffer, plus a
// class-appropriate summary line.
func errorPreservedText(class Class, lines []string, errLine int, hasErrors bool) string {
	start := errLine - 20
	if start < 0 {
		start = 0
	}
	tail := strings.Join(lines[start:], "\n")
	summary := summaryText(class, lines, hasErrors)
	return tail + "\n---\n" + summary
}

func previewText(lines []string, trunc Truncation) string {
	h, tl := trunc.HeadLines, trunc.TailLines
	if h <= 0 {
		h = DefaultTruncation.HeadLines
	}
	if tl <= 0 {
		tl = DefaultTruncation.TailLines
	}
	if len(lines) <= h+tl {
		return strings.Join(lines, "\n")
	}
	head := lines[:h]
	tail := lines[len(lines)-tl:]
	omitted := len(lines) - h - tl
	marker := "... (" + strconv.Itoa(omitted) + " lines omitted) ..."
	return strings.Join(head, "\n") + "\n" + marker + "\n" + strings.Join(tail, "\n")
}

func summaryText(class Class, lines []string, hasErrors bool) string {
	var b strings.Builder
	b.WriteString("lines=")
	b.WriteString(strconv.Itoa(len(lines)))
	b.WriteString(" class=")
	b.WriteString(string(class))
	if hasErrors {
		b.WriteString(" has_errors=true")
	}
	if class == ClassInstall {
		b.WriteString("\n")
		b.WriteString(installExcerpt(strings.Join(lines, "\n")))
	}
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}
