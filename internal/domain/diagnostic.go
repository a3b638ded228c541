package domain

import (
	"fmt"
	"strings"
)

// Severity distinguishes native warnings from errors.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Location points into script source. Zero fields mean "unknown".
type Location struct {
	File string
	Func string
	Line int
	Pos  int
}

func (l Location) String() string {
	if l.File == "" && l.Line == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(l.File)
	if l.Line > 0 {
		fmt.Fprintf(&b, ":%d", l.Line)
		if l.Pos > 0 {
			fmt.Fprintf(&b, ":%d", l.Pos)
		}
	}
	if l.Func != "" {
		fmt.Fprintf(&b, " (in %s)", l.Func)
	}
	return b.String()
}

// ErrorRecord is a structured native diagnostic. It is a value type and is
// never mutated after construction.
type ErrorRecord struct {
	Code     int       // native error code as reported by the library
	Kind     ErrorCode // taxonomy code the diagnostic was classified as
	Severity Severity
	Message  string
	Location Location
	Stack    []Location // script frames of a runtime fault, innermost first
	State    State      // session state when the record was captured
}

func (r ErrorRecord) String() string {
	loc := r.Location.String()
	if loc == "" {
		return fmt.Sprintf("%s: %s", r.Severity, r.Message)
	}
	return fmt.Sprintf("%s: %s: %s", loc, r.Severity, r.Message)
}

// Trace renders Stack one frame per line.
func (r ErrorRecord) Trace() string {
	var b strings.Builder
	for _, f := range r.Stack {
		fmt.Fprintf(&b, "\tat %s\n", f)
	}
	return b.String()
}

// IsOverflowMarker reports whether r is the synthetic record appended when
// older diagnostics were dropped.
func (r ErrorRecord) IsOverflowMarker() bool {
	return r.Kind == CodeDiagnosticsOverflow
}
