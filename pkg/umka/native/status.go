package native

import "strings"

// Messages Umka uses when a VM runs out of stack or heap.
var exhaustedMessages = []string{
	"stack overflow",
	"out of memory",
	"heap overflow",
}

// NormalizeStatus maps the return code of umkaRun or umkaCall to a Status.
// Exhaustion is recognized by its message. Every other positive code,
// including one passed to exit(), is a runtime error; the raw code stays in
// RawError.Code. Negative codes are not produced by the VM and pass through.
func NormalizeStatus(code int32, msg string) Status {
	if code == 0 {
		return StatusOK
	}
	lower := strings.ToLower(msg)
	for _, m := range exhaustedMessages {
		if strings.Contains(lower, m) {
			return StatusExhausted
		}
	}
	if code > 0 {
		return StatusRuntime
	}
	return Status(code)
}
