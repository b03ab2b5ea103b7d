// Package quality gates the assembled answer before a turn is marked
// complete. The stream has already reached the client by the time the
// gate runs, so a failed check cannot retract text; it flags the turn
// so the transport can append a corrective note instead of presenting
// a degenerate answer as final.
package quality

import (
	"fmt"
	"strings"
)

// Report is the gate's verdict for one completed turn.
type Report struct {
	OK     bool
	Reason string
}

// Checker validates assembled answers.
type Checker struct {
	minChars int
}

// NewChecker creates a gate that requires answers of at least minChars
// characters. Zero or negative disables the length check.
func NewChecker(minChars int) *Checker {
	return &Checker{minChars: minChars}
}

// Check inspects the final answer text for a turn. completedNormally
// reports whether the model stream reached a deliberate stop; a stream
// cut off by the token ceiling or ended without a stop marker is
// truncated no matter how much text arrived. provisionalAck is the
// acknowledgement fragment that was streamed before tool execution
// ("" when no tools ran); an answer that adds nothing beyond it means
// the model stalled after seeing the tool results.
func (c *Checker) Check(finalText, provisionalAck string, completedNormally bool) Report {
	trimmed := strings.TrimSpace(finalText)

	if !completedNormally {
		return Report{Reason: "stream ended before the answer completed"}
	}
	if trimmed == "" {
		return Report{Reason: "empty answer"}
	}
	if c.minChars > 0 && len(trimmed) < c.minChars {
		return Report{Reason: fmt.Sprintf("answer too short: %d chars, need %d", len(trimmed), c.minChars)}
	}
	if provisionalAck != "" {
		ack := strings.TrimSpace(provisionalAck)
		if trimmed == ack {
			return Report{Reason: "answer repeats the provisional acknowledgement verbatim"}
		}
		if strings.HasPrefix(trimmed, ack) && len(trimmed)-len(ack) < 20 {
			return Report{Reason: "answer adds almost nothing beyond the provisional acknowledgement"}
		}
	}

	return Report{OK: true}
}
