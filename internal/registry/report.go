package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Skip is one rejected row or selector.
type Skip struct {
	Line     int
	Selector string
	Reason   string
}

func (s Skip) String() string {
	if s.Selector == "" {
		return fmt.Sprintf("line %d: %s", s.Line, s.Reason)
	}
	return fmt.Sprintf("line %d: %s %q", s.Line, s.Reason, s.Selector)
}

// Report tracks what the registry loader accepted and why rows were skipped.
type Report struct {
	Rows     int
	Accepted int
	Skipped  []Skip
}

func (r *Report) skip(line int, selector, reason string) {
	r.Skipped = append(r.Skipped, Skip{Line: line, Selector: selector, Reason: reason})
}

// ReasonCounts groups skips by reason.
func (r *Report) ReasonCounts() map[string]int {
	out := make(map[string]int)
	for _, s := range r.Skipped {
		out[s.Reason]++
	}
	return out
}

// Summary returns a human-readable summary of the load.
func (r *Report) Summary() string {
	counts := r.ReasonCounts()
	reasons := make([]string, 0, len(counts))
	for reason, n := range counts {
		reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(reasons)
	s := fmt.Sprintf("rows=%d accepted=%d skipped=%d", r.Rows, r.Accepted, len(r.Skipped))
	if len(reasons) > 0 {
		s += " (" + strings.Join(reasons, ", ") + ")"
	}
	return s
}
