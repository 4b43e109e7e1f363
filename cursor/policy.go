package cursor

import (
	"fmt"
	"strings"
)

// Policy selects how a cursor minted against an older index revision is
// treated.
type Policy int

const (
	// ResumeByKey continues after the last item the cursor yielded, looked up
	// by key in the current revision.
	ResumeByKey Policy = iota
	// Reject fails any cursor whose revision differs from the current one
	// with toolerr.ErrStaleCursor.
	Reject
)

func (p Policy) String() string {
	switch p {
	case ResumeByKey:
		return "resume"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "resume" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "resume", "resume-by-key", "resumebykey":
		return ResumeByKey, nil
	case "reject":
		return Reject, nil
	default:
		return 0, fmt.Errorf("unknown stale cursor policy %q", s)
	}
}
