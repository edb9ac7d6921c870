// Package authclient speaks the gateway's HTTP auth protocol to a remote
// validation service, with the same bounded per-attempt retry and
// destructive server-list failover the daemon family applies to any
// flaky upstream.
package authclient

import (
	"regexp"
	"strconv"
)

// Verdict is the remote service's answer to a login/counters/logout call.
type Verdict int

// The verdict values the wire protocol defines; values chosen to match the
// Auth: line exactly, not sequential zero-based enumeration.
const (
	Error            Verdict = -1
	Denied           Verdict = 0
	Allowed          Verdict = 1
	Validation       Verdict = 5
	ValidationFailed Verdict = 6
	Locked           Verdict = 254
)

func (v Verdict) String() string {
	switch v {
	case Error:
		return "ERROR"
	case Denied:
		return "DENIED"
	case Allowed:
		return "ALLOWED"
	case Validation:
		return "VALIDATION"
	case ValidationFailed:
		return "VALIDATION_FAILED"
	case Locked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

var authLine = regexp.MustCompile(`Auth:\s*(-?\d+)`)

// parseVerdict extracts the Auth: <digit> line from a response body. Any
// body that doesn't contain a matching line yields Error, the same as a
// transport-level parse failure.
func parseVerdict(body []byte) Verdict {
	m := authLine.FindSubmatch(body)
	if m == nil {
		return Error
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return Error
	}
	switch Verdict(n) {
	case Denied, Allowed, Validation, ValidationFailed, Locked:
		return Verdict(n)
	default:
		return Error
	}
}
