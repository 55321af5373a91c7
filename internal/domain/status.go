package domain

import "fmt"

// Status is the settlement lifecycle state of a market.
type Status uint8

const (
	StatusOpen Status = iota
	StatusLocked
	StatusAwaitingResolution
	StatusResolved
	StatusVoid
)

var statusNames = [...]string{
	StatusOpen:               "open",
	StatusLocked:             "locked",
	StatusAwaitingResolution: "awaiting_resolution",
	StatusResolved:           "resolved",
	StatusVoid:               "void",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("domain: unknown status %q", v)
}

// rank orders statuses along the lifecycle. Resolved and Void share the
// terminal rank.
func (s Status) rank() int {
	if s == StatusVoid {
		return int(StatusResolved)
	}
	return int(s)
}

// Settled reports whether claims are open.
func (s Status) Settled() bool {
	return s == StatusResolved || s == StatusVoid
}

// CanAdvanceTo reports whether moving from s to next is a legal forward
// transition. Only single steps are allowed and terminal states never move.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Settled() {
		return false
	}
	return next.rank() == s.rank()+1
}
