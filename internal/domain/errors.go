package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrVersionConflict = errors.New("event sequence conflict")
	ErrDuplicate       = errors.New("duplicate request")
	ErrInvalidMarket   = errors.New("invalid market parameters")
)

// Input errors: rejected synchronously, no state change.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrOutcomeUnknown     = errors.New("outcome unknown")
	ErrConflictingBet     = errors.New("conflicting bet")
	ErrQueryMismatch      = errors.New("answer is for a different query")
	ErrAnswerSignature    = errors.New("answer not signed by market oracle")
	ErrUnauthorizedCaller = errors.New("caller is not the participant")
)

// State errors: the machine is unchanged, retry at the right time.
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrTooEarly          = errors.New("too early")
	ErrAlreadyRequested  = errors.New("resolution already requested")
	ErrNoRequestPending  = errors.New("no resolution request pending")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrNotResolved       = errors.New("not resolved")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrClaimsOutstanding = errors.New("winning claims outstanding")
	ErrAlreadySwept      = errors.New("remainder already swept")
)

// ErrOracleUnresolved means the oracle has not settled yet. Poll again later.
var ErrOracleUnresolved = errors.New("oracle unresolved")

// ErrOracleDispatch means a request was recorded but never reached the
// oracle. The request stands; only the send must be repeated.
var ErrOracleDispatch = errors.New("oracle request not delivered")

// Accounting outcomes: legitimate zero results, not faults.
var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNotAWinner         = errors.New("not a winner")
)

// ErrInvariantViolated is raised when ledger totals or custody disagree. It
// trips the claim circuit breaker.
var ErrInvariantViolated = errors.New("ledger invariant violated")

// ErrorClass groups errors by how a caller should react.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassInput
	ClassState
	ClassOracleTransient
	ClassAccounting
	ClassFatal
	ClassNotFound
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassState:
		return "state"
	case ClassOracleTransient:
		return "oracle_transient"
	case ClassAccounting:
		return "accounting"
	case ClassFatal:
		return "fatal"
	case ClassNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var classes = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassFatal, []error{ErrInvariantViolated}},
	{ClassOracleTransient, []error{ErrOracleUnresolved, ErrOracleDispatch}},
	{ClassAccounting, []error{ErrUnknownParticipant, ErrNotAWinner}},
	{ClassInput, []error{
		ErrInvalidAmount, ErrOutcomeUnknown, ErrConflictingBet, ErrQueryMismatch,
		ErrAnswerSignature, ErrUnauthorizedCaller, ErrInvalidMarket, ErrDuplicate,
	}},
	{ClassState, []error{
		ErrInvalidState, ErrTooEarly, ErrAlreadyRequested, ErrNoRequestPending,
		ErrAlreadyResolved, ErrNotResolved, ErrAlreadyClaimed, ErrClaimsOutstanding,
		ErrAlreadySwept, ErrVersionConflict, ErrLockHeld,
	}},
	{ClassNotFound, []error{ErrNotFound}},
}

// Classify maps err onto its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassInternal
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassInternal
}
