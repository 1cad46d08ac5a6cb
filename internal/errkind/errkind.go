// Package errkind gives every user-visible failure in the trading core a
// stable machine-readable kind plus an optional structured details payload,
// per the error taxonomy in spec.md §7.
package errkind

import "fmt"

// Kind is a stable, machine-readable error category.
type Kind string

const (
	// Transport
	NetworkError   Kind = "NETWORK_ERROR"
	TimeoutError   Kind = "TIMEOUT_ERROR"
	WebsocketError Kind = "WEBSOCKET_ERROR"

	// Protocol
	InvalidParams       Kind = "INVALID_PARAMS"
	AuthenticationError Kind = "AUTHENTICATION_ERROR"

	// Trading
	InsufficientFunds     Kind = "INSUFFICIENT_FUNDS"
	InsufficientMargin    Kind = "INSUFFICIENT_MARGIN"
	LeverageExceeded      Kind = "LEVERAGE_EXCEEDED"
	AmountTooSmall        Kind = "AMOUNT_TOO_SMALL"
	PositionAlreadyExists Kind = "POSITION_ALREADY_EXISTS"

	// Throttling
	RateLimit Kind = "RATE_LIMIT"

	// Server-side / unknown
	ServerError Kind = "SERVER_ERROR"
	UnknownErr  Kind = "UNKNOWN_ERROR"

	// Lifecycle (never auto-recovered)
	SingleStrategyViolation Kind = "SINGLE_STRATEGY_VIOLATION"
	InvalidStateTransition  Kind = "INVALID_STATE_TRANSITION"
	InverseContractRejected Kind = "INVERSE_CONTRACT_REJECTED"

	// Orchestrator / entitlement (spec.md §4.10)
	EntitlementExpired  Kind = "ENTITLEMENT_EXPIRED"
	WorkerLimitExceeded Kind = "WORKER_LIMIT_EXCEEDED"
	JobNotFound         Kind = "JOB_NOT_FOUND"
	Unauthorized        Kind = "UNAUTHORIZED"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	KindVal Kind
	Message string
	Details any
}

func New(kind Kind, message string) *Error {
	return &Error{KindVal: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{KindVal: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.KindVal, e.Message)
}

// Of returns the error's category. Returns "" for a nil error and
// UnknownErr for an unstructured one.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if as(err, &ke) {
		return ke.KindVal
	}
	return UnknownErr
}

// as walks err's Unwrap chain looking for an *Error, a hand-written
// equivalent of errors.As for this one target type; kept private since Of
// is the only exported entry point components need.
func as(err error, target **Error) bool {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
