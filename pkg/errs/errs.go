package errs

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Kind identifies a class of engine failure.
type Kind string

const (
	KindUnknown                Kind = "Unknown"
	KindUnauthorized           Kind = "Unauthorized"
	KindNotFound               Kind = "NotFound"
	KindInsufficientCollateral Kind = "InsufficientCollateral"
	KindPayloadTooLarge        Kind = "PayloadTooLarge"
	KindMalformedTrigger       Kind = "MalformedTrigger"
	KindPlanIntegrity          Kind = "PlanIntegrityError"
	KindTriggerNotSatisfied    Kind = "TriggerNotSatisfied"
	KindOracleUnavailable      Kind = "OracleUnavailable"
	KindUnsupportedOpcode      Kind = "UnsupportedOpcode"
	KindSlippageExceeded       Kind = "SlippageExceeded"
	KindInvalidTransition      Kind = "InvalidTransition"
	KindNotWithdrawable        Kind = "NotWithdrawable"
	KindAlreadyFinalized       Kind = "AlreadyFinalized"
	KindMalformedPlan          Kind = "MalformedPlan"
	KindUnsupportedVersion     Kind = "UnsupportedVersion"
	KindInsufficientFunds      Kind = "InsufficientFunds"
	KindUnknownVenue           Kind = "UnknownVenue"
	KindNotConfigured          Kind = "NotConfigured"
	KindInvalidConfig          Kind = "InvalidConfig"
	KindStorage                Kind = "Storage"
)

// Attributes describe the default behaviour of a kind.
type Attributes struct {
	Message    string
	Retryable  bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Attributes{
		KindUnknown:                {Message: "unknown error", HTTPStatus: http.StatusInternalServerError},
		KindUnauthorized:           {Message: "caller is not authorized", HTTPStatus: http.StatusForbidden},
		KindNotFound:               {Message: "intent not found", HTTPStatus: http.StatusNotFound},
		KindInsufficientCollateral: {Message: "insufficient collateral", HTTPStatus: http.StatusPaymentRequired},
		KindPayloadTooLarge:        {Message: "payload too large", HTTPStatus: http.StatusRequestEntityTooLarge},
		KindMalformedTrigger:       {Message: "malformed trigger condition", HTTPStatus: http.StatusBadRequest},
		KindPlanIntegrity:          {Message: "plan does not match registered workflow hash", HTTPStatus: http.StatusConflict},
		KindTriggerNotSatisfied:    {Message: "trigger condition not satisfied", Retryable: true, HTTPStatus: http.StatusPreconditionFailed},
		KindOracleUnavailable:      {Message: "oracle value unavailable", Retryable: true, HTTPStatus: http.StatusServiceUnavailable},
		KindUnsupportedOpcode:      {Message: "unsupported opcode", HTTPStatus: http.StatusBadRequest},
		KindSlippageExceeded:       {Message: "slippage bound exceeded", HTTPStatus: http.StatusUnprocessableEntity},
		KindInvalidTransition:      {Message: "invalid status transition", HTTPStatus: http.StatusConflict},
		KindNotWithdrawable:        {Message: "intent is not withdrawable", HTTPStatus: http.StatusConflict},
		KindAlreadyFinalized:       {Message: "intent already finalized", HTTPStatus: http.StatusConflict},
		KindMalformedPlan:          {Message: "malformed plan", HTTPStatus: http.StatusBadRequest},
		KindUnsupportedVersion:     {Message: "unsupported plan version", HTTPStatus: http.StatusBadRequest},
		KindInsufficientFunds:      {Message: "insufficient funds", HTTPStatus: http.StatusUnprocessableEntity},
		KindUnknownVenue:           {Message: "unknown venue", HTTPStatus: http.StatusUnprocessableEntity},
		KindNotConfigured:          {Message: "component not configured", HTTPStatus: http.StatusServiceUnavailable},
		KindInvalidConfig:          {Message: "invalid configuration", HTTPStatus: http.StatusBadRequest},
		KindStorage:                {Message: "storage failure", Retryable: true, HTTPStatus: http.StatusInternalServerError},
	}
)

// Register adds or overrides the attributes of a kind.
func Register(kind Kind, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = attr
}

// Lookup returns the attributes registered for kind.
func Lookup(kind Kind) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[kind]; ok {
		return attr
	}
	return registry[KindUnknown]
}

// Error is the error type returned by every engine operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = Lookup(e.Kind).Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInsufficientCollateral = &Error{Kind: KindInsufficientCollateral}
	ErrPayloadTooLarge        = &Error{Kind: KindPayloadTooLarge}
	ErrMalformedTrigger       = &Error{Kind: KindMalformedTrigger}
	ErrPlanIntegrity          = &Error{Kind: KindPlanIntegrity}
	ErrTriggerNotSatisfied    = &Error{Kind: KindTriggerNotSatisfied}
	ErrOracleUnavailable      = &Error{Kind: KindOracleUnavailable}
	ErrUnsupportedOpcode      = &Error{Kind: KindUnsupportedOpcode}
	ErrSlippageExceeded       = &Error{Kind: KindSlippageExceeded}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrNotWithdrawable        = &Error{Kind: KindNotWithdrawable}
	ErrAlreadyFinalized       = &Error{Kind: KindAlreadyFinalized}
	ErrMalformedPlan          = &Error{Kind: KindMalformedPlan}
	ErrUnsupportedVersion     = &Error{Kind: KindUnsupportedVersion}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrUnknownVenue           = &Error{Kind: KindUnknownVenue}
	ErrNotConfigured          = &Error{Kind: KindNotConfigured}
	ErrInvalidConfig          = &Error{Kind: KindInvalidConfig}
	ErrStorage                = &Error{Kind: KindStorage}
)

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a later, fresh call may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Lookup(KindOf(err)).Retryable
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	return Lookup(KindOf(err)).HTTPStatus
}
