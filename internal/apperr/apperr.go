package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation           Kind = "validation"
	NotFound             Kind = "not_found"
	NoCapableProvider    Kind = "no_capable_provider"
	Provider             Kind = "provider"
	Authenticity         Kind = "authenticity"
	InvalidTransition    Kind = "invalid_transition"
	Conflict             Kind = "conflict"
	RefundExceedsSettled Kind = "refund_exceeds_settled"
	Internal             Kind = "internal"
)

// Sentinels for errors.Is checks; they match any *Error of the same kind.
var (
	ErrValidation           = &Error{Kind: Validation}
	ErrNotFound             = &Error{Kind: NotFound}
	ErrNoCapableProvider    = &Error{Kind: NoCapableProvider}
	ErrProvider             = &Error{Kind: Provider}
	ErrAuthenticity         = &Error{Kind: Authenticity}
	ErrInvalidTransition    = &Error{Kind: InvalidTransition}
	ErrConflict             = &Error{Kind: Conflict}
	ErrRefundExceedsSettled = &Error{Kind: RefundExceedsSettled}
)

type Error struct {
	Kind      Kind
	Op        string
	PaymentID string
	Message   string
	Fields    map[string]string
	// Retryable is only meaningful for Provider errors.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.PaymentID != "" {
		msg += " (payment " + e.PaymentID + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare sentinel by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

func ValidationErr(msg string, fields map[string]string) *Error {
	return &Error{Kind: Validation, Message: msg, Fields: fields}
}

func NotFoundErr(op, paymentID string) *Error {
	return &Error{Kind: NotFound, Op: op, PaymentID: paymentID, Message: "payment not found"}
}

func NoCapableProviderErr(msg string) *Error {
	return &Error{Kind: NoCapableProvider, Message: msg}
}

// ProviderErr preserves the provider's message in Message.
func ProviderErr(op, providerCode string, retryable bool, err error) *Error {
	msg := providerCode
	if err != nil {
		msg = providerCode + ": " + err.Error()
	}
	return &Error{Kind: Provider, Op: op, Message: msg, Retryable: retryable, Err: err}
}

func AuthenticityErr(providerCode string) *Error {
	return &Error{Kind: Authenticity, Message: fmt.Sprintf("invalid %s webhook signature", providerCode)}
}

func InvalidTransitionErr(paymentID string, from, to string) *Error {
	return &Error{
		Kind:      InvalidTransition,
		PaymentID: paymentID,
		Message:   fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

func ConflictErr(paymentID string, expected, actual string) *Error {
	return &Error{
		Kind:      Conflict,
		PaymentID: paymentID,
		Message:   fmt.Sprintf("expected status %s but found %s", expected, actual),
	}
}

// RefundInProgressErr reports a provider refund already claimed on the payment.
func RefundInProgressErr(paymentID, amount string) *Error {
	return &Error{
		Kind:      Conflict,
		PaymentID: paymentID,
		Message:   fmt.Sprintf("refund of %s already in progress", amount),
	}
}

func RefundExceedsSettledErr(paymentID, requested, settled string) *Error {
	return &Error{
		Kind:      RefundExceedsSettled,
		PaymentID: paymentID,
		Message:   fmt.Sprintf("requested %s exceeds settled %s", requested, settled),
	}
}

// Wrap tags an unexpected error as internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return &Error{Kind: Internal, Op: op, Err: err}
}

func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

// IsRetryable reports whether a provider call may be attempted again.
func IsRetryable(err error) bool {
	ae, ok := As(err)
	return ok && ae.Kind == Provider && ae.Retryable
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Authenticity:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict, InvalidTransition:
		return http.StatusConflict
	case NoCapableProvider, RefundExceedsSettled:
		return http.StatusUnprocessableEntity
	case Provider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal error details from API callers.
func PublicMessage(err error) string {
	ae, ok := As(err)
	if !ok || ae.Kind == Internal {
		return "internal error"
	}
	if ae.Message != "" {
		return ae.Message
	}
	return string(ae.Kind)
}
