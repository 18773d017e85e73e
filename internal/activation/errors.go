package activation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"redeemcli/internal/retry"
)

// Kind classifies every failure the engine can surface.
type Kind string

const (
	KindInvalidInput           Kind = "invalidInput"
	KindInvalidSession         Kind = "invalidSession"
	KindSessionExpired         Kind = "sessionExpired"
	KindProductNotFound        Kind = "productNotFound"
	KindInvalidKey             Kind = "invalidKey"
	KindAlreadyRedeemed        Kind = "alreadyRedeemed"
	KindAlreadyOwned           Kind = "alreadyOwned"
	KindRegionRestricted       Kind = "regionRestricted"
	KindAuthenticationFailed   Kind = "authenticationFailed"
	KindForbidden              Kind = "forbidden"
	KindRequiresDigitalAccount Kind = "requiresDigitalAccount"
	KindAccountInfoFailed      Kind = "accountInfoFailed"
	KindSubscriptionsFailed    Kind = "subscriptionsFetchFailed"
	KindNetworkError           Kind = "networkError"
	KindMaxRetriesExceeded     Kind = "maxRetriesExceeded"
	KindNetworkUnavailable     Kind = "networkUnavailable"
	KindDiagnosticsFailed      Kind = "diagnosticsFailed"
	KindNoToken                Kind = "noToken"
	KindTokenTimeout           Kind = "tokenTimeout"
	KindConversionFailed       Kind = "conversionFailed"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

var kindDescriptions = map[Kind]string{
	KindInvalidInput:           "the activation request is incomplete",
	KindInvalidSession:         "the activation session is not valid",
	KindSessionExpired:         "the activation session has expired",
	KindProductNotFound:        "the product for this session was not found",
	KindInvalidKey:             "the key is not valid",
	KindAlreadyRedeemed:        "the key has already been redeemed",
	KindAlreadyOwned:           "the account already owns this product",
	KindRegionRestricted:       "the key is locked to a different region",
	KindAuthenticationFailed:   "sign-in expired, please sign in again",
	KindForbidden:              "the account is not allowed to redeem this key",
	KindRequiresDigitalAccount: "the account must be upgraded to a digital account",
	KindAccountInfoFailed:      "could not read the account region",
	KindSubscriptionsFailed:    "could not read the account subscriptions",
	KindNetworkError:           "a network error occurred",
	KindMaxRetriesExceeded:     "the storefront did not respond after several attempts",
	KindNetworkUnavailable:     "no network connection",
	KindDiagnosticsFailed:      "pre-flight diagnostics failed",
	KindNoToken:                "no sign-in token was captured",
	KindTokenTimeout:           "timed out waiting for sign-in",
	KindConversionFailed:       "the subscription conversion failed",
	KindCancelled:              "the activation was cancelled",
	KindInternal:               "an internal error occurred",
}

// Description is a human-readable message for k.
func (k Kind) Description() string {
	if d, ok := kindDescriptions[k]; ok {
		return d
	}
	return string(k)
}

// Error is a failure tagged with its Kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Description()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinel values for errors.Is checks.
var (
	ErrInvalidKey      = &Error{Kind: KindInvalidKey}
	ErrAlreadyRedeemed = &Error{Kind: KindAlreadyRedeemed}
	ErrAlreadyOwned    = &Error{Kind: KindAlreadyOwned}
	ErrNoToken         = &Error{Kind: KindNoToken}
	ErrSessionExpired  = &Error{Kind: KindSessionExpired}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrAlreadyStarted  = errors.New("activation run already started")
)

// NewError builds a tagged error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsAuthKind reports whether kind means the credential was rejected.
func IsAuthKind(kind Kind) bool {
	return kind == KindAuthenticationFailed || kind == KindForbidden
}

// classifyTransport converts an error from a collaborator call into a tagged
// error. Errors that already carry a Kind pass through unchanged.
func classifyTransport(op string, err error, retried bool) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, op, err)
	}

	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized:
			return NewError(KindAuthenticationFailed, op, err)
		case http.StatusForbidden:
			return NewError(KindForbidden, op, err)
		}
	}

	if retried && retry.IsRetryable(err) {
		return NewError(KindMaxRetriesExceeded, op, err)
	}
	return NewError(KindNetworkError, op, err)
}
