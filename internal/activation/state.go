package activation

import (
	"fmt"
	"slices"
)

// StateKind names a phase of an activation run.
type StateKind string

const (
	StateIdle               StateKind = "idle"
	StateInitializing       StateKind = "initializing"
	StateRunningDiagnostics StateKind = "runningDiagnostics"
	StateFetchingProduct    StateKind = "fetchingProduct"
	StateValidatingKey      StateKind = "validatingKey"
	StateCheckingGamePass   StateKind = "checkingGamePass"
	StateCapturingToken     StateKind = "capturingToken"
	StateActivating         StateKind = "activating"
	StateActivatingBundle   StateKind = "activatingBundle"
	StateHandlingConversion StateKind = "handlingConversion"

	StateSuccess                StateKind = "success"
	StatePartialSuccess         StateKind = "partialSuccess"
	StateError                  StateKind = "error"
	StateAlreadyOwned           StateKind = "alreadyOwned"
	StateAlreadyRedeemed        StateKind = "alreadyRedeemed"
	StateRegionMismatch         StateKind = "regionMismatch"
	StateActiveSubscription     StateKind = "activeSubscription"
	StateExpiredSession         StateKind = "expiredSession"
	StateRequiresDigitalAccount StateKind = "requiresDigitalAccount"
	StateDiagnosticsError       StateKind = "diagnosticsError"
	StateNoToken                StateKind = "noToken"
	StateTokenTimeout           StateKind = "tokenTimeout"
	StateCancelled              StateKind = "cancelled"
)

// IsTerminal reports whether no further transition may follow k.
func (k StateKind) IsTerminal() bool {
	switch k {
	case StateIdle, StateInitializing, StateRunningDiagnostics, StateFetchingProduct,
		StateValidatingKey, StateCheckingGamePass, StateCapturingToken, StateActivating,
		StateActivatingBundle, StateHandlingConversion:
		return false
	case StateSuccess, StatePartialSuccess, StateError, StateAlreadyOwned, StateAlreadyRedeemed,
		StateRegionMismatch, StateActiveSubscription, StateExpiredSession,
		StateRequiresDigitalAccount, StateDiagnosticsError, StateNoToken, StateTokenTimeout,
		StateCancelled:
		return true
	default:
		panic(fmt.Sprintf("activation: unknown state kind %q", string(k)))
	}
}

// State is the live phase of a run plus the data its terminal variants carry.
// Only the fields belonging to Kind are set.
type State struct {
	Kind StateKind `json:"kind"`

	ProductName   string              `json:"product_name,omitempty"`
	Keys          []string            `json:"keys,omitempty"`
	Succeeded     int                 `json:"succeeded,omitempty"`
	Total         int                 `json:"total,omitempty"`
	Failures      []KeyFailure        `json:"failures,omitempty"`
	Message       string              `json:"message,omitempty"`
	ErrorKind     Kind                `json:"error_kind,omitempty"`
	Products      []string            `json:"products,omitempty"`
	AccountRegion string              `json:"account_region,omitempty"`
	KeyRegion     string              `json:"key_region,omitempty"`
	Subscription  *ActiveSubscription `json:"subscription,omitempty"`
	Cause         string              `json:"cause,omitempty"`
}

// IsTerminal reports whether s ends the run.
func (s State) IsTerminal() bool { return s.Kind.IsTerminal() }

// IsSuccess reports whether at least part of the activation went through.
func (s State) IsSuccess() bool {
	return s.Kind == StateSuccess || s.Kind == StatePartialSuccess
}

// Description is a human-readable summary of s.
func (s State) Description() string {
	switch s.Kind {
	case StateSuccess:
		return fmt.Sprintf("%s activated", s.ProductName)
	case StatePartialSuccess:
		return fmt.Sprintf("%d of %d keys activated", s.Succeeded, s.Total)
	case StateError:
		return s.Message
	case StateAlreadyOwned:
		return "this product is already owned by the account"
	case StateAlreadyRedeemed:
		return KindAlreadyRedeemed.Description()
	case StateRegionMismatch:
		return fmt.Sprintf("account region %s does not match key region %s", s.AccountRegion, s.KeyRegion)
	case StateActiveSubscription:
		if s.Subscription != nil {
			return fmt.Sprintf("an active %s subscription conflicts with this key", s.Subscription.Name)
		}
		return "an active subscription conflicts with this key"
	case StateExpiredSession:
		return KindSessionExpired.Description()
	case StateRequiresDigitalAccount:
		return KindRequiresDigitalAccount.Description()
	case StateDiagnosticsError:
		return "diagnostics failed: " + s.Cause
	case StateNoToken:
		return KindNoToken.Description()
	case StateTokenTimeout:
		return KindTokenTimeout.Description()
	case StateCancelled:
		return KindCancelled.Description()
	}
	return string(s.Kind)
}

func transient(kind StateKind) State { return State{Kind: kind} }

// SuccessState is the terminal state for a fully activated run.
func SuccessState(productName string, keys []string) State {
	return State{Kind: StateSuccess, ProductName: productName, Keys: append([]string(nil), keys...)}
}

// PartialSuccessState is the terminal state for a bundle where some keys failed.
func PartialSuccessState(productName string, succeeded, total int, failures []KeyFailure) State {
	return State{
		Kind:        StatePartialSuccess,
		ProductName: productName,
		Succeeded:   succeeded,
		Total:       total,
		Failures:    append([]KeyFailure(nil), failures...),
	}
}

// ErrorState is the terminal state for a failed run.
func ErrorState(kind Kind, message string) State {
	if message == "" {
		message = kind.Description()
	}
	return State{Kind: StateError, ErrorKind: kind, Message: message}
}

// AlreadyOwnedState reports products the account already owns.
func AlreadyOwnedState(products []string) State {
	return State{Kind: StateAlreadyOwned, Products: append([]string(nil), products...)}
}

// RegionMismatchState carries both region codes.
func RegionMismatchState(accountRegion, keyRegion string) State {
	return State{Kind: StateRegionMismatch, AccountRegion: accountRegion, KeyRegion: keyRegion}
}

// ActiveSubscriptionState carries the conflicting subscription.
func ActiveSubscriptionState(sub ActiveSubscription) State {
	return State{Kind: StateActiveSubscription, Subscription: &sub}
}

// DiagnosticsErrorState carries the blocking diagnostic cause.
func DiagnosticsErrorState(cause string) State {
	return State{Kind: StateDiagnosticsError, Cause: cause}
}

// Transition is a directed edge between state kinds.
type Transition struct {
	From StateKind
	To   StateKind
}

// validTransitions lists every allowed edge except "any transient -> cancelled".
var validTransitions = map[Transition]bool{
	{StateIdle, StateInitializing}:                   true,
	{StateInitializing, StateRunningDiagnostics}:     true,
	{StateRunningDiagnostics, StateDiagnosticsError}: true,
	{StateRunningDiagnostics, StateError}:            true, // network unavailable
	{StateRunningDiagnostics, StateFetchingProduct}:  true,
	{StateFetchingProduct, StateExpiredSession}:      true,
	{StateFetchingProduct, StateError}:               true,
	{StateFetchingProduct, StateValidatingKey}:       true,
	{StateValidatingKey, StateAlreadyRedeemed}:       true,
	{StateValidatingKey, StateError}:                 true,
	{StateValidatingKey, StateCheckingGamePass}:      true,
	{StateValidatingKey, StateCapturingToken}:        true,
	{StateValidatingKey, StateActivating}:            true, // test mode
	{StateCheckingGamePass, StateActiveSubscription}: true,
	{StateCheckingGamePass, StateRegionMismatch}:     true,
	{StateCheckingGamePass, StateCapturingToken}:     true,
	{StateCheckingGamePass, StateError}:              true,
	{StateCheckingGamePass, StateHandlingConversion}: true,
	{StateCapturingToken, StateNoToken}:              true,
	{StateCapturingToken, StateTokenTimeout}:         true,
	{StateCapturingToken, StateError}:                true,
	{StateCapturingToken, StateActivating}:           true,
	{StateActivating, StateActivatingBundle}:         true,
	{StateActivating, StateSuccess}:                  true,
	{StateActivating, StateError}:                    true,
	{StateActivating, StateAlreadyRedeemed}:          true,
	{StateActivating, StateAlreadyOwned}:             true,
	{StateActivating, StateRegionMismatch}:           true,
	{StateActivating, StateRequiresDigitalAccount}:   true,
	{StateActivatingBundle, StateSuccess}:            true,
	{StateActivatingBundle, StatePartialSuccess}:     true,
	{StateActivatingBundle, StateError}:              true,
	{StateActivatingBundle, StateAlreadyRedeemed}:    true,
	{StateActivatingBundle, StateAlreadyOwned}:       true,
	{StateHandlingConversion, StateSuccess}:          true,
	{StateHandlingConversion, StateError}:            true,
}

// CanTransition reports whether a run in from may move to to.
func CanTransition(from, to StateKind) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the allowed targets of from in sorted order.
func ValidTransitionsFrom(from StateKind) []StateKind {
	if from.IsTerminal() {
		return nil
	}
	targets := []StateKind{StateCancelled}
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}
