package activation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStateKinds = []StateKind{
	StateIdle, StateInitializing, StateRunningDiagnostics, StateFetchingProduct,
	StateValidatingKey, StateCheckingGamePass, StateCapturingToken, StateActivating,
	StateActivatingBundle, StateHandlingConversion,
	StateSuccess, StatePartialSuccess, StateError, StateAlreadyOwned, StateAlreadyRedeemed,
	StateRegionMismatch, StateActiveSubscription, StateExpiredSession,
	StateRequiresDigitalAccount, StateDiagnosticsError, StateNoToken, StateTokenTimeout,
	StateCancelled,
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for _, from := range allStateKinds {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allStateKinds {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
		assert.Empty(t, ValidTransitionsFrom(from))
	}
}

func TestEveryTransientStateCanBeCancelled(t *testing.T) {
	for _, from := range allStateKinds {
		if from.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(from, StateCancelled), from)
		assert.Contains(t, ValidTransitionsFrom(from), StateCancelled)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to StateKind
		want     bool
	}{
		{StateIdle, StateInitializing, true},
		{StateIdle, StateActivating, false},
		{StateRunningDiagnostics, StateDiagnosticsError, true},
		{StateFetchingProduct, StateExpiredSession, true},
		{StateValidatingKey, StateCheckingGamePass, true},
		{StateValidatingKey, StateSuccess, false},
		{StateCheckingGamePass, StateRegionMismatch, true},
		{StateCheckingGamePass, StateHandlingConversion, true},
		{StateCapturingToken, StateTokenTimeout, true},
		{StateCapturingToken, StateSuccess, false},
		{StateActivating, StateActivatingBundle, true},
		{StateActivatingBundle, StatePartialSuccess, true},
		{StateActivating, StatePartialSuccess, false},
		{StateHandlingConversion, StateSuccess, true},
		{StateHandlingConversion, StateActivating, false},
		{StateSuccess, StateError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransientStatesNeverFollowTerminal(t *testing.T) {
	for tr := range validTransitions {
		assert.False(t, tr.From.IsTerminal(), "edge leaves terminal state %s", tr.From)
	}
}

func TestUnknownStateKindPanics(t *testing.T) {
	assert.Panics(t, func() { StateKind("bogus").IsTerminal() })
}

func TestStateDescriptions(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{SuccessState("Halo", []string{key1}), "Halo activated"},
		{PartialSuccessState("Bundle", 2, 3, nil), "2 of 3 keys activated"},
		{RegionMismatchState("DE", "US"), "account region DE does not match key region US"},
		{ErrorState(KindInvalidKey, ""), KindInvalidKey.Description()},
		{DiagnosticsErrorState("offline"), "diagnostics failed: offline"},
		{ActiveSubscriptionState(ActiveSubscription{Name: "Ultimate"}), "an active Ultimate subscription conflicts with this key"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Description())
			assert.True(t, tt.state.IsTerminal())
		})
	}
}
