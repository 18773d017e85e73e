package testutil

import (
	"fmt"
	"time"

	"redeemcli/internal/activation"
)

// FixtureTime is the timestamp every fixture record carries unless overridden.
var FixtureTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// RecordOption tweaks a fixture record.
type RecordOption func(*activation.ActivationRecord)

// WithMethod sets the activation method.
func WithMethod(m activation.Method) RecordOption {
	return func(r *activation.ActivationRecord) { r.Method = m }
}

// WithKeyCount sets how many keys the record covers.
func WithKeyCount(n int) RecordOption {
	return func(r *activation.ActivationRecord) { r.KeyCount = n }
}

// At sets the record timestamp.
func At(ts time.Time) RecordOption {
	return func(r *activation.ActivationRecord) { r.Timestamp = ts }
}

// Record builds a history record for id. Failed records end in StateError.
func Record(id string, success bool, opts ...RecordOption) activation.ActivationRecord {
	state := activation.StateSuccess
	if !success {
		state = activation.StateError
	}
	rec := activation.ActivationRecord{
		ID:          id,
		RunID:       "run-" + id,
		ProductName: fmt.Sprintf("Product %s", id),
		Timestamp:   FixtureTime,
		Success:     success,
		State:       state,
		Method:      activation.MethodManualKey,
		KeyCount:    1,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

// Keys returns n distinct well-formed product keys.
func Keys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("AAAAA-BBBBB-CCCCC-DDDDD-%05d", i)
	}
	return keys
}
