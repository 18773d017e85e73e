// Package activation implements the license-key activation engine: the
// per-run state machine, the account gate, single-key redemption and bundle
// coordination.
//
// A run is created with NewMachine from a PendingActivation produced by
// Resolve and a shared Services value. Collaborators that talk to the
// storefront are injected through the interfaces in interfaces.go; network
// calls go through the shared retry.Executor and short-lived credentials
// through the shared credentials.Cache.
package activation
