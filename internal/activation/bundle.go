package activation

import (
	"context"
	"fmt"
	"log/slog"
)

// KeyState is the per-key record kept for one bundle run.
type KeyState struct {
	Key       string
	Attempts  int
	LastError error
	Success   bool
}

// bundleState owns the per-key records of a single run. It is never shared.
type bundleState struct {
	order []string
	keys  map[string]*KeyState
}

func newBundleState(keys []string) *bundleState {
	s := &bundleState{keys: make(map[string]*KeyState, len(keys))}
	for _, k := range keys {
		if _, dup := s.keys[k]; dup {
			continue
		}
		s.order = append(s.order, k)
		s.keys[k] = &KeyState{Key: k}
	}
	return s
}

// BundleOutcome aggregates the per-key results of a bundle run.
type BundleOutcome struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []KeyFailure  `json:"failed"`
	Remaining []string      `json:"remaining,omitempty"`
	Products  []ProductInfo `json:"products,omitempty"`
	Total     int           `json:"total"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// State classifies the outcome into a terminal state.
func (o BundleOutcome) State(productName string) State {
	switch {
	case o.Cancelled:
		return State{
			Kind:      StateCancelled,
			Keys:      append([]string(nil), o.Succeeded...),
			Succeeded: len(o.Succeeded),
			Total:     o.Total,
			Failures:  append([]KeyFailure(nil), o.Failed...),
		}
	case len(o.Succeeded) == o.Total && o.Total > 0:
		return SuccessState(productName, o.Succeeded)
	case len(o.Succeeded) > 0:
		return PartialSuccessState(productName, len(o.Succeeded), o.Total, o.Failed)
	}

	redeemed, owned := 0, 0
	for _, f := range o.Failed {
		switch {
		case f.IsAlreadyOwned:
			owned++
		case f.IsAlreadyRedeemed:
			redeemed++
		}
	}
	switch {
	case len(o.Failed) > 0 && owned > 0 && owned+redeemed == len(o.Failed):
		return AlreadyOwnedState([]string{productName})
	case len(o.Failed) > 0 && redeemed == len(o.Failed):
		return State{Kind: StateAlreadyRedeemed}
	}

	kind := KindInternal
	if len(o.Failed) > 0 {
		kind = o.Failed[0].Reason
	}
	s := ErrorState(kind, fmt.Sprintf("none of the %d keys could be activated", o.Total))
	s.Failures = append([]KeyFailure(nil), o.Failed...)
	return s
}

// BundleCoordinator redeems an ordered list of keys as one unit.
type BundleCoordinator struct {
	redeemer Redeemer
	log      componentLogger
}

// NewBundleCoordinator creates a coordinator over redeemer.
func NewBundleCoordinator(redeemer Redeemer, logger *slog.Logger) *BundleCoordinator {
	return &BundleCoordinator{
		redeemer: redeemer,
		log:      newComponentLogger(logger, "bundle_coordinator"),
	}
}

// Run attempts every key exactly once, in order. A failed key never stops
// the bundle; cancellation between keys does, leaving the rest unattempted.
// onProgress receives a snapshot after each attempted key.
func (c *BundleCoordinator) Run(ctx context.Context, keys []string, auth AuthContext, onProgress func(BundleProgress)) BundleOutcome {
	state := newBundleState(keys)
	outcome := BundleOutcome{Total: len(state.order)}
	progress := BundleProgress{Total: outcome.Total}

	for i, key := range state.order {
		ks := state.keys[key]
		if ks.Success {
			continue
		}
		if ctx.Err() != nil {
			outcome.Cancelled = true
			outcome.Remaining = append([]string(nil), state.order[i:]...)
			break
		}

		ks.Attempts++
		result, err := c.redeemer.Redeem(ctx, key, auth)
		if err != nil && KindOf(err) == KindCancelled {
			ks.LastError = err
			outcome.Cancelled = true
			outcome.Remaining = append([]string(nil), state.order[i:]...)
			break
		}

		if err != nil {
			ks.LastError = err
			kind := KindOf(err)
			outcome.Failed = append(outcome.Failed, KeyFailure{
				Key:               key,
				Reason:            kind,
				Message:           kind.Description(),
				IsAlreadyOwned:    kind == KindAlreadyOwned,
				IsAlreadyRedeemed: kind == KindAlreadyRedeemed,
			})
			progress.Failed++
			c.log.warn(ctx, "bundle_key", string(kind),
				append(keyAttrs(key), slog.Int("index", i), errAttr(err))...)
		} else {
			ks.Success = true
			outcome.Succeeded = append(outcome.Succeeded, key)
			outcome.Products = append(outcome.Products, result.Products...)
			progress.Succeeded++
			c.log.info(ctx, "bundle_key", "success", append(keyAttrs(key), slog.Int("index", i))...)
		}

		progress.Completed = progress.Succeeded + progress.Failed
		progress.CurrentKey = key
		progress.CurrentIndex = i
		if onProgress != nil {
			onProgress(progress)
		}
	}

	c.log.info(ctx, "bundle_run", "finished",
		slog.Int("total", outcome.Total),
		slog.Int("succeeded", len(outcome.Succeeded)),
		slog.Int("failed", len(outcome.Failed)),
		slog.Bool("cancelled", outcome.Cancelled))
	return outcome
}
