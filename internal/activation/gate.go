package activation

import (
	"context"
	"log/slog"
	"strings"

	"redeemcli/internal/retry"
)

// Verdict is the outcome class of a gate check.
type Verdict string

const (
	VerdictProceed Verdict = "proceed"
	VerdictBlocked Verdict = "blocked"
)

// BlockReason explains a blocked gate decision.
type BlockReason string

const (
	BlockRegionCheckFailed       BlockReason = "regionCheckFailed"
	BlockRegionMismatch          BlockReason = "regionMismatch"
	BlockActiveSubscription      BlockReason = "activeSubscription"
	BlockSubscriptionCheckFailed BlockReason = "subscriptionCheckFailed"
)

// GateDecision is either proceed or blocked with a reason, never both.
type GateDecision struct {
	Verdict       Verdict
	Reason        BlockReason
	AccountRegion string
	Market        string
	KeyRegion     string
	Subscription  *ActiveSubscription
	Err           error
}

// Proceed reports whether the run may continue.
func (d GateDecision) Proceed() bool { return d.Verdict == VerdictProceed }

// GateRequest describes the product being activated.
type GateRequest struct {
	TargetRegion   string
	IsSubscription bool
	ProductFamily  string
	RegionAgnostic bool
}

// AccountGate checks that the account can receive the product.
type AccountGate struct {
	accounts      AccountInfo
	subscriptions SubscriptionLookup
	retry         *retry.Executor
	log           componentLogger
}

// NewAccountGate creates a gate over the account collaborators.
func NewAccountGate(accounts AccountInfo, subscriptions SubscriptionLookup, exec *retry.Executor, logger *slog.Logger) *AccountGate {
	return &AccountGate{
		accounts:      accounts,
		subscriptions: subscriptions,
		retry:         exec,
		log:           newComponentLogger(logger, "account_gate"),
	}
}

// AccountRegion fetches the account's region and market through the retry
// executor.
func (g *AccountGate) AccountRegion(ctx context.Context, accountToken string) (AccountRegion, error) {
	return retry.Do(ctx, g.retry, func(ctx context.Context) (AccountRegion, error) {
		return g.accounts.Region(ctx, accountToken)
	})
}

// Check runs the region and subscription checks, stopping at the first block.
func (g *AccountGate) Check(ctx context.Context, accountToken string, req GateRequest) GateDecision {
	region, err := g.AccountRegion(ctx, accountToken)
	if err != nil {
		g.log.warn(ctx, "region_check", "failed", errAttr(err))
		return GateDecision{
			Verdict: VerdictBlocked,
			Reason:  BlockRegionCheckFailed,
			Err:     wrapKind(KindAccountInfoFailed, "account_region", err),
		}
	}

	decision := GateDecision{
		Verdict:       VerdictProceed,
		AccountRegion: region.Region,
		Market:        region.Market,
		KeyRegion:     req.TargetRegion,
	}

	if req.TargetRegion != "" && !req.RegionAgnostic && !strings.EqualFold(region.Region, req.TargetRegion) {
		g.log.info(ctx, "region_check", "mismatch",
			slog.String("account_region", region.Region),
			slog.String("key_region", req.TargetRegion))
		decision.Verdict = VerdictBlocked
		decision.Reason = BlockRegionMismatch
		return decision
	}

	if !req.IsSubscription || g.subscriptions == nil {
		return decision
	}

	status, err := retry.Do(ctx, g.retry, func(ctx context.Context) (SubscriptionStatus, error) {
		return g.subscriptions.Subscriptions(ctx, accountToken, req.ProductFamily)
	})
	if err != nil {
		g.log.warn(ctx, "subscription_check", "failed", errAttr(err))
		decision.Verdict = VerdictBlocked
		decision.Reason = BlockSubscriptionCheckFailed
		decision.Err = wrapKind(KindSubscriptionsFailed, "subscriptions", err)
		return decision
	}

	if status.HasActiveTargetSubscription && status.Snapshot != nil && !status.Snapshot.Expiring() {
		g.log.info(ctx, "subscription_check", "conflict",
			slog.String("subscription", status.Snapshot.Name))
		snapshot := *status.Snapshot
		decision.Verdict = VerdictBlocked
		decision.Reason = BlockActiveSubscription
		decision.Subscription = &snapshot
		return decision
	}

	g.log.debug(ctx, "gate_check", "proceed", slog.String("account_region", region.Region))
	return decision
}

// wrapKind tags err with kind unless it is a cancellation or a rejected
// credential, which the caller must see as such.
func wrapKind(kind Kind, op string, err error) error {
	classified := classifyTransport(op, err, false)
	switch k := KindOf(classified); {
	case k == KindCancelled, IsAuthKind(k):
		return classified
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
