package activation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redeemcli/internal/retry"
)

func TestAccountGateCheck(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		accounts   *fakeAccounts
		subs       *fakeSubscriptions
		req        GateRequest
		wantReason BlockReason
		wantSubs   int
	}{
		{
			name:     "matching_region",
			accounts: &fakeAccounts{region: AccountRegion{Region: "US"}},
			subs:     &fakeSubscriptions{},
			req:      GateRequest{TargetRegion: "us"},
		},
		{
			name:       "region_mismatch",
			accounts:   &fakeAccounts{region: AccountRegion{Region: "DE"}},
			subs:       &fakeSubscriptions{},
			req:        GateRequest{TargetRegion: "US", IsSubscription: true},
			wantReason: BlockRegionMismatch,
		},
		{
			name:     "region_agnostic_ignores_mismatch",
			accounts: &fakeAccounts{region: AccountRegion{Region: "DE"}},
			subs:     &fakeSubscriptions{},
			req:      GateRequest{TargetRegion: "US", RegionAgnostic: true},
		},
		{
			name:       "region_lookup_fails",
			accounts:   &fakeAccounts{err: &retry.StatusError{StatusCode: http.StatusServiceUnavailable}},
			subs:       &fakeSubscriptions{},
			req:        GateRequest{TargetRegion: "US"},
			wantReason: BlockRegionCheckFailed,
		},
		{
			name:     "subscription_conflict",
			accounts: &fakeAccounts{region: AccountRegion{Region: "US"}},
			subs: &fakeSubscriptions{status: SubscriptionStatus{
				HasActiveTargetSubscription: true,
				Snapshot:                    &ActiveSubscription{Name: "Ultimate", AutoRenew: true},
			}},
			req:        GateRequest{TargetRegion: "US", IsSubscription: true, ProductFamily: "pass"},
			wantReason: BlockActiveSubscription,
			wantSubs:   1,
		},
		{
			name:     "expiring_subscription_does_not_block",
			accounts: &fakeAccounts{region: AccountRegion{Region: "US"}},
			subs: &fakeSubscriptions{status: SubscriptionStatus{
				HasActiveTargetSubscription: true,
				Snapshot:                    &ActiveSubscription{Name: "Core", EndDate: &end},
			}},
			req:      GateRequest{IsSubscription: true},
			wantSubs: 1,
		},
		{
			name:       "subscription_lookup_fails",
			accounts:   &fakeAccounts{region: AccountRegion{Region: "US"}},
			subs:       &fakeSubscriptions{err: errors.New("bad payload")},
			req:        GateRequest{IsSubscription: true},
			wantReason: BlockSubscriptionCheckFailed,
			wantSubs:   1,
		},
		{
			name:     "non_subscription_skips_lookup",
			accounts: &fakeAccounts{region: AccountRegion{Region: "US"}},
			subs:     &fakeSubscriptions{err: errors.New("must not be called")},
			req:      GateRequest{TargetRegion: "US"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewAccountGate(tt.accounts, tt.subs, testRetry(), nil)
			d := gate.Check(context.Background(), "token", tt.req)

			if tt.wantReason == "" {
				assert.True(t, d.Proceed())
				assert.Empty(t, d.Reason)
			} else {
				assert.False(t, d.Proceed())
				assert.Equal(t, tt.wantReason, d.Reason)
			}
			assert.Equal(t, tt.wantSubs, tt.subs.calls)
		})
	}
}

func TestAccountGateRetriesRegionLookup(t *testing.T) {
	accounts := &fakeAccounts{err: &retry.StatusError{StatusCode: http.StatusGatewayTimeout}}
	gate := NewAccountGate(accounts, nil, testRetry(), nil)

	d := gate.Check(context.Background(), "token", GateRequest{TargetRegion: "US"})

	assert.Equal(t, BlockRegionCheckFailed, d.Reason)
	assert.Equal(t, 2, accounts.calls)
	assert.Equal(t, KindAccountInfoFailed, KindOf(d.Err))
}

func TestAccountGateKeepsAuthFailures(t *testing.T) {
	accounts := &fakeAccounts{err: &retry.StatusError{StatusCode: http.StatusForbidden}}
	gate := NewAccountGate(accounts, nil, testRetry(), nil)

	d := gate.Check(context.Background(), "token", GateRequest{TargetRegion: "US"})

	require.Equal(t, BlockRegionCheckFailed, d.Reason)
	assert.Equal(t, KindForbidden, KindOf(d.Err))
	assert.Equal(t, 1, accounts.calls)
}

func TestAccountGateCopiesSnapshot(t *testing.T) {
	snap := &ActiveSubscription{Name: "Ultimate", AutoRenew: true}
	subs := &fakeSubscriptions{status: SubscriptionStatus{HasActiveTargetSubscription: true, Snapshot: snap}}
	gate := NewAccountGate(&fakeAccounts{region: AccountRegion{Region: "US"}}, subs, testRetry(), nil)

	d := gate.Check(context.Background(), "token", GateRequest{IsSubscription: true})
	require.NotNil(t, d.Subscription)

	snap.Name = "changed"
	assert.Equal(t, "Ultimate", d.Subscription.Name)
}
