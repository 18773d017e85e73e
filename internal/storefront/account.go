package storefront

import (
	"context"
	"net/http"
	"strings"
	"time"

	"redeemcli/internal/activation"
)

type profilePayload struct {
	Region string `json:"region"`
	Market string `json:"market"`
}

// Region reads the account's region and storefront market.
func (c *Client) Region(ctx context.Context, accountToken string) (activation.AccountRegion, error) {
	var payload profilePayload
	endpoint := joinURL(c.cfg.AccountURL, "users", "me", "profile")
	if err := c.do(ctx, "account_region", http.MethodGet, endpoint, accountToken, nil, &payload); err != nil {
		return activation.AccountRegion{}, err
	}
	market := payload.Market
	if market == "" {
		market = payload.Region
	}
	return activation.AccountRegion{
		Region: strings.ToUpper(payload.Region),
		Market: strings.ToUpper(market),
	}, nil
}

type subscriptionItem struct {
	ProductID    string     `json:"productId"`
	Name         string     `json:"name"`
	Family       string     `json:"productFamily"`
	Status       string     `json:"status"`
	EndDate      *time.Time `json:"endDate"`
	AutoRenew    bool       `json:"autoRenew"`
	PaymentIssue bool       `json:"paymentIssue"`
}

type subscriptionsPayload struct {
	Items []subscriptionItem `json:"items"`
}

// Subscriptions reports whether the account holds an active subscription of
// family. An empty family matches any subscription.
func (c *Client) Subscriptions(ctx context.Context, accountToken, family string) (activation.SubscriptionStatus, error) {
	var payload subscriptionsPayload
	endpoint := joinURL(c.cfg.AccountURL, "users", "me", "subscriptions")
	if err := c.do(ctx, "account_subscriptions", http.MethodGet, endpoint, accountToken, nil, &payload); err != nil {
		return activation.SubscriptionStatus{}, err
	}

	for _, item := range payload.Items {
		if !strings.EqualFold(item.Status, "active") {
			continue
		}
		if family != "" && !strings.EqualFold(item.Family, family) {
			continue
		}
		return activation.SubscriptionStatus{
			HasActiveTargetSubscription: true,
			Snapshot:                    c.snapshot(item),
		}, nil
	}
	return activation.SubscriptionStatus{}, nil
}

func (c *Client) snapshot(item subscriptionItem) *activation.ActiveSubscription {
	sub := &activation.ActiveSubscription{
		Name:         item.Name,
		ProductID:    item.ProductID,
		Family:       item.Family,
		EndDate:      item.EndDate,
		PaymentIssue: item.PaymentIssue,
		AutoRenew:    item.AutoRenew,
	}
	if item.EndDate != nil {
		days := int(item.EndDate.Sub(c.now()).Hours() / 24)
		if days < 0 {
			days = 0
		}
		sub.DaysRemaining = &days
	}
	return sub
}
