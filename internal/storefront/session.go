package storefront

import (
	"context"
	"net/http"

	"redeemcli/internal/activation"
)

type sessionPayload struct {
	ProductName    string   `json:"productName"`
	Keys           []string `json:"keys"`
	Region         string   `json:"region"`
	ImageURL       string   `json:"imageUrl"`
	Vendor         string   `json:"vendor"`
	ProductID      string   `json:"productId"`
	Family         string   `json:"productFamily"`
	IsSubscription bool     `json:"isSubscription"`
	RegionAgnostic bool     `json:"regionAgnostic"`
}

// FetchSession resolves a portal session token to the product it sold.
func (c *Client) FetchSession(ctx context.Context, sessionToken string) (activation.SessionProduct, error) {
	var payload sessionPayload
	endpoint := joinURL(c.cfg.PortalURL, "api", "sessions", sessionToken)
	if err := c.do(ctx, "fetch_session", http.MethodGet, endpoint, "", nil, &payload); err != nil {
		return activation.SessionProduct{}, err
	}
	if payload.ProductName == "" && payload.ProductID == "" {
		return activation.SessionProduct{}, &activation.Error{Kind: activation.KindProductNotFound, Op: "fetch_session", Message: "session has no product"}
	}
	return activation.SessionProduct{
		Name:           payload.ProductName,
		Keys:           payload.Keys,
		Region:         payload.Region,
		ImageURL:       payload.ImageURL,
		Vendor:         payload.Vendor,
		ProductID:      payload.ProductID,
		Family:         payload.Family,
		IsSubscription: payload.IsSubscription,
		RegionAgnostic: payload.RegionAgnostic,
	}, nil
}

// MarkActivated reports the outcome of a session-backed run to the portal.
func (c *Client) MarkActivated(ctx context.Context, sessionToken string, success bool) error {
	endpoint := joinURL(c.cfg.PortalURL, "api", "sessions", sessionToken, "complete")
	body := map[string]bool{"success": success}
	return c.do(ctx, "mark_activated", http.MethodPost, endpoint, "", body, nil)
}
