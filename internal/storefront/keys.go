package storefront

import (
	"context"
	"net/http"
	"net/url"

	"redeemcli/internal/activation"
)

type productPayload struct {
	ProductID      string `json:"productId"`
	Title          string `json:"title"`
	Publisher      string `json:"publisher"`
	Family         string `json:"productFamily"`
	IsSubscription bool   `json:"isSubscription"`
	RegionAgnostic bool   `json:"regionAgnostic"`
	Images         []struct {
		Purpose string `json:"purpose"`
		URL     string `json:"url"`
	} `json:"images"`
}

func (p productPayload) catalog() activation.CatalogData {
	data := activation.CatalogData{
		ProductID:      p.ProductID,
		Title:          p.Title,
		Publisher:      p.Publisher,
		Family:         p.Family,
		IsSubscription: p.IsSubscription,
		RegionAgnostic: p.RegionAgnostic,
	}
	for _, img := range p.Images {
		data.Images = append(data.Images, activation.Image{
			Purpose: activation.ImagePurpose(img.Purpose),
			URL:     absoluteImageURL(img.URL),
		})
	}
	return data
}

type tokenPayload struct {
	TokenState   string           `json:"tokenState"`
	Region       string           `json:"region"`
	Products     []productPayload `json:"products"`
	CatalogError string           `json:"catalogError"`
}

type redeemPayload struct {
	Products []productPayload `json:"products"`
}

func (r redeemPayload) response() activation.RedeemResponse {
	resp := activation.RedeemResponse{Products: make([]activation.CatalogData, 0, len(r.Products))}
	for _, p := range r.Products {
		resp.Products = append(resp.Products, p.catalog())
	}
	return resp
}

// LookupKey reads the storefront's view of key without redeeming it.
func (c *Client) LookupKey(ctx context.Context, accountToken, key, market string) (activation.KeyLookup, error) {
	endpoint := joinURL(c.cfg.PurchaseURL, "v7.0", "tokens", key)
	if market != "" {
		endpoint += "?" + url.Values{"market": {market}}.Encode()
	}

	var payload tokenPayload
	if err := c.do(ctx, "lookup_key", http.MethodGet, endpoint, accountToken, nil, &payload); err != nil {
		return activation.KeyLookup{}, err
	}

	lookup := activation.KeyLookup{
		State:        tokenState(payload.TokenState),
		Region:       payload.Region,
		CatalogError: payload.CatalogError,
	}
	if len(payload.Products) > 0 {
		product := payload.Products[0].catalog()
		lookup.Product = &product
	}
	return lookup, nil
}

// Redeem redeems key on the account identified by bearerToken.
func (c *Client) Redeem(ctx context.Context, bearerToken, key, market string) (activation.RedeemResponse, error) {
	endpoint := joinURL(c.cfg.PurchaseURL, "v7.0", "tokens", key, "redeem")
	body := map[string]string{"market": market}

	var payload redeemPayload
	if err := c.do(ctx, "redeem_key", http.MethodPost, endpoint, bearerToken, body, &payload); err != nil {
		return activation.RedeemResponse{}, err
	}
	return payload.response(), nil
}

// Convert converts the account's existing subscription using keys.
func (c *Client) Convert(ctx context.Context, accountToken string, keys []string) (activation.RedeemResponse, error) {
	endpoint := joinURL(c.cfg.PurchaseURL, "v7.0", "subscriptions", "convert")
	body := map[string][]string{"tokens": keys}

	var payload redeemPayload
	if err := c.do(ctx, "convert_subscription", http.MethodPost, endpoint, accountToken, body, &payload); err != nil {
		return activation.RedeemResponse{}, err
	}
	return payload.response(), nil
}

func tokenState(raw string) activation.TokenState {
	switch activation.TokenState(raw) {
	case activation.TokenActive, activation.TokenRedeemed, activation.TokenInvalid, activation.TokenExpired:
		return activation.TokenState(raw)
	}
	return activation.TokenUnknown
}
