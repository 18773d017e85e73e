package storefront

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"redeemcli/internal/activation"
)

type catalogImage struct {
	ImagePurpose string `json:"ImagePurpose"`
	URI          string `json:"Uri"`
}

type catalogProduct struct {
	ProductID           string `json:"ProductId"`
	ProductFamily       string `json:"ProductFamily"`
	LocalizedProperties []struct {
		ProductTitle  string         `json:"ProductTitle"`
		PublisherName string         `json:"PublisherName"`
		Images        []catalogImage `json:"Images"`
	} `json:"LocalizedProperties"`
	Properties struct {
		IsSubscription bool `json:"IsSubscription"`
		RegionAgnostic bool `json:"RegionAgnostic"`
	} `json:"Properties"`
}

type catalogResponse struct {
	Products []catalogProduct `json:"Products"`
}

// Enrich fills in missing metadata for data from the display catalog. Any
// failure returns data unchanged.
func (c *Client) Enrich(ctx context.Context, data activation.CatalogData, market string) activation.CatalogData {
	if data.ProductID == "" || c.cfg.CatalogURL == "" {
		return data
	}

	q := url.Values{}
	q.Set("bigIds", data.ProductID)
	q.Set("languages", "en-US")
	if market != "" {
		q.Set("market", market)
	}
	endpoint := joinURL(c.cfg.CatalogURL, "v7.0", "products") + "?" + q.Encode()

	var resp catalogResponse
	if err := c.do(ctx, "catalog_enrich", http.MethodGet, endpoint, "", nil, &resp); err != nil {
		c.logger.DebugContext(ctx, "catalog_enrich_skipped", "error", err.Error())
		return data
	}
	for _, p := range resp.Products {
		if strings.EqualFold(p.ProductID, data.ProductID) {
			return mergeCatalog(data, p)
		}
	}
	return data
}

// mergeCatalog keeps fields already present on data and fills the rest.
func mergeCatalog(data activation.CatalogData, p catalogProduct) activation.CatalogData {
	if data.Family == "" {
		data.Family = p.ProductFamily
	}
	data.IsSubscription = data.IsSubscription || p.Properties.IsSubscription
	data.RegionAgnostic = data.RegionAgnostic || p.Properties.RegionAgnostic
	if len(p.LocalizedProperties) == 0 {
		return data
	}
	lp := p.LocalizedProperties[0]
	if data.Title == "" {
		data.Title = lp.ProductTitle
	}
	if data.Publisher == "" {
		data.Publisher = lp.PublisherName
	}
	if len(data.Images) == 0 {
		for _, img := range lp.Images {
			data.Images = append(data.Images, activation.Image{
				Purpose: activation.ImagePurpose(img.ImagePurpose),
				URL:     absoluteImageURL(img.URI),
			})
		}
	}
	return data
}

// absoluteImageURL turns protocol-relative catalog URIs into https URLs.
func absoluteImageURL(uri string) string {
	if strings.HasPrefix(uri, "//") {
		return "https:" + uri
	}
	return uri
}
