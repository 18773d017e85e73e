package activation

import (
	"strings"
	"time"
)

// Method identifies how an activation entered the system.
type Method string

const (
	MethodDeepLink        Method = "deep_link"
	MethodPortal          Method = "portal"
	MethodManualKey       Method = "manual_key"
	MethodTest            Method = "test"
	MethodURLMonitor      Method = "url_monitor"
	MethodExternalMessage Method = "external_message"
	MethodManual          Method = "manual"
)

// Valid reports whether m is a known entry point.
func (m Method) Valid() bool {
	switch m {
	case MethodDeepLink, MethodPortal, MethodManualKey, MethodTest,
		MethodURLMonitor, MethodExternalMessage, MethodManual:
		return true
	}
	return false
}

// OrderMetadata describes the purchase a key came from.
type OrderMetadata struct {
	OrderID     string    `json:"order_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}

// PendingActivation is the canonical description of what a run activates.
// Keys is always the canonical key form; a single key is a one-element list.
type PendingActivation struct {
	Keys           []string      `json:"keys"`
	Region         string        `json:"region,omitempty"`
	ProductName    string        `json:"product_name,omitempty"`
	ImageURL       string        `json:"image_url,omitempty"`
	Vendor         string        `json:"vendor,omitempty"`
	ProductID      string        `json:"product_id,omitempty"`
	ProductFamily  string        `json:"product_family,omitempty"`
	IsSubscription bool          `json:"is_subscription,omitempty"`
	RegionAgnostic bool          `json:"region_agnostic,omitempty"`
	SessionToken   string        `json:"-"`
	TestMode       bool          `json:"test_mode,omitempty"`
	Method         Method        `json:"method"`
	Order          OrderMetadata `json:"order,omitempty"`
}

// Key returns the first key, or "" when the activation has none yet.
func (p PendingActivation) Key() string {
	if len(p.Keys) == 0 {
		return ""
	}
	return p.Keys[0]
}

// IsBundle reports whether more than one key is redeemed as a unit.
func (p PendingActivation) IsBundle() bool {
	return len(p.Keys) > 1
}

// NeedsGate reports whether the account gate must run before redemption.
func (p PendingActivation) NeedsGate() bool {
	return p.IsSubscription || (!p.RegionAgnostic && p.Region != "")
}

func (p PendingActivation) clone() PendingActivation {
	p.Keys = append([]string(nil), p.Keys...)
	return p
}

// ImagePurpose is the storefront's label for a product image.
type ImagePurpose string

const (
	ImagePoster       ImagePurpose = "Poster"
	ImageBoxArt       ImagePurpose = "BoxArt"
	ImageSuperHeroArt ImagePurpose = "SuperHeroArt"
	ImageHero         ImagePurpose = "Hero"
	ImageTile         ImagePurpose = "Tile"
	ImageLogo         ImagePurpose = "Logo"
)

// imagePriority orders purposes from most to least preferred.
var imagePriority = []ImagePurpose{
	ImagePoster, ImageBoxArt, ImageSuperHeroArt, ImageHero, ImageTile, ImageLogo,
}

// Image is one catalog image.
type Image struct {
	Purpose ImagePurpose `json:"purpose"`
	URL     string       `json:"url"`
}

// CatalogData is the subset of a catalog product payload the engine consumes.
// Missing fields stay at their zero value.
type CatalogData struct {
	ProductID      string  `json:"product_id,omitempty"`
	Title          string  `json:"title,omitempty"`
	Publisher      string  `json:"publisher,omitempty"`
	Family         string  `json:"family,omitempty"`
	IsSubscription bool    `json:"is_subscription,omitempty"`
	RegionAgnostic bool    `json:"region_agnostic,omitempty"`
	Images         []Image `json:"images,omitempty"`
}

// BestImage returns the highest-priority image URL, first match wins.
func (c CatalogData) BestImage() string {
	for _, purpose := range imagePriority {
		for _, img := range c.Images {
			if strings.EqualFold(string(img.Purpose), string(purpose)) && img.URL != "" {
				return img.URL
			}
		}
	}
	return ""
}

// ProductInfo is enriched product metadata shown to the user.
type ProductInfo struct {
	ID             string `json:"id,omitempty"`
	Title          string `json:"title"`
	ImageURL       string `json:"image_url,omitempty"`
	Family         string `json:"family,omitempty"`
	IsSubscription bool   `json:"is_subscription,omitempty"`
	RegionAgnostic bool   `json:"region_agnostic,omitempty"`
}

func productFromCatalog(c CatalogData) ProductInfo {
	return ProductInfo{
		ID:             c.ProductID,
		Title:          c.Title,
		ImageURL:       c.BestImage(),
		Family:         c.Family,
		IsSubscription: c.IsSubscription,
		RegionAgnostic: c.RegionAgnostic,
	}
}

// SessionProduct is what a session lookup resolves to.
type SessionProduct struct {
	Name           string   `json:"name"`
	Keys           []string `json:"keys"`
	Region         string   `json:"region,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Vendor         string   `json:"vendor,omitempty"`
	ProductID      string   `json:"product_id,omitempty"`
	Family         string   `json:"family,omitempty"`
	IsSubscription bool     `json:"is_subscription,omitempty"`
	RegionAgnostic bool     `json:"region_agnostic,omitempty"`
}

// ActiveSubscription is a snapshot of a subscription that may conflict with
// the product being activated.
type ActiveSubscription struct {
	Name          string     `json:"name"`
	ProductID     string     `json:"product_id"`
	Family        string     `json:"family,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
	PaymentIssue  bool       `json:"payment_issue"`
	AutoRenew     bool       `json:"auto_renew"`
}

// Expiring reports whether the subscription is set to lapse on its own.
func (s ActiveSubscription) Expiring() bool {
	return !s.AutoRenew && s.EndDate != nil
}

// AccountRegion is the account's region and storefront market.
type AccountRegion struct {
	Region string `json:"region"`
	Market string `json:"market"`
}

// TokenState is the storefront's view of a key.
type TokenState string

const (
	TokenActive   TokenState = "Active"
	TokenRedeemed TokenState = "Redeemed"
	TokenInvalid  TokenState = "Invalid"
	TokenExpired  TokenState = "Expired"
	TokenUnknown  TokenState = "Unknown"
)

// KeyLookup is the raw result of looking a key up.
type KeyLookup struct {
	State        TokenState   `json:"state"`
	Region       string       `json:"region,omitempty"`
	Product      *CatalogData `json:"product,omitempty"`
	CatalogError string       `json:"catalog_error,omitempty"`
}

// KeyValidationResult is the interpreted result of validating a key.
type KeyValidationResult struct {
	IsValid           bool         `json:"is_valid"`
	IsAlreadyRedeemed bool         `json:"is_already_redeemed"`
	TokenState        TokenState   `json:"token_state"`
	Region            string       `json:"region,omitempty"`
	Product           *ProductInfo `json:"product,omitempty"`
	CatalogError      string       `json:"catalog_error,omitempty"`
}

// RedeemResponse is what the redemption endpoint returns on success.
type RedeemResponse struct {
	Products []CatalogData `json:"products"`
}

// RedeemOutcome is a successful redemption with enriched metadata.
type RedeemOutcome struct {
	Key      string        `json:"key"`
	Product  ProductInfo   `json:"product"`
	Products []ProductInfo `json:"products,omitempty"`
}

// AuthContext carries the credentials used for redemption calls.
type AuthContext struct {
	BearerToken string
	Market      string
}

// KeyFailure is one failed key within a bundle.
type KeyFailure struct {
	Key               string `json:"key"`
	Reason            Kind   `json:"reason"`
	Message           string `json:"message"`
	IsAlreadyOwned    bool   `json:"is_already_owned"`
	IsAlreadyRedeemed bool   `json:"is_already_redeemed"`
}

// BundleProgress is an immutable snapshot of a bundle run.
type BundleProgress struct {
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	CurrentKey   string `json:"current_key,omitempty"`
	CurrentIndex int    `json:"current_index"`
}

// ActivationRecord is the durable outcome of a finished run.
type ActivationRecord struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	ProductName  string    `json:"product_name"`
	SessionToken string    `json:"session_token,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	State        StateKind `json:"state"`
	Method       Method    `json:"method,omitempty"`
	KeyCount     int       `json:"key_count"`
	Succeeded    int       `json:"succeeded"`
	TestMode     bool      `json:"test_mode,omitempty"`
}
