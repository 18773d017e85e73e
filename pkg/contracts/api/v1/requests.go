// Package api contains the request and response bodies of the v1 HTTP API.
package api

import "time"

// ActivationRequest starts or dry-resolves an activation. Which fields are
// read depends on Method; the rest are ignored.
type ActivationRequest struct {
	Method          string        `json:"method" validate:"required,method"`
	URL             string        `json:"url,omitempty" validate:"omitempty,max=4096"`
	Message         string        `json:"message,omitempty" validate:"omitempty,max=16384"`
	SessionToken    string        `json:"session_token,omitempty" validate:"omitempty,max=512"`
	Key             string        `json:"key,omitempty" validate:"omitempty,productkey"`
	Keys            []string      `json:"keys,omitempty" validate:"omitempty,max=25,dive,productkey"`
	Region          string        `json:"region,omitempty" validate:"omitempty,alpha,max=8"`
	ProductName     string        `json:"product_name,omitempty" validate:"omitempty,max=256"`
	ImageURL        string        `json:"image_url,omitempty" validate:"omitempty,url"`
	Vendor          string        `json:"vendor,omitempty"`
	ProductID       string        `json:"product_id,omitempty"`
	ProductFamily   string        `json:"product_family,omitempty"`
	IsSubscription  bool          `json:"is_subscription,omitempty"`
	RegionAgnostic  bool          `json:"region_agnostic,omitempty"`
	AllowConversion bool          `json:"allow_conversion,omitempty"`
	Order           *OrderDetails `json:"order,omitempty"`
}

// OrderDetails is optional purchase metadata carried into the run.
type OrderDetails struct {
	OrderID     string    `json:"order_id,omitempty" validate:"omitempty,max=128"`
	Email       string    `json:"email,omitempty" validate:"omitempty,email"`
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}
