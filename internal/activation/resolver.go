package activation

import (
	"net/url"
	"strconv"
	"strings"
)

// Source is the raw input from one of the activation entry points. Which
// fields are read depends on Method.
type Source struct {
	Method         Method        `json:"method" validate:"required"`
	URL            string        `json:"url,omitempty"`
	Message        string        `json:"message,omitempty"`
	SessionToken   string        `json:"session_token,omitempty"`
	Key            string        `json:"key,omitempty"`
	Keys           []string      `json:"keys,omitempty"`
	Region         string        `json:"region,omitempty"`
	ProductName    string        `json:"product_name,omitempty"`
	ImageURL       string        `json:"image_url,omitempty"`
	Vendor         string        `json:"vendor,omitempty"`
	ProductID      string        `json:"product_id,omitempty"`
	ProductFamily  string        `json:"product_family,omitempty"`
	IsSubscription bool          `json:"is_subscription,omitempty"`
	RegionAgnostic bool          `json:"region_agnostic,omitempty"`
	Order          OrderMetadata `json:"order,omitempty"`
}

// Resolve normalizes src into a PendingActivation. Keys are validated and
// regrouped, duplicates dropped with the first occurrence kept. Session based
// entry points may resolve without keys; the run fills them from the session.
func Resolve(src Source) (PendingActivation, error) {
	if !src.Method.Valid() {
		return PendingActivation{}, &Error{Kind: KindInvalidInput, Op: "resolve", Message: "unknown activation method " + strconv.Quote(string(src.Method))}
	}

	p := PendingActivation{
		Region:         strings.ToUpper(strings.TrimSpace(src.Region)),
		ProductName:    strings.TrimSpace(src.ProductName),
		ImageURL:       src.ImageURL,
		Vendor:         src.Vendor,
		ProductID:      src.ProductID,
		ProductFamily:  src.ProductFamily,
		IsSubscription: src.IsSubscription,
		RegionAgnostic: src.RegionAgnostic,
		SessionToken:   strings.TrimSpace(src.SessionToken),
		Method:         src.Method,
		Order:          src.Order,
	}
	raw := append([]string(nil), src.Keys...)
	if src.Key != "" {
		raw = append(raw, src.Key)
	}

	switch src.Method {
	case MethodDeepLink, MethodURLMonitor:
		link, err := parseLink(src.URL)
		if err != nil {
			return PendingActivation{}, err
		}
		applyLink(&p, &raw, link)
	case MethodExternalMessage:
		raw = append(raw, ExtractKeys(src.Message)...)
		for _, field := range strings.Fields(src.Message) {
			if !strings.Contains(field, "://") {
				continue
			}
			if link, err := parseLink(field); err == nil {
				applyLink(&p, &raw, link)
				break
			}
		}
	case MethodPortal:
		if p.SessionToken == "" {
			return PendingActivation{}, &Error{Kind: KindInvalidInput, Op: "resolve", Message: "portal activation requires a session token"}
		}
	case MethodManualKey:
		if len(raw) != 1 {
			return PendingActivation{}, &Error{Kind: KindInvalidInput, Op: "resolve", Message: "manual key entry takes exactly one key"}
		}
	case MethodTest:
		p.TestMode = true
	case MethodManual:
	}

	keys, err := normalizeKeys(raw)
	if err != nil {
		return PendingActivation{}, err
	}
	p.Keys = keys

	if len(p.Keys) == 0 && (p.SessionToken == "" || p.TestMode) {
		return PendingActivation{}, &Error{Kind: KindInvalidInput, Op: "resolve", Message: "no key to activate"}
	}
	return p, nil
}

func normalizeKeys(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	keys := make([]string, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		k, err := NormalizeKey(r)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys, nil
}

func parseLink(raw string) (url.Values, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return nil, &Error{Kind: KindInvalidInput, Op: "resolve", Message: "malformed activation link", Err: err}
	}
	q := u.Query()
	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			for k, v := range frag {
				q[k] = append(q[k], v...)
			}
		}
	}
	return q, nil
}

func firstParam(q url.Values, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(q.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

func applyLink(p *PendingActivation, raw *[]string, q url.Values) {
	if v := firstParam(q, "keys"); v != "" {
		*raw = append(*raw, strings.Split(v, ",")...)
	}
	if v := firstParam(q, "key", "code"); v != "" {
		*raw = append(*raw, v)
	}
	if p.SessionToken == "" {
		p.SessionToken = firstParam(q, "session", "token")
	}
	if p.Region == "" {
		p.Region = strings.ToUpper(firstParam(q, "region", "market"))
	}
	if p.ProductName == "" {
		p.ProductName = firstParam(q, "name", "product")
	}
	if p.ImageURL == "" {
		p.ImageURL = firstParam(q, "image")
	}
	if p.Vendor == "" {
		p.Vendor = firstParam(q, "vendor")
	}
	if test, err := strconv.ParseBool(firstParam(q, "test")); err == nil && test {
		p.TestMode = true
	}
}
