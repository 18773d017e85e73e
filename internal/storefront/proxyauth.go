package storefront

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"redeemcli/internal/config"
	"redeemcli/internal/credentials"
	"redeemcli/internal/retry"
)

// ProxyAuthenticator obtains the account-level proxy token through the
// client-credentials grant. It implements credentials.Refresher.
type ProxyAuthenticator struct {
	conf       *clientcredentials.Config
	httpClient *http.Client
	fallback   time.Duration
	now        func() time.Time
}

// NewProxyAuthenticator builds an authenticator against cfg.ProxyURL. ttl is
// used when the token response carries no expiry.
func NewProxyAuthenticator(cfg config.StorefrontConfig, ttl time.Duration, hc *http.Client) *ProxyAuthenticator {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ProxyAuthenticator{
		conf: &clientcredentials.Config{
			ClientID:     cfg.ProxyClientID,
			ClientSecret: cfg.ProxySecret,
			TokenURL:     joinURL(cfg.ProxyURL, "oauth", "token"),
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: hc,
		fallback:   ttl,
		now:        time.Now,
	}
}

// Refresh requests a new proxy token.
func (p *ProxyAuthenticator) Refresh(ctx context.Context) (credentials.Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.conf.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return credentials.Credential{}, &retry.StatusError{
				StatusCode: re.Response.StatusCode,
				Endpoint:   "proxy_token",
				Body:       string(re.Body),
			}
		}
		return credentials.Credential{}, err
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = p.now().Add(p.fallback)
	}
	return credentials.Credential{Value: tok.AccessToken, ExpiresAt: expires}, nil
}
