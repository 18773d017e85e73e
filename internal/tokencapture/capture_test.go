package tokencapture

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"

	"redeemcli/internal/config"
)

func TestBearerFor(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		headers network.Headers
		host    string
		want    string
		wantOK  bool
	}{
		{"matching host", "https://purchase.example.com/v7.0/tokens", network.Headers{"Authorization": "Bearer abc"}, "purchase.example.com", "abc", true},
		{"subdomain", "https://eu.purchase.example.com/x", network.Headers{"authorization": "bearer xyz"}, "purchase.example.com", "xyz", true},
		{"other host", "https://cdn.example.com/app.js", network.Headers{"Authorization": "Bearer abc"}, "purchase.example.com", "", false},
		{"suffix but not subdomain", "https://evilpurchase.example.com/", network.Headers{"Authorization": "Bearer abc"}, "purchase.example.com", "", false},
		{"basic auth", "https://purchase.example.com/", network.Headers{"Authorization": "Basic dXNlcjpwYXNz"}, "purchase.example.com", "", false},
		{"empty bearer", "https://purchase.example.com/", network.Headers{"Authorization": "Bearer "}, "purchase.example.com", "", false},
		{"no header", "https://purchase.example.com/", network.Headers{"Accept": "application/json"}, "purchase.example.com", "", false},
		{"any host", "", network.Headers{"Authorization": "Bearer t"}, "", "t", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := bearerFor(tt.url, tt.headers, tt.host)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOfferKeepsFirstToken(t *testing.T) {
	ch := make(chan string, 1)
	offer(ch, "first")
	offer(ch, "second")
	assert.Equal(t, "first", <-ch)
}

func TestCaptureTokenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(config.BrowserConfig{SignInURL: "about:blank"}, nil).CaptureToken(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
