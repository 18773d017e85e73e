// Package storefront implements the activation collaborators over the
// storefront, account, catalog and portal HTTP APIs.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"redeemcli/internal/activation"
	"redeemcli/internal/config"
	"redeemcli/internal/retry"
)

const maxErrorBody = 4 << 10

// errorCodes maps storefront error codes onto activation kinds.
var errorCodes = map[string]activation.Kind{
	"invalid_session":          activation.KindInvalidSession,
	"session_expired":          activation.KindSessionExpired,
	"product_not_found":        activation.KindProductNotFound,
	"invalid_key":              activation.KindInvalidKey,
	"token_not_found":          activation.KindInvalidKey,
	"already_redeemed":         activation.KindAlreadyRedeemed,
	"already_owned":            activation.KindAlreadyOwned,
	"region_restricted":        activation.KindRegionRestricted,
	"requires_digital_account": activation.KindRequiresDigitalAccount,
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the storefront services. It is safe for concurrent use.
type Client struct {
	cfg     config.StorefrontConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock sets the time source used for subscription day counts.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a storefront client paced at cfg.RequestsPerSec.
func NewClient(cfg config.StorefrontConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become *activation.Error when the body carries a known code and
// *retry.StatusError otherwise. op names the call in logs and errors so keys
// and tokens embedded in endpoint never leave this function.
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "storefront_request_failed",
			slog.String("method", method),
			slog.String("op", op),
			slog.String("error", err.Error()))
		return err
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "storefront_request",
		slog.String("method", method),
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp, op)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func responseError(resp *http.Response, endpoint string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorPayload
	if json.Unmarshal(raw, &payload) == nil && payload.Code != "" {
		if kind, ok := errorCodes[strings.ToLower(payload.Code)]; ok {
			return &activation.Error{Kind: kind, Op: endpoint, Message: payload.Message}
		}
	}
	return &retry.StatusError{
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Body:       strings.TrimSpace(string(raw)),
	}
}

// joinURL appends path segments to base, escaping each one.
func joinURL(base string, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(escaped, "/")
}
