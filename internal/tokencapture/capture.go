// Package tokencapture obtains a storefront bearer token by driving a browser
// through the sign-in flow and watching its outgoing requests.
package tokencapture

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"redeemcli/internal/activation"
	"redeemcli/internal/config"
	"redeemcli/internal/credentials"
)

// Capturer implements activation.TokenCapturer on top of chromedp. Only one
// browser session runs at a time.
type Capturer struct {
	cfg    config.BrowserConfig
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Capturer.
func New(cfg config.BrowserConfig, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{cfg: cfg, logger: logger.With(slog.String("component", "token_capture"))}
}

// CaptureToken opens the sign-in page and waits for the first request to the
// token host that carries a bearer token. It returns activation.ErrNoToken
// when the browser closes first and ctx.Err() when ctx ends first.
func (c *Capturer) CaptureToken(ctx context.Context) (credentials.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return credentials.Credential{}, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", c.cfg.Headless))
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(c.cfg.UserDataDir))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	found := make(chan string, 1)
	closed := make(chan struct{})
	var closeOnce sync.Once
	markClosed := func() { closeOnce.Do(func() { close(closed) }) }

	// Request headers arrive either with the request or in a separate
	// extra-info event keyed by request id.
	var urlsMu sync.Mutex
	urls := map[network.RequestID]string{}

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			urlsMu.Lock()
			urls[e.RequestID] = e.Request.URL
			urlsMu.Unlock()
			if token, ok := bearerFor(e.Request.URL, e.Request.Headers, c.cfg.TokenHost); ok {
				offer(found, token)
			}
		case *network.EventRequestWillBeSentExtraInfo:
			urlsMu.Lock()
			u := urls[e.RequestID]
			urlsMu.Unlock()
			if token, ok := bearerFor(u, e.Headers, c.cfg.TokenHost); ok {
				offer(found, token)
			}
		case *inspector.EventDetached:
			markClosed()
		}
	})

	c.logger.InfoContext(ctx, "token_capture_started", slog.String("sign_in_url", c.cfg.SignInURL))
	if err := chromedp.Run(browserCtx, network.Enable(), chromedp.Navigate(c.cfg.SignInURL)); err != nil {
		if ctx.Err() != nil {
			return credentials.Credential{}, ctx.Err()
		}
		return credentials.Credential{}, fmt.Errorf("failed to open sign-in page: %w", err)
	}

	if tgt := chromedp.FromContext(browserCtx).Target; tgt != nil {
		pageID := tgt.TargetID
		chromedp.ListenBrowser(browserCtx, func(ev interface{}) {
			if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == pageID {
				markClosed()
			}
		})
	}

	select {
	case token := <-found:
		c.logger.InfoContext(ctx, "token_capture_succeeded")
		return credentials.Credential{Value: token}, nil
	case <-ctx.Done():
		return credentials.Credential{}, ctx.Err()
	case <-closed:
	case <-browserCtx.Done():
	}

	// A token may have raced the close event.
	select {
	case token := <-found:
		return credentials.Credential{Value: token}, nil
	default:
	}
	if ctx.Err() != nil {
		return credentials.Credential{}, ctx.Err()
	}
	c.logger.WarnContext(ctx, "token_capture_closed")
	return credentials.Credential{}, activation.ErrNoToken
}

func offer(ch chan<- string, token string) {
	select {
	case ch <- token:
	default:
	}
}

// bearerFor returns the bearer token in headers when rawURL targets host.
// An empty host matches any URL.
func bearerFor(rawURL string, headers network.Headers, host string) (string, bool) {
	if host != "" {
		u, err := url.Parse(rawURL)
		if err != nil || !hostMatches(u.Hostname(), host) {
			return "", false
		}
	}
	for name, value := range headers {
		if !strings.EqualFold(name, "Authorization") {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		scheme, token, ok := strings.Cut(strings.TrimSpace(s), " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), true
		}
	}
	return "", false
}

func hostMatches(got, want string) bool {
	got, want = strings.ToLower(got), strings.ToLower(want)
	return got == want || strings.HasSuffix(got, "."+want)
}
