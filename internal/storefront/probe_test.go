package storefront

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redeemcli/internal/config"
	"redeemcli/internal/retry"
)

func TestProxyAuthenticator(t *testing.T) {
	t.Run("token with expiry", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/proxy/oauth/token", r.URL.Path)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "client", user)
			assert.Equal(t, "secret", pass)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"proxy-token","token_type":"bearer","expires_in":600}`))
		}))
		defer srv.Close()

		auth := NewProxyAuthenticator(config.StorefrontConfig{
			ProxyURL: srv.URL + "/proxy", ProxyClientID: "client", ProxySecret: "secret",
		}, time.Minute, srv.Client())

		cred, err := auth.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "proxy-token", cred.Value)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), cred.ExpiresAt, 30*time.Second)
	})

	t.Run("fallback ttl", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"proxy-token","token_type":"bearer"}`))
		}))
		defer srv.Close()

		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		auth := NewProxyAuthenticator(config.StorefrontConfig{ProxyURL: srv.URL}, 10*time.Minute, srv.Client())
		auth.now = func() time.Time { return now }

		cred, err := auth.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, now.Add(10*time.Minute), cred.ExpiresAt)
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		auth := NewProxyAuthenticator(config.StorefrontConfig{ProxyURL: srv.URL}, time.Minute, srv.Client())
		_, err := auth.Refresh(context.Background())

		var statusErr *retry.StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
		assert.True(t, retry.IsRetryable(err))
	})
}

func TestReachabilityCachesResult(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dials := 0
	fail := false

	r := NewReachability("store.test:443", slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return now }
	r.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dials++
		if fail {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}

	assert.True(t, r.Reachable())
	fail = true
	assert.True(t, r.Reachable(), "cached answer within ttl")
	assert.Equal(t, 1, dials)

	now = now.Add(r.ttl)
	assert.False(t, r.Reachable())
	assert.Equal(t, 2, dials)
}

func TestReachabilityWithoutAddress(t *testing.T) {
	assert.True(t, NewReachability("", nil).Reachable())
}

type fixedReachability bool

func (f fixedReachability) Reachable() bool { return bool(f) }

func TestDiagnostics(t *testing.T) {
	serverTime := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", serverTime.Format(http.TimeFormat))
	}))
	defer srv.Close()

	newDiag := func(local time.Time, reachable bool) *Diagnostics {
		client := NewClient(config.StorefrontConfig{PurchaseURL: srv.URL},
			WithHTTPClient(srv.Client()), WithClock(func() time.Time { return local }))
		return NewDiagnostics(client, fixedReachability(reachable))
	}
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		report, err := newDiag(serverTime.Add(time.Minute), true).Run(ctx)
		require.NoError(t, err)
		assert.False(t, report.Blocking)
		assert.Equal(t, "ok", report.Checks["clock"])
	})

	t.Run("clock skew", func(t *testing.T) {
		report, err := newDiag(serverTime.Add(-time.Hour), true).Run(ctx)
		require.NoError(t, err)
		assert.True(t, report.Blocking)
		assert.Equal(t, "failed", report.Checks["clock"])
		assert.Contains(t, report.Cause, "clock")
	})

	t.Run("unreachable", func(t *testing.T) {
		report, err := newDiag(serverTime, false).Run(ctx)
		require.NoError(t, err)
		assert.True(t, report.Blocking)
		assert.Equal(t, "failed", report.Checks["reachability"])
		assert.NotContains(t, report.Checks, "clock")
	})
}
