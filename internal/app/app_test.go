package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redeemcli/internal/activation"
	"redeemcli/internal/config"
	"redeemcli/internal/credentials"
	"redeemcli/internal/services"
	ws "redeemcli/internal/websocket"
)

const testKey = "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"

type noTokens struct{}

func (noTokens) CaptureToken(context.Context) (credentials.Credential, error) {
	return credentials.Credential{}, activation.ErrNoToken
}

// newTestApp points every storefront endpoint and the reachability probe at
// a local server so no run leaves the machine.
func newTestApp(t *testing.T) (*Application, *httptest.Server) {
	t.Helper()

	storefront := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(storefront.Close)

	cfg := config.Default()
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Storage.HistoryFile = filepath.Join(t.TempDir(), "activations.jsonl")
	cfg.Storefront.PortalURL = storefront.URL
	cfg.Storefront.AccountURL = storefront.URL
	cfg.Storefront.PurchaseURL = storefront.URL
	cfg.Storefront.CatalogURL = storefront.URL
	cfg.Storefront.ProxyURL = storefront.URL
	cfg.Storefront.ProbeAddress = storefront.Listener.Addr().String()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApplication(context.Background(), cfg, logger, WithTokenCapturer(noTokens{}))
	require.NoError(t, err)
	app.WebSocketHub.Start()

	server := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		server.Close()
		require.NoError(t, app.Stop(context.Background()))
	})
	return app, server
}

func TestNewApplicationRequiresConfig(t *testing.T) {
	_, err := NewApplication(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestTestModeActivationEndToEnd(t *testing.T) {
	_, server := newTestApp(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello ws.Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, ws.TypeConnection, hello.Type)

	body := `{"method":"test","key":"` + strings.ToLower(testKey) + `","product_name":"Halo"}`
	resp, err := http.Post(server.URL+"/api/activations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started services.RunSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.ID)

	resp, err = http.Get(server.URL + "/api/activations/" + started.ID + "?wait=5s")
	require.NoError(t, err)
	defer resp.Body.Close()
	var final services.RunSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&final))
	assert.Equal(t, activation.StateSuccess, final.State.Kind)
	assert.Equal(t, []string{testKey}, final.State.Keys)
	require.NotNil(t, final.Record)
	assert.True(t, final.Record.TestMode)

	// the socket saw the run reach success
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != ws.TypeState || msg.RunID != started.ID {
			continue
		}
		data, _ := json.Marshal(msg.Data)
		if bytes.Contains(data, []byte(`"kind":"success"`)) {
			break
		}
	}

	resp, err = http.Get(server.URL + "/api/activations/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var history struct {
		Records []activation.ActivationRecord `json:"records"`
		Count   int                           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Equal(t, 1, history.Count)
	assert.Equal(t, started.ID, history.Records[0].RunID)
}

func TestRouterBasics(t *testing.T) {
	_, server := newTestApp(t)

	tests := []struct {
		name        string
		method      string
		path        string
		wantStatus  int
		contentType string
	}{
		{"liveness", http.MethodGet, "/healthz", http.StatusOK, "application/json"},
		{"readiness", http.MethodGet, "/readyz", http.StatusOK, "application/json"},
		{"version", http.MethodGet, "/api/version", http.StatusOK, "application/json"},
		{"unknown route", http.MethodGet, "/nope", http.StatusNotFound, "application/problem+json"},
		{"wrong method", http.MethodDelete, "/api/activations", http.StatusMethodNotAllowed, "application/problem+json"},
		{"unknown run", http.MethodGet, "/api/activations/missing", http.StatusNotFound, "application/problem+json"},
		{"metrics disabled", http.MethodGet, "/metrics", http.StatusNotFound, "application/problem+json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, server.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), tt.contentType), resp.Header.Get("Content-Type"))
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	_, server := newTestApp(t)

	header := http.Header{"Origin": {"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
