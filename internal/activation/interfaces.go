package activation

import (
	"context"
	"log/slog"
	"time"

	"redeemcli/internal/credentials"
	"redeemcli/internal/retry"
)

// SessionLookup resolves a session token to the product it sells.
// Failures carry KindInvalidSession, KindSessionExpired or KindProductNotFound.
type SessionLookup interface {
	FetchSession(ctx context.Context, sessionToken string) (SessionProduct, error)
}

// CompletionReporter tells the storefront portal a session was used.
type CompletionReporter interface {
	MarkActivated(ctx context.Context, sessionToken string, success bool) error
}

// CatalogEnricher fills in catalog metadata. It returns data unchanged on failure.
type CatalogEnricher interface {
	Enrich(ctx context.Context, data CatalogData, market string) CatalogData
}

// AccountInfo reads the account's region and market.
type AccountInfo interface {
	Region(ctx context.Context, accountToken string) (AccountRegion, error)
}

// SubscriptionStatus reports whether the account holds a subscription of the
// target product family.
type SubscriptionStatus struct {
	HasActiveTargetSubscription bool
	Snapshot                    *ActiveSubscription
}

// SubscriptionLookup reads the account's active subscriptions.
type SubscriptionLookup interface {
	Subscriptions(ctx context.Context, accountToken, family string) (SubscriptionStatus, error)
}

// TokenCapturer obtains a bearer token from the sign-in surface. It fails
// with ErrNoToken when the surface closes without one and returns ctx.Err()
// when ctx ends first.
type TokenCapturer interface {
	CaptureToken(ctx context.Context) (credentials.Credential, error)
}

// RedemptionAPI is the storefront's key endpoint.
type RedemptionAPI interface {
	LookupKey(ctx context.Context, accountToken, key, market string) (KeyLookup, error)
	Redeem(ctx context.Context, bearerToken, key, market string) (RedeemResponse, error)
}

// Converter converts an existing subscription using the given keys.
type Converter interface {
	Convert(ctx context.Context, accountToken string, keys []string) (RedeemResponse, error)
}

// Recorder persists finished activation records. Errors are logged, never
// returned to the caller of a run.
type Recorder interface {
	Save(ctx context.Context, rec ActivationRecord) error
}

// Reachability is a read-only network availability signal.
type Reachability interface {
	Reachable() bool
}

// DiagnosticsReport is the outcome of the pre-flight checks.
type DiagnosticsReport struct {
	Blocking bool              `json:"blocking"`
	Cause    string            `json:"cause,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Diagnostics runs pre-flight checks before any storefront call.
type Diagnostics interface {
	Run(ctx context.Context) (DiagnosticsReport, error)
}

// Observer receives state changes and bundle progress for a run.
// Calls happen on the run's goroutine and must not block.
type Observer interface {
	StateChanged(runID string, state State)
	BundleProgressed(runID string, progress BundleProgress)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnState    func(runID string, state State)
	OnProgress func(runID string, progress BundleProgress)
}

func (o ObserverFuncs) StateChanged(runID string, state State) {
	if o.OnState != nil {
		o.OnState(runID, state)
	}
}

func (o ObserverFuncs) BundleProgressed(runID string, progress BundleProgress) {
	if o.OnProgress != nil {
		o.OnProgress(runID, progress)
	}
}

// Timeouts bound the waits the engine will tolerate.
type Timeouts struct {
	TokenCapture     time.Duration
	Diagnostics      time.Duration
	CompletionReport time.Duration
	RecordSave       time.Duration
}

// Services is the shared context every run is built from. It is constructed
// once at startup; the retry executor and credential cache are the only
// state shared between runs.
type Services struct {
	Retry       *retry.Executor
	Credentials *credentials.Cache

	Sessions      SessionLookup
	Reporter      CompletionReporter
	Catalog       CatalogEnricher
	Accounts      AccountInfo
	Subscriptions SubscriptionLookup
	Redemption    RedemptionAPI
	Converter     Converter
	Tokens        TokenCapturer
	ProxyAuth     credentials.Refresher
	Recorder      Recorder
	Reachability  Reachability
	Diagnostics   Diagnostics

	Timeouts  Timeouts
	BearerTTL time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *Services) withDefaults() *Services {
	c := *s
	if c.Retry == nil {
		c.Retry = retry.New(retry.DefaultConfig())
	}
	if c.Credentials == nil {
		c.Credentials = credentials.NewCache()
	}
	if c.Catalog == nil {
		c.Catalog = passthroughCatalog{}
	}
	if c.Timeouts.TokenCapture <= 0 {
		c.Timeouts.TokenCapture = 3 * time.Minute
	}
	if c.Timeouts.Diagnostics <= 0 {
		c.Timeouts.Diagnostics = 10 * time.Second
	}
	if c.Timeouts.CompletionReport <= 0 {
		c.Timeouts.CompletionReport = 10 * time.Second
	}
	if c.Timeouts.RecordSave <= 0 {
		c.Timeouts.RecordSave = 10 * time.Second
	}
	if c.BearerTTL <= 0 {
		c.BearerTTL = 50 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &c
}

type passthroughCatalog struct{}

func (passthroughCatalog) Enrich(_ context.Context, data CatalogData, _ string) CatalogData {
	return data
}
