package activation

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"redeemcli/internal/credentials"
	"redeemcli/internal/retry"
)

const (
	key1 = "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"
	key2 = "FFFFF-GGGGG-HHHHH-JJJJJ-KKKKK"
	key3 = "22222-33333-44444-55555-66666"
)

func testRetry() *retry.Executor {
	return retry.New(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

type fakeAPI struct {
	mu          sync.Mutex
	lookups     map[string]KeyLookup
	lookupErr   error
	redeemErrs  map[string]error
	products    map[string]CatalogData
	redeemed    []string
	lookupCalls int
	redeemCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		lookups:    map[string]KeyLookup{},
		redeemErrs: map[string]error{},
		products:   map[string]CatalogData{},
	}
}

func (f *fakeAPI) LookupKey(_ context.Context, _, key, _ string) (KeyLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return KeyLookup{}, f.lookupErr
	}
	if l, ok := f.lookups[key]; ok {
		return l, nil
	}
	return KeyLookup{State: TokenActive}, nil
}

func (f *fakeAPI) Redeem(_ context.Context, _, key, _ string) (RedeemResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemCalls++
	if err, ok := f.redeemErrs[key]; ok {
		return RedeemResponse{}, err
	}
	f.redeemed = append(f.redeemed, key)
	if p, ok := f.products[key]; ok {
		return RedeemResponse{Products: []CatalogData{p}}, nil
	}
	return RedeemResponse{Products: []CatalogData{{Title: "Test Game"}}}, nil
}

func (f *fakeAPI) calls() (lookups, redeems int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls, f.redeemCalls
}

type fakeAccounts struct {
	region AccountRegion
	err    error
	calls  int
}

func (f *fakeAccounts) Region(context.Context, string) (AccountRegion, error) {
	f.calls++
	return f.region, f.err
}

type fakeSubscriptions struct {
	status SubscriptionStatus
	err    error
	calls  int
}

func (f *fakeSubscriptions) Subscriptions(context.Context, string, string) (SubscriptionStatus, error) {
	f.calls++
	return f.status, f.err
}

type fakeTokens struct {
	token string
	err   error
	block chan struct{}
	calls int
	mu    sync.Mutex
}

func (f *fakeTokens) CaptureToken(ctx context.Context) (credentials.Credential, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return credentials.Credential{}, f.err
	}
	return credentials.Credential{Value: f.token}, nil
}

type fakeSessions struct {
	product SessionProduct
	err     error
}

func (f *fakeSessions) FetchSession(context.Context, string) (SessionProduct, error) {
	return f.product, f.err
}

type recorderSpy struct {
	mu      sync.Mutex
	records []ActivationRecord
}

func (r *recorderSpy) Save(_ context.Context, rec ActivationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorderSpy) all() []ActivationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActivationRecord(nil), r.records...)
}

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) MarkActivated(ctx context.Context, sessionToken string, success bool) error {
	args := m.Called(ctx, sessionToken, success)
	return args.Error(0)
}

type staticReachability bool

func (r staticReachability) Reachable() bool { return bool(r) }

type fakeDiagnostics struct {
	report DiagnosticsReport
	err    error
	block  chan struct{}
}

func (f *fakeDiagnostics) Run(ctx context.Context) (DiagnosticsReport, error) {
	if f.block != nil {
		<-f.block
	}
	return f.report, f.err
}

type fakeConverter struct {
	err   error
	calls int
}

func (f *fakeConverter) Convert(context.Context, string, []string) (RedeemResponse, error) {
	f.calls++
	if f.err != nil {
		return RedeemResponse{}, f.err
	}
	return RedeemResponse{Products: []CatalogData{{Title: "Ultimate Pass"}}}, nil
}

type stateLog struct {
	mu       sync.Mutex
	states   []StateKind
	progress []BundleProgress
}

func (l *stateLog) StateChanged(_ string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s.Kind)
}

func (l *stateLog) BundleProgressed(_ string, p BundleProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, p)
}

type testEnv struct {
	api      *fakeAPI
	accounts *fakeAccounts
	subs     *fakeSubscriptions
	tokens   *fakeTokens
	recorder *recorderSpy
	svc      *Services
}

func newTestEnv() *testEnv {
	env := &testEnv{
		api:      newFakeAPI(),
		accounts: &fakeAccounts{region: AccountRegion{Region: "US", Market: "US"}},
		subs:     &fakeSubscriptions{},
		tokens:   &fakeTokens{token: "bearer-token"},
		recorder: &recorderSpy{},
	}
	env.svc = &Services{
		Retry:         testRetry(),
		Credentials:   credentials.NewCache(),
		Accounts:      env.accounts,
		Subscriptions: env.subs,
		Redemption:    env.api,
		Tokens:        env.tokens,
		ProxyAuth: credentials.RefreshFunc(func(context.Context) (credentials.Credential, error) {
			return credentials.Credential{Value: "proxy-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
		Recorder:     env.recorder,
		Reachability: staticReachability(true),
		Timeouts:     Timeouts{TokenCapture: time.Second, Diagnostics: time.Second, CompletionReport: time.Second},
	}
	return env
}
