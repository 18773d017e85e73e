package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"redeemcli/internal/credentials"
	"redeemcli/internal/infrastructure"
	"redeemcli/internal/retry"
)

// Machine drives a single activation run from idle to one terminal state.
// A Machine runs once; a new attempt needs a new Machine.
type Machine struct {
	id              string
	svc             *Services
	gate            *AccountGate
	redeemer        *KeyRedeemer
	bundle          *BundleCoordinator
	observer        Observer
	allowConversion bool
	log             componentLogger

	mu              sync.Mutex
	pending         PendingActivation
	state           State
	history         []StateKind
	progress        *BundleProgress
	record          *ActivationRecord
	started         bool
	cancel          context.CancelFunc
	cancelRequested bool

	// per-run values produced by earlier phases
	accountRegion string
	market        string
	auth          AuthContext

	background sync.WaitGroup
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver receives state changes and bundle progress.
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) { m.observer = o }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) MachineOption {
	return func(m *Machine) { m.id = id }
}

// WithConversion lets a blocking subscription be converted instead of
// ending the run in activeSubscription.
func WithConversion(allow bool) MachineOption {
	return func(m *Machine) { m.allowConversion = allow }
}

// NewMachine creates an idle run for pending.
func NewMachine(svc *Services, pending PendingActivation, opts ...MachineOption) *Machine {
	s := svc.withDefaults()
	m := &Machine{
		id:       uuid.NewString(),
		svc:      s,
		gate:     NewAccountGate(s.Accounts, s.Subscriptions, s.Retry, s.Logger),
		redeemer: NewKeyRedeemer(s),
		pending:  pending.clone(),
		state:    transient(StateIdle),
		history:  []StateKind{StateIdle},
		observer: ObserverFuncs{},
		log:      newComponentLogger(s.Logger, "activation_machine"),
	}
	m.bundle = NewBundleCoordinator(m.redeemer, s.Logger)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the run id.
func (m *Machine) ID() string { return m.id }

// State returns a copy of the live state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state kind the run has entered, in order.
func (m *Machine) History() []StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateKind(nil), m.history...)
}

// Pending returns the activation as enriched so far.
func (m *Machine) Pending() PendingActivation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.clone()
}

// Progress returns the latest bundle snapshot, if the run is a bundle.
func (m *Machine) Progress() (BundleProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress == nil {
		return BundleProgress{}, false
	}
	return *m.progress, true
}

// Record returns the record emitted at the terminal state, if any.
func (m *Machine) Record() (ActivationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return ActivationRecord{}, false
	}
	return *m.record, true
}

// Cancel stops the run at its next suspension point. Cancelling before Run
// makes Run end in cancelled immediately.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelRequested = true
	if m.cancel != nil {
		m.cancel()
	}
}

// Wait blocks until the background record save and completion report of a
// finished run are done.
func (m *Machine) Wait() {
	m.background.Wait()
}

// Run executes the activation and returns its terminal state.
func (m *Machine) Run(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.started {
		s := m.state
		m.mu.Unlock()
		return s, ErrAlreadyStarted
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	if m.cancelRequested {
		cancel()
	}
	m.mu.Unlock()
	defer cancel()

	ctx = infrastructure.WithRunID(infrastructure.EnsureTraceID(ctx), m.id)
	start := m.svc.Now()
	m.svc.Metrics.runStarted(ctx, m.pending.Method)
	m.log.info(ctx, "run", "started",
		slog.String("method", string(m.pending.Method)),
		slog.Int("keys", len(m.pending.Keys)),
		slog.Bool("test_mode", m.pending.TestMode))

	final := m.execute(ctx)
	final = m.finish(ctx, final)

	m.svc.Metrics.runFinished(ctx, final.Kind, m.svc.Now().Sub(start))
	return final, nil
}

type phase func(ctx context.Context) (State, bool)

func (m *Machine) execute(ctx context.Context) State {
	phases := []phase{
		m.initialize,
		m.diagnose,
		m.fetchProduct,
		m.validate,
		m.checkAccount,
		m.captureToken,
		m.activate,
	}
	for _, run := range phases {
		if ctx.Err() != nil {
			return m.cancelled()
		}
		if final, done := run(ctx); done {
			return final
		}
	}
	return ErrorState(KindInternal, "activation ended without an outcome")
}

// enter moves to a transient state. It returns false if the move is not
// allowed from the live state.
func (m *Machine) enter(ctx context.Context, s State) bool {
	m.mu.Lock()
	from := m.state.Kind
	if !CanTransition(from, s.Kind) {
		m.mu.Unlock()
		m.log.fail(ctx, "transition", "rejected",
			slog.String("from", string(from)), slog.String("to", string(s.Kind)))
		return false
	}
	m.state = s
	m.history = append(m.history, s.Kind)
	m.mu.Unlock()

	m.observer.StateChanged(m.id, s)
	m.log.debug(ctx, "transition", string(s.Kind), slog.String("from", string(from)))
	return true
}

func (m *Machine) step(ctx context.Context, kind StateKind) (State, bool) {
	if !m.enter(ctx, transient(kind)) {
		return ErrorState(KindInternal, fmt.Sprintf("cannot enter %s", kind)), true
	}
	return State{}, false
}

func (m *Machine) initialize(ctx context.Context) (State, bool) {
	return m.step(ctx, StateInitializing)
}

func (m *Machine) diagnose(ctx context.Context) (State, bool) {
	if s, done := m.step(ctx, StateRunningDiagnostics); done {
		return s, true
	}

	if m.svc.Reachability != nil && !m.svc.Reachability.Reachable() {
		return ErrorState(KindNetworkUnavailable, ""), true
	}
	if m.svc.Diagnostics == nil {
		return State{}, false
	}

	report, err := await(ctx, m.svc.Timeouts.Diagnostics, m.svc.Diagnostics.Run)
	switch {
	case ctx.Err() != nil:
		return m.cancelled(), true
	case errors.Is(err, context.DeadlineExceeded):
		return DiagnosticsErrorState(fmt.Sprintf("diagnostics did not finish within %s", m.svc.Timeouts.Diagnostics)), true
	case err != nil:
		return DiagnosticsErrorState(err.Error()), true
	case report.Blocking:
		return DiagnosticsErrorState(report.Cause), true
	}
	return State{}, false
}

func (m *Machine) fetchProduct(ctx context.Context) (State, bool) {
	if s, done := m.step(ctx, StateFetchingProduct); done {
		return s, true
	}

	if m.pending.SessionToken != "" && m.svc.Sessions != nil {
		product, err := retry.Do(ctx, m.svc.Retry, func(ctx context.Context) (SessionProduct, error) {
			return m.svc.Sessions.FetchSession(ctx, m.pending.SessionToken)
		})
		if err != nil {
			err = classifyTransport("fetch_session", err, true)
			if KindOf(err) == KindSessionExpired {
				return State{Kind: StateExpiredSession}, true
			}
			return m.failure(ctx, err), true
		}
		if err := m.mergeSession(product); err != nil {
			return m.failure(ctx, err), true
		}
	}

	if len(m.pending.Keys) == 0 {
		return ErrorState(KindProductNotFound, "no key found for this activation"), true
	}
	return State{}, false
}

func (m *Machine) mergeSession(p SessionProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending.Keys) == 0 {
		keys, err := normalizeKeys(p.Keys)
		if err != nil {
			return err
		}
		m.pending.Keys = keys
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&m.pending.ProductName, p.Name)
	fill(&m.pending.Region, p.Region)
	fill(&m.pending.ImageURL, p.ImageURL)
	fill(&m.pending.Vendor, p.Vendor)
	fill(&m.pending.ProductID, p.ProductID)
	fill(&m.pending.ProductFamily, p.Family)
	m.pending.IsSubscription = m.pending.IsSubscription || p.IsSubscription
	m.pending.RegionAgnostic = m.pending.RegionAgnostic || p.RegionAgnostic
	return nil
}

func (m *Machine) validate(ctx context.Context) (State, bool) {
	if s, done := m.step(ctx, StateValidatingKey); done {
		return s, true
	}

	for _, k := range m.pending.Keys {
		if _, err := NormalizeKey(k); err != nil {
			return ErrorState(KindInvalidKey, err.Error()), true
		}
	}

	if m.pending.TestMode {
		if s, done := m.step(ctx, StateActivating); done {
			return s, true
		}
		m.log.info(ctx, "test_mode", "skipped_redemption", slog.Int("keys", len(m.pending.Keys)))
		return SuccessState(m.productName(), m.pending.Keys), true
	}

	if m.pending.IsBundle() || m.svc.Redemption == nil {
		return State{}, false
	}

	token, err := m.proxyToken(ctx)
	if err != nil {
		return m.failure(ctx, err), true
	}
	result, err := m.redeemer.Validate(ctx, token, m.pending.Key(), m.pending.Region)
	if err != nil {
		if KindOf(err) == KindAlreadyRedeemed {
			return State{Kind: StateAlreadyRedeemed}, true
		}
		return m.failure(ctx, err), true
	}
	switch {
	case result.IsAlreadyRedeemed:
		return State{Kind: StateAlreadyRedeemed}, true
	case !result.IsValid:
		return ErrorState(KindInvalidKey, fmt.Sprintf("%s (state %s)", KindInvalidKey.Description(), result.TokenState)), true
	}

	m.mu.Lock()
	if m.pending.Region == "" {
		m.pending.Region = result.Region
	}
	if p := result.Product; p != nil {
		if m.pending.ProductName == "" {
			m.pending.ProductName = p.Title
		}
		if m.pending.ImageURL == "" {
			m.pending.ImageURL = p.ImageURL
		}
		if m.pending.ProductFamily == "" {
			m.pending.ProductFamily = p.Family
		}
		m.pending.IsSubscription = m.pending.IsSubscription || p.IsSubscription
		m.pending.RegionAgnostic = m.pending.RegionAgnostic || p.RegionAgnostic
	}
	m.mu.Unlock()
	return State{}, false
}

func (m *Machine) checkAccount(ctx context.Context) (State, bool) {
	if !m.pending.NeedsGate() || m.svc.Accounts == nil {
		return State{}, false
	}
	if s, done := m.step(ctx, StateCheckingGamePass); done {
		return s, true
	}

	token, err := m.proxyToken(ctx)
	if err != nil {
		return m.failure(ctx, err), true
	}

	decision := m.gate.Check(ctx, token, GateRequest{
		TargetRegion:   m.pending.Region,
		IsSubscription: m.pending.IsSubscription,
		ProductFamily:  m.pending.ProductFamily,
		RegionAgnostic: m.pending.RegionAgnostic,
	})
	m.accountRegion = decision.AccountRegion
	m.market = decision.Market

	if decision.Proceed() {
		return State{}, false
	}
	switch decision.Reason {
	case BlockRegionMismatch:
		return RegionMismatchState(decision.AccountRegion, decision.KeyRegion), true
	case BlockActiveSubscription:
		if m.allowConversion && m.svc.Converter != nil {
			return m.convert(ctx, token), true
		}
		return ActiveSubscriptionState(*decision.Subscription), true
	case BlockRegionCheckFailed, BlockSubscriptionCheckFailed:
		if IsAuthKind(KindOf(decision.Err)) {
			m.svc.Credentials.Invalidate(credentials.ScopeProxyAuth)
		}
		return m.failure(ctx, decision.Err), true
	default:
		return ErrorState(KindInternal, fmt.Sprintf("unhandled gate reason %q", decision.Reason)), true
	}
}

func (m *Machine) convert(ctx context.Context, token string) State {
	if s, done := m.step(ctx, StateHandlingConversion); done {
		return s
	}
	resp, err := retry.Do(ctx, m.svc.Retry, func(ctx context.Context) (RedeemResponse, error) {
		return m.svc.Converter.Convert(ctx, token, m.pending.Keys)
	})
	if err != nil {
		err = classifyTransport("convert", err, true)
		if KindOf(err) == KindCancelled || ctx.Err() != nil {
			return m.cancelled()
		}
		return ErrorState(KindConversionFailed, fmt.Sprintf("%s: %v", KindConversionFailed.Description(), err))
	}
	name := m.productName()
	if len(resp.Products) > 0 && resp.Products[0].Title != "" {
		name = resp.Products[0].Title
	}
	return SuccessState(name, m.pending.Keys)
}

func (m *Machine) captureToken(ctx context.Context) (State, bool) {
	if s, done := m.step(ctx, StateCapturingToken); done {
		return s, true
	}
	if m.svc.Tokens == nil {
		return State{Kind: StateNoToken}, true
	}

	refresher := credentials.RefreshFunc(func(ctx context.Context) (credentials.Credential, error) {
		cred, err := m.svc.Tokens.CaptureToken(ctx)
		if err != nil {
			return credentials.Credential{}, err
		}
		if cred.ExpiresAt.IsZero() {
			cred.ExpiresAt = m.svc.Now().Add(m.svc.BearerTTL)
		}
		return cred, nil
	})

	cred, err := await(ctx, m.svc.Timeouts.TokenCapture, func(ctx context.Context) (credentials.Credential, error) {
		return m.svc.Credentials.GetOrRefresh(ctx, credentials.ScopeBearer, refresher)
	})
	switch {
	case ctx.Err() != nil:
		return m.cancelled(), true
	case errors.Is(err, context.DeadlineExceeded):
		m.log.warn(ctx, "capture_token", "timeout", slog.Duration("timeout", m.svc.Timeouts.TokenCapture))
		return State{Kind: StateTokenTimeout}, true
	case errors.Is(err, ErrNoToken):
		return State{Kind: StateNoToken}, true
	case err != nil:
		return m.failure(ctx, err), true
	}

	market := m.market
	if market == "" {
		market = m.pending.Region
	}
	m.auth = AuthContext{BearerToken: cred.Value, Market: market}
	return State{}, false
}

func (m *Machine) activate(ctx context.Context) (State, bool) {
	if s, done := m.step(ctx, StateActivating); done {
		return s, true
	}

	if m.pending.IsBundle() {
		total := len(m.pending.Keys)
		if !m.enter(ctx, State{Kind: StateActivatingBundle, Total: total}) {
			return ErrorState(KindInternal, "cannot enter activatingBundle"), true
		}
		m.setProgress(BundleProgress{Total: total})
		outcome := m.bundle.Run(ctx, m.pending.Keys, m.auth, m.setProgress)
		return outcome.State(m.productName()), true
	}

	key := m.pending.Key()
	outcome, err := m.redeemer.Redeem(ctx, key, m.auth)
	if err != nil {
		switch KindOf(err) {
		case KindAlreadyRedeemed:
			return State{Kind: StateAlreadyRedeemed}, true
		case KindAlreadyOwned:
			return AlreadyOwnedState([]string{m.productName()}), true
		case KindRegionRestricted:
			return m.regionRestricted(ctx), true
		case KindRequiresDigitalAccount:
			return State{Kind: StateRequiresDigitalAccount}, true
		}
		return m.failure(ctx, err), true
	}

	name := outcome.Product.Title
	if name == "" {
		name = m.productName()
	}
	return SuccessState(name, []string{key}), true
}

// regionRestricted reports a key locked to another region. The account
// region is looked up when the gate did not run for this product.
func (m *Machine) regionRestricted(ctx context.Context) State {
	account := m.accountRegion
	if account == "" && m.svc.Accounts != nil {
		if token, err := m.proxyToken(ctx); err == nil {
			if region, err := m.gate.AccountRegion(ctx, token); err == nil {
				account = region.Region
			} else {
				m.log.warn(ctx, "region_lookup", "failed", errAttr(err))
			}
		}
	}
	m.mu.Lock()
	keyRegion := m.pending.Region
	m.mu.Unlock()
	return RegionMismatchState(account, keyRegion)
}

func (m *Machine) setProgress(p BundleProgress) {
	m.mu.Lock()
	m.progress = &p
	m.mu.Unlock()
	m.observer.BundleProgressed(m.id, p)
}

// proxyToken returns the cached proxy credential, refreshing it if needed.
func (m *Machine) proxyToken(ctx context.Context) (string, error) {
	if m.svc.ProxyAuth == nil {
		return "", nil
	}
	cred, err := m.svc.Credentials.GetOrRefresh(ctx, credentials.ScopeProxyAuth, m.svc.ProxyAuth)
	if err != nil {
		return "", classifyTransport("proxy_auth", err, false)
	}
	return cred.Value, nil
}

// failure maps a tagged error to its terminal state.
func (m *Machine) failure(ctx context.Context, err error) State {
	kind := KindOf(err)
	if kind == KindCancelled || ctx.Err() != nil {
		return m.cancelled()
	}
	m.log.warn(ctx, "run", string(kind), errAttr(err))
	return ErrorState(kind, kind.Description())
}

func (m *Machine) cancelled() State {
	return State{Kind: StateCancelled}
}

func (m *Machine) productName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending.ProductName != "" {
		return m.pending.ProductName
	}
	return "Product"
}

// finish enters the terminal state and emits the record and completion
// report. Cancelled runs emit nothing.
func (m *Machine) finish(ctx context.Context, final State) State {
	m.mu.Lock()
	from := m.state.Kind
	if from.IsTerminal() {
		s := m.state
		m.mu.Unlock()
		return s
	}
	if !CanTransition(from, final.Kind) {
		m.log.fail(ctx, "transition", "invalid_terminal",
			slog.String("from", string(from)), slog.String("to", string(final.Kind)))
		final = ErrorState(KindInternal, fmt.Sprintf("invalid transition %s -> %s", from, final.Kind))
	}
	m.state = final
	m.history = append(m.history, final.Kind)
	m.mu.Unlock()

	m.observer.StateChanged(m.id, final)
	m.log.info(ctx, "run", string(final.Kind),
		slog.String("from", string(from)),
		slog.String("description", final.Description()))

	if final.Kind == StateCancelled {
		return final
	}

	rec := m.buildRecord(final)
	m.mu.Lock()
	m.record = &rec
	m.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	if m.svc.Recorder != nil {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			sctx, cancel := context.WithTimeout(detached, m.svc.Timeouts.RecordSave)
			defer cancel()
			if err := m.svc.Recorder.Save(sctx, rec); err != nil {
				m.log.warn(sctx, "save_record", "failed", errAttr(err))
			}
		}()
	}
	if m.svc.Reporter != nil && m.pending.SessionToken != "" && !m.pending.TestMode {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			rctx, cancel := context.WithTimeout(detached, m.svc.Timeouts.CompletionReport)
			defer cancel()
			if err := m.svc.Reporter.MarkActivated(rctx, m.pending.SessionToken, final.IsSuccess()); err != nil {
				m.log.warn(rctx, "completion_report", "failed", errAttr(err))
			}
		}()
	}
	return final
}

func (m *Machine) buildRecord(final State) ActivationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := ActivationRecord{
		ID:           uuid.NewString(),
		RunID:        m.id,
		ProductName:  final.ProductName,
		SessionToken: m.pending.SessionToken,
		Timestamp:    m.svc.Now().UTC(),
		Success:      final.IsSuccess(),
		State:        final.Kind,
		Method:       m.pending.Method,
		KeyCount:     len(m.pending.Keys),
		TestMode:     m.pending.TestMode,
	}
	if rec.ProductName == "" {
		rec.ProductName = m.pending.ProductName
	}
	switch final.Kind {
	case StateSuccess:
		rec.Succeeded = len(final.Keys)
	case StatePartialSuccess:
		rec.Succeeded = final.Succeeded
		rec.ErrorMessage = final.Description()
	default:
		rec.ErrorMessage = final.Description()
	}
	return rec
}

// await runs fn with a deadline and returns when fn does or the deadline
// passes, whichever comes first.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
