package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"redeemcli/internal/activation"
	"redeemcli/internal/infrastructure"
	"redeemcli/internal/store"
)

// defaultRetainedRuns is how many finished runs stay queryable.
const defaultRetainedRuns = 100

// RunSnapshot is a point-in-time view of a run.
type RunSnapshot struct {
	ID        string                       `json:"id"`
	State     activation.State             `json:"state"`
	History   []activation.StateKind       `json:"history"`
	Pending   activation.PendingActivation `json:"pending"`
	Progress  *activation.BundleProgress   `json:"progress,omitempty"`
	Record    *activation.ActivationRecord `json:"record,omitempty"`
	StartedAt time.Time                    `json:"started_at"`
}

// StartRequest asks for a new run.
type StartRequest struct {
	Source          activation.Source
	AllowConversion bool
}

type runEntry struct {
	machine   *activation.Machine
	startedAt time.Time
	done      chan struct{}
}

// ActivationService owns the live runs. Each run gets its own Machine built
// from the shared Services; observers receive every run's events.
type ActivationService struct {
	svc      *activation.Services
	observer activation.Observer
	history  store.History
	logger   *slog.Logger
	retain   int

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.RWMutex
	runs     map[string]*runEntry
	closing  bool
	inflight sync.WaitGroup
}

// NewActivationService creates the service. observer and history may be nil.
func NewActivationService(svc *activation.Services, observer activation.Observer, history store.History, logger *slog.Logger) *ActivationService {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = activation.ObserverFuncs{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &ActivationService{
		svc:      svc,
		observer: observer,
		history:  history,
		logger:   infrastructure.WithComponent(logger, "activation_service"),
		retain:   defaultRetainedRuns,
		baseCtx:  ctx,
		stop:     stop,
		runs:     make(map[string]*runEntry),
	}
}

// Resolve normalizes src without starting a run.
func (s *ActivationService) Resolve(src activation.Source) (activation.PendingActivation, error) {
	return activation.Resolve(src)
}

// Start resolves req and launches a run in the background. The run outlives
// ctx; only its trace id is carried over.
func (s *ActivationService) Start(ctx context.Context, req StartRequest) (RunSnapshot, error) {
	pending, err := activation.Resolve(req.Source)
	if err != nil {
		return RunSnapshot{}, err
	}

	machine := activation.NewMachine(s.svc, pending,
		activation.WithObserver(s.observer),
		activation.WithConversion(req.AllowConversion))
	entry := &runEntry{machine: machine, startedAt: time.Now(), done: make(chan struct{})}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return RunSnapshot{}, ErrShuttingDown
	}
	if s.conflicting(pending) {
		s.mu.Unlock()
		return RunSnapshot{}, ErrRunInProgress
	}
	s.runs[machine.ID()] = entry
	s.inflight.Add(1)
	s.pruneLocked()
	s.mu.Unlock()

	runCtx := infrastructure.WithTraceID(s.baseCtx, infrastructure.GetTraceID(ctx))
	go s.run(runCtx, entry)

	s.logger.InfoContext(ctx, "run_started",
		slog.String("run_id", machine.ID()),
		slog.String("method", string(pending.Method)),
		slog.Int("keys", len(pending.Keys)))
	return snapshot(entry), nil
}

func (s *ActivationService) run(ctx context.Context, entry *runEntry) {
	defer s.inflight.Done()
	defer close(entry.done)

	final, err := entry.machine.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "run_failed_to_start", slog.String("run_id", entry.machine.ID()), slog.String("error", err.Error()))
		return
	}
	entry.machine.Wait()
	s.logger.InfoContext(ctx, "run_finished",
		slog.String("run_id", entry.machine.ID()),
		slog.String("state", string(final.Kind)))
}

// conflicting reports whether a live run already targets the same session or
// any of the same keys.
func (s *ActivationService) conflicting(p activation.PendingActivation) bool {
	keys := make(map[string]bool, len(p.Keys))
	for _, k := range p.Keys {
		keys[k] = true
	}
	for _, e := range s.runs {
		if e.machine.State().IsTerminal() {
			continue
		}
		other := e.machine.Pending()
		if p.SessionToken != "" && other.SessionToken == p.SessionToken {
			return true
		}
		for _, k := range other.Keys {
			if keys[k] {
				return true
			}
		}
	}
	return false
}

// pruneLocked drops the oldest finished runs beyond the retention limit.
func (s *ActivationService) pruneLocked() {
	var finished []*runEntry
	for _, e := range s.runs {
		if e.machine.State().IsTerminal() {
			finished = append(finished, e)
		}
	}
	if len(finished) <= s.retain {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].startedAt.Before(finished[j].startedAt) })
	for _, e := range finished[:len(finished)-s.retain] {
		delete(s.runs, e.machine.ID())
	}
}

// Get returns a snapshot of run id.
func (s *ActivationService) Get(id string) (RunSnapshot, error) {
	s.mu.RLock()
	entry, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return RunSnapshot{}, ErrRunNotFound
	}
	return snapshot(entry), nil
}

// Cancel requests cancellation of run id and returns its current snapshot.
// Cancelling a finished run is a no-op.
func (s *ActivationService) Cancel(ctx context.Context, id string) (RunSnapshot, error) {
	s.mu.RLock()
	entry, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return RunSnapshot{}, ErrRunNotFound
	}
	entry.machine.Cancel()
	s.logger.InfoContext(ctx, "run_cancel_requested", slog.String("run_id", id))
	return snapshot(entry), nil
}

// Wait blocks until run id has finished, ctx ends, or the run is unknown.
func (s *ActivationService) Wait(ctx context.Context, id string) (RunSnapshot, error) {
	s.mu.RLock()
	entry, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return RunSnapshot{}, ErrRunNotFound
	}
	select {
	case <-entry.done:
		return snapshot(entry), nil
	case <-ctx.Done():
		return snapshot(entry), ctx.Err()
	}
}

// List returns every retained run, newest first.
func (s *ActivationService) List() []RunSnapshot {
	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].startedAt.After(entries[j].startedAt) })
	out := make([]RunSnapshot, len(entries))
	for i, e := range entries {
		out[i] = snapshot(e)
	}
	return out
}

// History lists persisted records, newest first.
func (s *ActivationService) History(ctx context.Context, limit int) ([]activation.ActivationRecord, error) {
	if s.history == nil {
		return []activation.ActivationRecord{}, nil
	}
	return s.history.List(ctx, limit)
}

// Shutdown cancels every live run and waits for them to finish or ctx to end.
func (s *ActivationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshot(e *runEntry) RunSnapshot {
	m := e.machine
	snap := RunSnapshot{
		ID:        m.ID(),
		State:     m.State(),
		History:   m.History(),
		Pending:   m.Pending(),
		StartedAt: e.startedAt,
	}
	if p, ok := m.Progress(); ok {
		snap.Progress = &p
	}
	if r, ok := m.Record(); ok {
		snap.Record = &r
	}
	return snap
}
