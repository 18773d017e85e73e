// Package credentials caches short-lived storefront credentials by scope.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Scope names an independent credential slot.
type Scope string

const (
	// ScopeProxyAuth holds the proxy service access token used for account lookups.
	ScopeProxyAuth Scope = "proxy_auth"
	// ScopeBearer holds the storefront bearer token captured from the sign-in surface.
	ScopeBearer Scope = "bearer"
)

// ErrEmptyCredential is returned when a refresher yields no value.
var ErrEmptyCredential = errors.New("refresher returned an empty credential")

// Credential is a cached value with an absolute expiry.
type Credential struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the credential may be reused at now.
func (c Credential) ValidAt(now time.Time) bool {
	return c.Value != "" && now.Before(c.ExpiresAt)
}

// Refresher acquires a fresh credential for a scope.
type Refresher interface {
	Refresh(ctx context.Context) (Credential, error)
}

// RefreshFunc adapts a function to the Refresher interface.
type RefreshFunc func(ctx context.Context) (Credential, error)

// Refresh calls f(ctx).
func (f RefreshFunc) Refresh(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Refreshes int64 `json:"refreshes"`
	Evictions int64 `json:"evictions"`
}

// DefaultRefreshTimeout bounds a shared refresh once it no longer belongs to
// any single caller.
const DefaultRefreshTimeout = 5 * time.Minute

// Cache is a concurrency-safe credential store with lazy expiry. There is no
// background eviction; expired entries are dropped on lookup.
type Cache struct {
	mu             sync.Mutex
	entries        map[Scope]Credential
	flights        map[Scope]*flight
	now            func() time.Time
	refreshTimeout time.Duration

	hits      int64
	misses    int64
	refreshed int64
	evictions int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefreshTimeout caps how long one shared refresh may run.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) { c.refreshTimeout = d }
}

// flight is one in-progress refresh for a scope. It is cancelled only when
// every caller waiting on it has gone.
type flight struct {
	done    chan struct{}
	cred    Credential
	err     error
	waiters int
	cancel  context.CancelFunc
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[Scope]Credential),
		flights:        make(map[Scope]*flight),
		now:            time.Now,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the credential for scope if it has not expired.
func (c *Cache) Get(scope Scope) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(scope)
}

func (c *Cache) lookupLocked(scope Scope) (Credential, bool) {
	entry, ok := c.entries[scope]
	if !ok {
		c.misses++
		return Credential{}, false
	}
	if !entry.ValidAt(c.now()) {
		delete(c.entries, scope)
		c.evictions++
		c.misses++
		return Credential{}, false
	}
	c.hits++
	return entry, true
}

// Put stores or overwrites the credential for scope.
func (c *Cache) Put(scope Scope, value string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[scope] = Credential{Value: value, ExpiresAt: expiresAt}
}

// Invalidate removes the credential for scope.
func (c *Cache) Invalidate(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope)
}

// GetOrRefresh returns a valid cached credential or acquires one through r.
// Concurrent callers for the same scope share a single refresh. The refresh
// runs detached from any caller's cancellation: a caller that gives up only
// stops waiting, and the refresh is cancelled once nobody waits on it. When a
// shared refresh ends with a context error while ctx is still live, the
// caller starts or joins one more refresh before reporting the error.
func (c *Cache) GetOrRefresh(ctx context.Context, scope Scope, r Refresher) (Credential, error) {
	retried := false
	for {
		f, cred, ok := c.join(ctx, scope, r)
		if ok {
			return cred, nil
		}

		select {
		case <-f.done:
			c.leave(scope, f)
			if f.err != nil && isContextErr(f.err) && ctx.Err() == nil && !retried {
				retried = true
				continue
			}
			return f.cred, f.err
		case <-ctx.Done():
			c.leave(scope, f)
			return Credential{}, ctx.Err()
		}
	}
}

// join returns a cached credential, or registers the caller on the scope's
// refresh, starting one if none is running.
func (c *Cache) join(ctx context.Context, scope Scope, r Refresher) (*flight, Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cred, ok := c.lookupLocked(scope); ok {
		return nil, cred, true
	}

	f, ok := c.flights[scope]
	if !ok {
		base := context.WithoutCancel(ctx)
		var rctx context.Context
		var cancel context.CancelFunc
		if c.refreshTimeout > 0 {
			rctx, cancel = context.WithTimeout(base, c.refreshTimeout)
		} else {
			rctx, cancel = context.WithCancel(base)
		}
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[scope] = f
		go c.refresh(rctx, scope, f, r)
	}
	f.waiters++
	return f, Credential{}, false
}

func (c *Cache) refresh(ctx context.Context, scope Scope, f *flight, r Refresher) {
	defer f.cancel()

	cred, err := r.Refresh(ctx)
	if err == nil && cred.Value == "" {
		err = fmt.Errorf("refresh %s: %w", scope, ErrEmptyCredential)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.entries[scope] = cred
		c.refreshed++
		f.cred = cred
	} else {
		f.err = err
	}
	if c.flights[scope] == f {
		delete(c.flights, scope)
	}
	close(f.done)
}

// leave drops a waiter. The last waiter to leave an unfinished refresh
// cancels it.
func (c *Cache) leave(scope Scope, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	select {
	case <-f.done:
	default:
		if c.flights[scope] == f {
			delete(c.flights, scope)
		}
		f.cancel()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Refreshes: c.refreshed,
		Evictions: c.evictions,
	}
}
