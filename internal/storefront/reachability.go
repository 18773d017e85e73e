package storefront

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Reachability probes a TCP address and caches the answer for a short time.
type Reachability struct {
	address string
	ttl     time.Duration
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	checked   time.Time
	reachable bool
}

// NewReachability probes address ("host:port"). An empty address always
// reports reachable.
func NewReachability(address string, logger *slog.Logger) *Reachability {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{}
	return &Reachability{
		address: address,
		ttl:     15 * time.Second,
		timeout: 3 * time.Second,
		dial:    d.DialContext,
		now:     time.Now,
		logger:  logger,
	}
}

// Reachable reports whether the probe address accepted a connection recently.
func (r *Reachability) Reachable() bool {
	if r.address == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checked.IsZero() && r.now().Sub(r.checked) < r.ttl {
		return r.reachable
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	conn, err := r.dial(ctx, "tcp", r.address)
	if err == nil {
		_ = conn.Close()
	}

	reachable := err == nil
	if reachable != r.reachable || r.checked.IsZero() {
		r.logger.Info("reachability_changed",
			slog.String("address", r.address),
			slog.Bool("reachable", reachable))
	}
	r.reachable = reachable
	r.checked = r.now()
	return reachable
}
