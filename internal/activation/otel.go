package activation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"redeemcli/internal/credentials"
)

// Metrics holds the activation instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter          metric.Meter
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
	keyRedemptions metric.Int64Counter
	retries        metric.Int64Counter
}

// NewMetrics creates the activation instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.runsStarted, err = meter.Int64Counter("activation_runs_started_total",
		metric.WithDescription("Activation runs started"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runs started counter: %w", err)
	}

	m.runsFinished, err = meter.Int64Counter("activation_runs_finished_total",
		metric.WithDescription("Activation runs finished, by terminal state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runs finished counter: %w", err)
	}

	m.runDuration, err = meter.Float64Histogram("activation_run_duration_seconds",
		metric.WithDescription("Activation run duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	m.keyRedemptions, err = meter.Int64Counter("activation_key_redemptions_total",
		metric.WithDescription("Key redemption attempts, by result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create key redemptions counter: %w", err)
	}

	m.retries, err = meter.Int64Counter("activation_retries_total",
		metric.WithDescription("Storefront calls retried after a transient failure"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	return m, nil
}

// ObserveCredentialCache exports cache counters as observable gauges.
func (m *Metrics) ObserveCredentialCache(cache *credentials.Cache) error {
	if m == nil || cache == nil {
		return nil
	}
	entries, err := m.meter.Int64ObservableGauge("credential_cache_entries",
		metric.WithDescription("Live credential cache entries"))
	if err != nil {
		return fmt.Errorf("failed to create cache entries gauge: %w", err)
	}
	hits, err := m.meter.Int64ObservableCounter("credential_cache_hits_total",
		metric.WithDescription("Credential cache hits"))
	if err != nil {
		return fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	misses, err := m.meter.Int64ObservableCounter("credential_cache_misses_total",
		metric.WithDescription("Credential cache misses"))
	if err != nil {
		return fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := cache.Stats()
		o.ObserveInt64(entries, int64(stats.Entries))
		o.ObserveInt64(hits, stats.Hits)
		o.ObserveInt64(misses, stats.Misses)
		return nil
	}, entries, hits, misses)
	return err
}

func (m *Metrics) runStarted(ctx context.Context, method Method) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
}

func (m *Metrics) runFinished(ctx context.Context, kind StateKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", string(kind)))
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) keyRedeemed(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.keyRedemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RetryHook returns a retry.Executor hook that counts retries.
func (m *Metrics) RetryHook() func(ctx context.Context, attempt int, delay time.Duration, err error) {
	return func(ctx context.Context, _ int, _ time.Duration, _ error) {
		if m == nil {
			return
		}
		m.retries.Add(ctx, 1)
	}
}
