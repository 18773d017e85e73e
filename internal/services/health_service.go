package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"redeemcli/internal/activation"
	"redeemcli/internal/credentials"
)

// ClientCounter reports connected push clients.
type ClientCounter interface {
	ClientCount() int
}

// HealthService reports liveness and readiness of the activation service.
type HealthService struct {
	version      string
	reachability activation.Reachability
	cache        *credentials.Cache
	hub          ClientCounter
	runs         *ActivationService
	startTime    time.Time
	logger       *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NewHealthService creates a health service. Any dependency may be nil.
func NewHealthService(version string, reachability activation.Reachability, cache *credentials.Cache, hub ClientCounter, runs *ActivationService, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:      version,
		reachability: reachability,
		cache:        cache,
		hub:          hub,
		runs:         runs,
		startTime:    time.Now(),
		logger:       logger,
	}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck reports "ready" unless the storefront is unreachable.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services: map[string]ServiceHealth{
			"storefront":  hs.checkStorefront(),
			"credentials": hs.checkCredentials(),
			"activations": hs.checkActivations(),
			"websocket":   hs.checkWebSocket(),
		},
	}
	for name, sh := range status.Services {
		if sh.Status != "ready" {
			status.Status = "not_ready"
			hs.logger.WarnContext(ctx, "readiness_degraded", slog.String("service", name), slog.String("message", sh.Message))
		}
	}
	return status
}

func (hs *HealthService) checkStorefront() ServiceHealth {
	if hs.reachability == nil || hs.reachability.Reachable() {
		return ServiceHealth{Status: "ready"}
	}
	return ServiceHealth{Status: "unavailable", Message: "storefront is unreachable"}
}

func (hs *HealthService) checkCredentials() ServiceHealth {
	if hs.cache == nil {
		return ServiceHealth{Status: "ready"}
	}
	st := hs.cache.Stats()
	return ServiceHealth{Status: "ready", Details: map[string]any{
		"entries":   st.Entries,
		"hits":      st.Hits,
		"misses":    st.Misses,
		"refreshes": st.Refreshes,
	}}
}

func (hs *HealthService) checkActivations() ServiceHealth {
	if hs.runs == nil {
		return ServiceHealth{Status: "ready"}
	}
	live := 0
	runs := hs.runs.List()
	for _, r := range runs {
		if !r.State.IsTerminal() {
			live++
		}
	}
	return ServiceHealth{Status: "ready", Details: map[string]any{"live": live, "retained": len(runs)}}
}

func (hs *HealthService) checkWebSocket() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{Status: "ready"}
	}
	return ServiceHealth{Status: "ready", Details: map[string]any{"clients": hs.hub.ClientCount()}}
}
