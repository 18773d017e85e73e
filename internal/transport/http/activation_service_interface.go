package http

import (
	"context"

	"redeemcli/internal/activation"
	"redeemcli/internal/services"
)

// ActivationService is what the activation endpoints need from the service layer.
type ActivationService interface {
	Resolve(src activation.Source) (activation.PendingActivation, error)
	Start(ctx context.Context, req services.StartRequest) (services.RunSnapshot, error)
	Get(id string) (services.RunSnapshot, error)
	Wait(ctx context.Context, id string) (services.RunSnapshot, error)
	Cancel(ctx context.Context, id string) (services.RunSnapshot, error)
	List() []services.RunSnapshot
	History(ctx context.Context, limit int) ([]activation.ActivationRecord, error)
}

// HealthChecker reports liveness and readiness.
type HealthChecker interface {
	LivenessCheck(ctx context.Context) services.HealthStatus
	ReadinessCheck(ctx context.Context) services.HealthStatus
}
