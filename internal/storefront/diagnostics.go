package storefront

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"redeemcli/internal/activation"
)

// maxClockSkew is how far the local clock may drift from the storefront's
// before token expiry checks become unreliable.
const maxClockSkew = 5 * time.Minute

// Diagnostics runs the pre-flight checks: network reachability and clock skew
// against the purchase host's Date header.
type Diagnostics struct {
	client       *Client
	reachability activation.Reachability
}

// NewDiagnostics creates diagnostics for client.
func NewDiagnostics(client *Client, reachability activation.Reachability) *Diagnostics {
	return &Diagnostics{client: client, reachability: reachability}
}

// Run executes every check. A failing check marks the report blocking; the
// error return is reserved for failures of the checks themselves.
func (d *Diagnostics) Run(ctx context.Context) (activation.DiagnosticsReport, error) {
	report := activation.DiagnosticsReport{Checks: map[string]string{}}

	if d.reachability != nil && !d.reachability.Reachable() {
		report.Checks["reachability"] = "failed"
		report.Blocking = true
		report.Cause = "storefront is unreachable"
		return report, nil
	}
	report.Checks["reachability"] = "ok"

	skew, err := d.clockSkew(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checks["clock"] = "skipped"
	case skew > maxClockSkew || skew < -maxClockSkew:
		report.Checks["clock"] = "failed"
		report.Blocking = true
		report.Cause = fmt.Sprintf("system clock is off by %s", skew.Round(time.Second))
	default:
		report.Checks["clock"] = "ok"
	}
	return report, nil
}

func (d *Diagnostics) clockSkew(ctx context.Context) (time.Duration, error) {
	if d.client.cfg.PurchaseURL == "" {
		return 0, fmt.Errorf("no purchase url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.client.cfg.PurchaseURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	remote, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return 0, fmt.Errorf("missing date header: %w", err)
	}
	return d.client.now().Sub(remote), nil
}
