// Package app wires configuration, telemetry, the storefront adapters, the
// record stores and the activation service into one HTTP application, and
// owns its lifecycle.
//
// Startup order:
//
//	1. OpenTelemetry providers
//	2. retry executor, credential cache and activation metrics
//	3. storefront client, proxy authenticator, reachability probe, token capture
//	4. record store (Redis or JSON lines, plus the optional Sheets ledger)
//	5. websocket hub, activation service, health service
//	6. router and server
//
// Stop reverses it: the server stops accepting requests, live runs are
// cancelled and awaited, the hub disconnects clients, then stores and
// telemetry are closed. Errors are returned; the package never exits the
// process itself.
package app
