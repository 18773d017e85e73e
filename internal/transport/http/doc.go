// Package http implements the HTTP handlers of the activation service.
// Handlers stay thin: decode and validate with middleware.Validator, call the
// service layer, render the result with go-chi/render. Failures of any kind
// go through errors.ErrorHandler and come back as RFC 7807 problem details:
//
//	{
//	    "type": "/errors/activation/alreadyRedeemed",
//	    "title": "Conflict",
//	    "status": 409,
//	    "detail": "the key has already been redeemed",
//	    "instance": "/api/activations",
//	    "kind": "alreadyRedeemed",
//	    "trace_id": "..."
//	}
//
// Endpoints:
//
//	POST /api/activations               resolve and start a run (202)
//	POST /api/activations/resolve       resolve only
//	GET  /api/activations               live and retained runs
//	GET  /api/activations/{id}          run snapshot, ?wait=30s long-polls
//	POST /api/activations/{id}/cancel   request cancellation
//	GET  /api/activations/history       persisted records, ?limit=
//	GET  /api/activations/history.xlsx  the same as a spreadsheet
package http
