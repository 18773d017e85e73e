// Package services holds the application layer between the HTTP transport
// and the activation engine: the registry of live runs and the health report.
package services
