// Package shared holds helpers used by more than one redeemd package
// that do not belong to any domain layer.
//
// The testutil subpackage provides a capturing slog handler and
// activation record fixtures for package tests. Nothing here is
// imported by production code.
package shared
