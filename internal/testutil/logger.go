// Package testutil holds small shared test helpers.
package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a logger that discards everything. Components take a
// *slog.Logger by injection, so tests that do not assert on log output use
// this one.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
