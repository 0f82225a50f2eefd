package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// archHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<nodeID>\t<message>\t<key=value ...>
type archHandler struct {
	w      io.Writer
	nodeID string
	attrs  []slog.Attr
}

func (h *archHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *archHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.nodeID, r.Message)
	if err != nil {
		return err
	}

	// Write pre-set attrs.
	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
	}

	// Write per-record attrs.
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func (h *archHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &archHandler{
		w:      h.w,
		nodeID: h.nodeID,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *archHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to both
// logDir/archipel.log and stderr. It returns the slog.Logger, the open log
// file (for cleanup), and any error.
func newLogger(logDir string, nodeID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "archipel.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	w := io.MultiWriter(f, os.Stderr)
	handler := &archHandler{w: w, nodeID: nodeID}
	return slog.New(handler), f, nil
}
