// Package klog is the kernel's ambient logging package: a thin wrapper
// around log/slog, formatted the way a line printed from kernel context
// ought to read — compact, one line per record, CPU-tagged.
package klog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DefaultLogger is the process-wide logger. Kernel code calls the package
// functions below rather than holding their own *slog.Logger, mirroring the
// way biscuit calls fmt.Printf directly from anywhere in the tree.
var DefaultLogger = New(os.Stderr)

// New builds a logger writing formatted records to out.
func New(out io.Writer) *slog.Logger {
	return slog.New(newHandler(out))
}

// SetOutput redirects the default logger, used by tests that want to
// capture kernel diagnostics instead of spraying them at stderr.
func SetOutput(out io.Writer) {
	DefaultLogger = New(out)
}

// handler renders records as "LEVEL msg key=val key=val", the logger's own
// attributes (such as CPU's cpu=N) first, then the record's.
type handler struct {
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

func newHandler(out io.Writer) *handler {
	return &handler{mu: &sync.Mutex{}, out: out}
}

func (h *handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *handler) Handle(_ context.Context, rec slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, "%-5s %s", rec.Level.String(), rec.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value.Any())
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	fmt.Fprintln(h.out)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{mu: h.mu, out: h.out, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}
func (h *handler) WithGroup(string) slog.Handler { return h }

// CPU tags a logger with the CPU id handling the current trap, the one
// piece of context every kernel log line in this codebase wants.
func CPU(id int) *slog.Logger {
	return DefaultLogger.With("cpu", id)
}

// Panicf formats a message, logs it at error level, and panics. Every
// kernel-fatal condition in spec.md 7 (bad free, double-free, kernel-mode
// page fault, destroying a running env on another CPU unexpectedly) goes
// through here so the panic message and the log line never disagree.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	DefaultLogger.Error(msg)
	panic(msg)
}
