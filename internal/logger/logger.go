// Package logger builds the slog loggers used across gmailer.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// ContextExtractor pulls one attribute out of a request context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

// New returns a logger writing to w. format is "json" or "text"; level is
// one of debug, info, warn, error.
func New(w io.Writer, level, format string, extractors ...ContextExtractor) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(newDecorator(h, extractors...))
}

// NewNope returns a logger that discards everything.
func NewNope() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type decorator struct {
	next       slog.Handler
	extractors []ContextExtractor
}

func newDecorator(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	clean := make([]ContextExtractor, 0, len(extractors))
	for _, ex := range extractors {
		if ex != nil {
			clean = append(clean, ex)
		}
	}
	if len(clean) == 0 {
		return next
	}
	return &decorator{next: next, extractors: clean}
}

func (h *decorator) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *decorator) Handle(ctx context.Context, rec slog.Record) error {
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			rec.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *decorator) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &decorator{next: h.next.WithAttrs(attrs), extractors: h.extractors}
}

func (h *decorator) WithGroup(name string) slog.Handler {
	return &decorator{next: h.next.WithGroup(name), extractors: h.extractors}
}
