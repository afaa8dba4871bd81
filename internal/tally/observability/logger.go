// Package observability holds the logging, tracing, metrics and health
// plumbing shared by the tally binaries.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"

	// ServiceName is attached to every log record and names the tracer.
	ServiceName = "tally"
)

// TracingHandler is an [slog.Handler] that injects OpenTelemetry trace
// context (trace_id, span_id) into every log record. The trace attributes
// stay at the top level of the record even under WithGroup.
type TracingHandler struct {
	root  slog.Handler
	inner slog.Handler
	ops   []func(slog.Handler) slog.Handler
}

// NewTracingHandler wraps inner. The service attribute is pre-attached so it
// stays at the top level even when groups are used.
func NewTracingHandler(inner slog.Handler, service string) *TracingHandler {
	root := inner.WithAttrs([]slog.Attr{slog.String(attrService, service)})

	return &TracingHandler{root: root, inner: root}
}

// Enabled delegates to the inner handler.
func (th *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return th.inner.Enabled(ctx, level)
}

// Handle adds trace context attributes from the span context, then delegates.
func (th *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	h := th.inner

	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		// Attach before replaying groups so the IDs are not nested.
		h = th.root.WithAttrs([]slog.Attr{
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		})
		for _, op := range th.ops {
			h = op(h)
		}
	}

	if err := h.Handle(ctx, record); err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}

	return nil
}

func (th *TracingHandler) with(op func(slog.Handler) slog.Handler) *TracingHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(th.ops), len(th.ops)+1)
	copy(ops, th.ops)

	return &TracingHandler{root: th.root, inner: op(th.inner), ops: append(ops, op)}
}

// WithAttrs returns a new TracingHandler with additional attributes on the inner handler.
func (th *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return th.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

// WithGroup returns a new TracingHandler with a group prefix on the inner handler.
func (th *TracingHandler) WithGroup(name string) slog.Handler {
	return th.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w. format is "json" or
// "text".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var inner slog.Handler
	switch format {
	case "", "json":
		inner = slog.NewJSONHandler(w, opts)
	case "text":
		inner = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(NewTracingHandler(inner, ServiceName)), nil
}
