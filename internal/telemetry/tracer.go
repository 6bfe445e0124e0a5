package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Exporter names accepted by NewTracer.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const instrumentationName = "github.com/rendis/cmdengine"

// Tracer turns command executions into OpenTelemetry spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer for serviceName. With ExporterNone spans are
// created but not exported. The stdout exporter writes to w, or to stdout
// when w is nil.
func NewTracer(exporter, serviceName string, w io.Writer) (*Tracer, error) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	switch exporter {
	case "", ExporterNone:
	case ExporterStdout:
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, schema.NewOpErrorf(schema.ErrCodeValidation, "unsupported trace exporter: %s", exporter)
	}

	return NewTracerWithProvider(sdktrace.NewTracerProvider(opts...)), nil
}

// NewTracerWithProvider wraps an existing provider.
func NewTracerWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
	}
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Observer returns an engine observer factory producing one span per
// command execution. Spans nest the way commands do.
func (t *Tracer) Observer() engine.ObserverFactory {
	return func(info engine.RunInfo) (command.Observer, func()) {
		rt := newRunTracer(t.tracer, info)
		return rt, rt.finish
	}
}

type runTracer struct {
	tracer  trace.Tracer
	info    engine.RunInfo
	parents map[command.Command]command.Command

	mu    sync.Mutex
	spans map[command.Command]spanEntry
}

// spanEntry is a command's open span. A command can move between terminal
// states before its run ends; the last one is applied when the span ends.
type spanEntry struct {
	ctx  context.Context
	span trace.Span

	state schema.State
	err   *schema.CommandError
	ended time.Time
}

func (e spanEntry) end() {
	if e.state.IsTerminal() {
		e.span.SetAttributes(attribute.String("cmdengine.state", e.state.String()))
	}
	switch e.state {
	case schema.StateFailed:
		msg := "unclassified fault"
		if e.err != nil {
			msg = e.err.Text
			e.span.SetAttributes(
				attribute.Int("cmdengine.error.code", e.err.Code),
				attribute.String("cmdengine.error.tier", e.err.Tier.String()),
			)
		}
		e.span.SetStatus(codes.Error, msg)
	case schema.StateCompleted:
		e.span.SetStatus(codes.Ok, "")
	}
	if e.ended.IsZero() {
		e.span.End()
		return
	}
	e.span.End(trace.WithTimestamp(e.ended))
}

func newRunTracer(tracer trace.Tracer, info engine.RunInfo) *runTracer {
	rt := &runTracer{
		tracer:  tracer,
		info:    info,
		parents: make(map[command.Command]command.Command),
		spans:   make(map[command.Command]spanEntry),
	}
	if info.Root != nil {
		command.Walk(info.Root, func(c command.Command, _ int) bool {
			for _, child := range c.Children() {
				rt.parents[child] = c
			}
			return true
		})
	}
	return rt
}

func (rt *runTracer) OnStateChange(c command.Command, ch schema.StateChange) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case ch.To == schema.StateExecuting:
		if prev, ok := rt.spans[c]; ok {
			if prev.ended.IsZero() {
				prev.ended = ch.Timestamp
			}
			prev.end()
		}
		parent := context.Background()
		if p, ok := rt.parents[c]; ok {
			if entry, ok := rt.spans[p]; ok {
				parent = entry.ctx
			}
		}
		ctx, span := rt.tracer.Start(parent, ch.Command,
			trace.WithTimestamp(ch.Timestamp),
			trace.WithAttributes(
				attribute.String("cmdengine.run_id", rt.info.ID),
				attribute.String("cmdengine.tree", rt.info.Tree),
				attribute.String("cmdengine.kind", ch.Kind),
			),
		)
		rt.spans[c] = spanEntry{ctx: ctx, span: span}

	case ch.To.IsTerminal():
		entry, ok := rt.spans[c]
		if !ok {
			return
		}
		entry.state, entry.err, entry.ended = ch.To, ch.Err, ch.Timestamp
		rt.spans[c] = entry
	}
}

func (rt *runTracer) OnProgress(c command.Command, p schema.ProgressUpdate) {
	rt.mu.Lock()
	entry, ok := rt.spans[c]
	rt.mu.Unlock()
	if ok {
		entry.span.AddEvent("progress", trace.WithAttributes(
			attribute.Int("cmdengine.percent", p.Percent),
			attribute.String("cmdengine.message", p.Message),
		))
	}
}

// finish ends every open span with the last state its command reached.
func (rt *runTracer) finish() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for c, entry := range rt.spans {
		entry.end()
		delete(rt.spans, c)
	}
}
