// Package tracing wraps go.opentelemetry.io/otel into the narrow span
// open/close contract the lazy connector needs (spec §6): trace_span,
// trace_span_end, and a handful of well-known attributes recorded at
// specific stages.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer name registered with the global OTel provider. cmd/router/main.go
// installs no TracerProvider of its own, so the no-op provider OTel
// installs by default makes every call here a cheap
// no-op, matching how the teacher's metrics vectors are always registered
// but only ever scraped when Prometheus is actually configured.
const tracerName = "github.com/tidesql/lazyrouter/connector"

// Well-known span attribute keys (spec §6).
const (
	AttrNeedsFullHandshake         = "mysql.remote.needs_full_handshake"
	AttrUsernameDiffers            = "mysql.remote.username_differs"
	AttrConnectionAttributesDiffer = "mysql.remote.connection_attributes_differ"
	AttrConnectorRunID             = "connector.run_id"
)

// SessionAttr builds the "mysql.session.@@SESSION.<name>" attribute key for
// a session variable.
func SessionAttr(name string) string {
	return "mysql.session.@@SESSION." + name
}

// Span wraps an OTel span handle.
type Span struct {
	span trace.Span
	ctx  context.Context
}

// StartSpan opens a new span named name as a child of parent (parent may be
// the zero Span, in which case a new root is started).
func StartSpan(parent Span, name string) Span {
	ctx := parent.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, name)
	return Span{span: span, ctx: ctx}
}

// SetAttr records a string attribute on the span. No-op on the zero Span.
func (s Span) SetAttr(key, value string) {
	if s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}

// SetBoolAttr records a boolean attribute on the span.
func (s Span) SetBoolAttr(key string, value bool) {
	if s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Bool(key, value))
}

// End closes the span, recording err as its status if non-nil.
func (s Span) End(err error) {
	if s.span == nil {
		return
	}
	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

// Valid reports whether this is a real (non-zero) span.
func (s Span) Valid() bool {
	return s.span != nil
}
