// Package observability provides metrics, tracing and audit event
// publication for identity resolution.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the name of the tracer for resolution operations.
const TracerName = "canonid"

// Span attribute keys
const (
	AttrRunID      = "run_id"
	AttrScopeID    = "scope_id"
	AttrKind       = "entity_kind"
	AttrSourceID   = "source_id"
	AttrSeason     = "season"
	AttrIdentityID = "identity_id"
	AttrAction     = "action"
	AttrConfidence = "confidence"
	AttrErrorCode  = "error_code"
)

// Span names
const (
	SpanResolveRun   = "canonid.resolve"
	SpanResolveGroup = "canonid.resolve.group"
	SpanMerge        = "canonid.merge"
	SpanSplit        = "canonid.split"
	SpanReview       = "canonid.review"
	SpanRollback     = "canonid.rollback"
)

// Tracer starts spans for resolution operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by the global OpenTelemetry provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartRunSpan starts the root span of a resolution run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, scopeID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanResolveRun,
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrScopeID, scopeID),
		),
	)
}

// StartGroupSpan starts a span for one record group.
func (t *Tracer) StartGroupSpan(ctx context.Context, season, size int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanResolveGroup,
		trace.WithAttributes(
			attribute.Int(AttrSeason, season),
			attribute.Int("group_size", size),
		),
	)
}

// StartMutationSpan starts a span for a merge, split, review or rollback.
func (t *Tracer) StartMutationSpan(ctx context.Context, name string, identityIDs ...int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.Int64Slice(AttrIdentityID, identityIDs)),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error, code string) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorCode, code))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
