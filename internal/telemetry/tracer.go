package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for request and refresh spans.
const (
	// ========================================================================
	// Request attributes
	// ========================================================================
	AttrRequestKind = "fsserver.request.kind"
	AttrRequestID   = "fsserver.request.id"
	AttrPath        = "fs.path"
	AttrPath2       = "fs.path2"
	AttrWorker      = "fsserver.worker"
	AttrErrno       = "fs.errno"
	AttrEntries     = "fs.entries"
	AttrBytes       = "fs.bytes"

	// ========================================================================
	// Refresh attributes
	// ========================================================================
	AttrTrigger = "fsserver.refresh.trigger"
	AttrChanged = "fsserver.refresh.changed"

	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSessionID = "fsserver.session.id"
)

// Span names.
const (
	SpanRequest = "fsserver.request"
	SpanRefresh = "fsserver.refresh"
	SpanCopy    = "fs.copy"
	SpanList    = "fs.list"
)

func RequestKind(name string) attribute.KeyValue {
	return attribute.String(AttrRequestKind, name)
}

func RequestID(id int) attribute.KeyValue {
	return attribute.Int(AttrRequestID, id)
}

func Path(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

func Path2(path string) attribute.KeyValue {
	return attribute.String(AttrPath2, path)
}

func Worker(n int) attribute.KeyValue {
	return attribute.Int(AttrWorker, n)
}

func Errno(errno int) attribute.KeyValue {
	return attribute.Int(AttrErrno, errno)
}

func Entries(n int) attribute.KeyValue {
	return attribute.Int(AttrEntries, n)
}

func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

func Trigger(name string) attribute.KeyValue {
	return attribute.String(AttrTrigger, name)
}

func Changed(n int) attribute.KeyValue {
	return attribute.Int(AttrChanged, n)
}

// StartRequestSpan starts the root span of one protocol request.
func StartRequestSpan(ctx context.Context, kind string, id int, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{
		RequestKind(kind),
		RequestID(id),
		Path(path),
		attribute.String(AttrSessionID, sessionID),
	}, attrs...)
	return StartSpan(ctx, SpanRequest+"."+kind, trace.WithAttributes(allAttrs...))
}

// StartRefreshSpan starts a span around one refresh pass.
func StartRefreshSpan(ctx context.Context, trigger, root string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRefresh,
		trace.WithAttributes(Trigger(trigger), Path(root), attribute.String(AttrSessionID, sessionID)))
}

// FailRequest marks a request span as failed. errno 0 means a failure
// without an OS error code, reported to the client as a bare message.
func FailRequest(span trace.Span, errno int, msg string) {
	span.SetAttributes(Errno(errno))
	span.SetStatus(codes.Error, msg)
}
