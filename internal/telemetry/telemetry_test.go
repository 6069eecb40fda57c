package telemetry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "fsserver", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	_, err := Init(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)

	require.NotNil(t, Tracer())
	_, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestFailRequest(t *testing.T) {
	_, span := StartRequestSpan(context.Background(), "LS", 1, "/missing")
	require.NotPanics(t, func() {
		FailRequest(span, 2, "No such file or directory")
	})
	span.End()
}

func TestSessionID(t *testing.T) {
	id := SessionID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, SessionID())
}

func TestSpanHelpersWithoutInit(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	require.NotPanics(t, func() {
		SetAttributes(ctx, Path("/tmp"))
	})

	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, SpanID(ctx))
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, AttrRequestKind, string(RequestKind("LS").Key))
	assert.Equal(t, "LS", RequestKind("LS").Value.AsString())
	assert.Equal(t, int64(42), RequestID(42).Value.AsInt64())
	assert.Equal(t, "/a", Path("/a").Value.AsString())
	assert.Equal(t, AttrPath2, string(Path2("/b").Key))
	assert.Equal(t, int64(3), Worker(3).Value.AsInt64())
	assert.Equal(t, int64(13), Errno(13).Value.AsInt64())
	assert.Equal(t, int64(7), Entries(7).Value.AsInt64())
	assert.Equal(t, int64(1<<20), Bytes(1<<20).Value.AsInt64())
	assert.Equal(t, "background", Trigger("background").Value.AsString())
	assert.Equal(t, int64(2), Changed(2).Value.AsInt64())
}

func TestStartRequestSpan(t *testing.T) {
	ctx, span := StartRequestSpan(context.Background(), "COPY", 5, "/src", Path2("/dst"))
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()

	ctx, span = StartRefreshSpan(context.Background(), "request", "/")
	require.NotNil(t, ctx)
	span.End()
}

func TestParseProfileType(t *testing.T) {
	for _, name := range []string{"cpu", "alloc_objects", "inuse_space", "goroutines", "mutex_count", "block_duration"} {
		_, err := parseProfileType(name)
		assert.NoError(t, err, name)
	}
	_, err := parseProfileType("heap")
	assert.Error(t, err)
}

func TestInitProfilingDisabled(t *testing.T) {
	shutdown, err := InitProfiling(ProfilingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown())
	assert.False(t, IsProfilingEnabled())
}

func TestInitProfilingRejectsUnknownType(t *testing.T) {
	_, err := InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"bogus"}})
	assert.Error(t, err)
}
