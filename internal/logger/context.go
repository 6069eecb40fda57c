package logger

import (
	"context"
	"time"
)

type ctxKey struct{}

// LogContext carries the fields of the request being handled. One is
// created per decoded request line and travels down in the
// context.Context given to the handler.
type LogContext struct {
	TraceID   string
	SpanID    string
	Kind      string // LS, STAT, COPY, ...
	RequestID int
	Path      string
	Worker    int // -1 when run inline by the reader
	StartTime time.Time
}

func NewLogContext(kind string, requestID int, path string) *LogContext {
	return &LogContext{Kind: kind, RequestID: requestID, Path: path, Worker: -1, StartTime: time.Now()}
}

func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(ctxKey{}).(*LogContext)
	return lc
}

func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

func (lc *LogContext) with(set func(*LogContext)) *LogContext {
	c := lc.Clone()
	if c != nil {
		set(c)
	}
	return c
}

func (lc *LogContext) WithWorker(worker int) *LogContext {
	return lc.with(func(c *LogContext) { c.Worker = worker })
}

func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	return lc.with(func(c *LogContext) { c.TraceID, c.SpanID = traceID, spanID })
}

// DurationMs is the time since StartTime in fractional milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime)) / float64(time.Millisecond)
}
