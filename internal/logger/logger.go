// Package logger is the process-wide structured logger of fs_server.
//
// Standard output carries the protocol, so records go to standard error or
// to a file (the -e redirection). Text output is one line per record; JSON
// output uses log/slog's JSON handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// Level is a logging threshold, ordered from most to least verbose.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// slog levels per Level; trace sits below slog.LevelDebug.
var slogLevels = [...]slog.Level{slog.LevelDebug - 4, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func (l Level) String() string {
	if l < LevelTrace || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

func (l Level) toSlog() slog.Level {
	if l < LevelTrace || l > LevelError {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

// ParseLevel maps a level name, in any case, to its Level.
func ParseLevel(name string) (Level, bool) {
	name = strings.ToUpper(name)
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return LevelInfo, false
}

// Config selects level, format and destination.
type Config struct {
	Level  string // TRACE, DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

// sink is where records end up and how they are rendered.
type sink struct {
	w      io.Writer
	file   *os.File // owned, closed on replacement
	color  bool
	format string
}

var (
	mu      sync.RWMutex
	out     = sink{w: os.Stderr, color: isTerminal(os.Stderr), format: "text"}
	slogger *slog.Logger

	threshold atomic.Int32
	levelVar  slog.LevelVar
)

func init() {
	setThreshold(LevelInfo)
	rebuild()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// rebuild recreates the handler for the current sink. Level changes go
// through levelVar and need no rebuild.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: &levelVar, ReplaceAttr: nameTraceLevel}
	var h slog.Handler
	if out.format == "json" {
		h = slog.NewJSONHandler(out.w, opts)
	} else {
		h = NewColorTextHandler(out.w, opts, out.color)
	}
	slogger = slog.New(h)
}

// nameTraceLevel makes JSON records say "TRACE" instead of "DEBUG-4".
func nameTraceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l < slog.LevelDebug {
			a.Value = slog.StringValue(LevelTrace.String())
		}
	}
	return a
}

// swapSink installs s and returns the previous sink, leaving its file open.
func swapSink(s sink) sink {
	mu.Lock()
	prev := out
	out = s
	mu.Unlock()
	rebuild()
	return prev
}

func setThreshold(l Level) {
	threshold.Store(int32(l))
	levelVar.Set(l.toSlog())
}

// Init applies cfg. Empty fields keep their current value. Files are opened
// in append mode so that several server runs share one diagnostics file.
func Init(cfg Config) error {
	if cfg.Output != "" {
		next, err := openSink(cfg.Output)
		if err != nil {
			return err
		}
		mu.RLock()
		next.format = out.format
		mu.RUnlock()
		prev := swapSink(next)
		if prev.file != nil && prev.file != next.file {
			_ = prev.file.Close()
		}
	}
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	return nil
}

func openSink(target string) (sink, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return sink{w: os.Stdout, color: isTerminal(os.Stdout)}, nil
	case "stderr":
		return sink{w: os.Stderr, color: isTerminal(os.Stderr)}, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return sink{}, fmt.Errorf("failed to open log file %q: %w", target, err)
	}
	return sink{w: f, file: f}, nil
}

// Close releases the log file opened by Init, if any, and falls back to stderr.
func Close() {
	mu.RLock()
	cur := out
	mu.RUnlock()
	if cur.file == nil {
		return
	}
	swapSink(sink{w: os.Stderr, color: isTerminal(os.Stderr), format: cur.format})
	_ = cur.file.Close()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if l, ok := ParseLevel(name); ok {
		setThreshold(l)
	}
}

// LevelForVerbosity maps the numeric -v verbosity (0 none .. 4 finest) onto
// a level name accepted by SetLevel.
func LevelForVerbosity(v int) string {
	switch {
	case v <= 0:
		return "ERROR"
	case v == 1:
		return "INFO"
	case v == 2:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// SetFormat switches between "text" and "json". Anything else is ignored.
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	mu.Lock()
	out.format = format
	mu.Unlock()
	rebuild()
}

// IsEnabled reports whether records at l are emitted. Use it to skip
// building expensive arguments.
func IsEnabled(l Level) bool {
	return l >= Level(threshold.Load())
}

func emit(ctx context.Context, l Level, msg string, args []any) {
	if !IsEnabled(l) {
		return
	}
	args = appendContextFields(ctx, args)
	mu.RLock()
	lg := slogger
	mu.RUnlock()
	lg.Log(ctx, l.toSlog(), msg, args...)
}

// Trace logs single directory entries and queue transitions.
func Trace(msg string, args ...any) { emit(context.Background(), LevelTrace, msg, args) }

// Tracef is Trace with printf formatting, evaluated only when enabled.
func Tracef(format string, v ...any) {
	if IsEnabled(LevelTrace) {
		emit(context.Background(), LevelTrace, fmt.Sprintf(format, v...), nil)
	}
}

// Debug, Info, Warn and Error take alternating key/value pairs after msg.
func Debug(msg string, args ...any) { emit(context.Background(), LevelDebug, msg, args) }
func Info(msg string, args ...any)  { emit(context.Background(), LevelInfo, msg, args) }
func Warn(msg string, args ...any)  { emit(context.Background(), LevelWarn, msg, args) }
func Error(msg string, args ...any) { emit(context.Background(), LevelError, msg, args) }

// The Ctx variants prepend the request fields stored by WithContext.
func DebugCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelDebug, msg, args) }
func InfoCtx(ctx context.Context, msg string, args ...any)  { emit(ctx, LevelInfo, msg, args) }
func WarnCtx(ctx context.Context, msg string, args ...any)  { emit(ctx, LevelWarn, msg, args) }
func ErrorCtx(ctx context.Context, msg string, args ...any) { emit(ctx, LevelError, msg, args) }

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	fields := make([]any, 0, 12+len(args))
	if lc.TraceID != "" {
		fields = append(fields, KeyTraceID, lc.TraceID)
	}
	if lc.SpanID != "" {
		fields = append(fields, KeySpanID, lc.SpanID)
	}
	if lc.Kind != "" {
		fields = append(fields, KeyKind, lc.Kind)
	}
	if lc.RequestID != 0 {
		fields = append(fields, KeyRequestID, lc.RequestID)
	}
	if lc.Worker >= 0 {
		fields = append(fields, KeyWorker, lc.Worker)
	}
	if lc.Path != "" {
		fields = append(fields, KeyPath, lc.Path)
	}
	return append(fields, args...)
}
