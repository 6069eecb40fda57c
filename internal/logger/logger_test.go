package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.RLock()
	format := out.format
	mu.RUnlock()
	prev := swapSink(sink{w: buf, format: format})
	prevLevel := Level(threshold.Load())

	t.Cleanup(func() {
		swapSink(prev)
		setThreshold(prevLevel)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"TRACE", []string{"trace msg", "debug msg", "info msg", "error msg"}, nil},
		{"DEBUG", []string{"debug msg", "info msg", "error msg"}, []string{"trace msg"}},
		{"INFO", []string{"info msg", "warn msg", "error msg"}, []string{"trace msg", "debug msg"}},
		{"ERROR", []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := captureOutput(t)
			SetLevel(tt.level)

			Trace("trace msg")
			Debug("debug msg")
			Info("info msg")
			Warn("warn msg")
			Error("error msg")

			out := buf.String()
			for _, s := range tt.visible {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.hidden {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	_ = captureOutput(t)
	SetLevel("WARN")
	SetLevel("LOUD")
	assert.Equal(t, LevelWarn, Level(threshold.Load()))

	SetLevel("debug")
	assert.Equal(t, LevelDebug, Level(threshold.Load()))
}

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, "ERROR", LevelForVerbosity(0))
	assert.Equal(t, "ERROR", LevelForVerbosity(-3))
	assert.Equal(t, "INFO", LevelForVerbosity(1))
	assert.Equal(t, "DEBUG", LevelForVerbosity(2))
	assert.Equal(t, "TRACE", LevelForVerbosity(3))
	assert.Equal(t, "TRACE", LevelForVerbosity(4))
}

func TestIsEnabled(t *testing.T) {
	_ = captureOutput(t)
	SetLevel("INFO")
	assert.False(t, IsEnabled(LevelTrace))
	assert.False(t, IsEnabled(LevelDebug))
	assert.True(t, IsEnabled(LevelInfo))
	assert.True(t, IsEnabled(LevelError))
}

func TestTextFormatting(t *testing.T) {
	buf := captureOutput(t)
	SetFormat("text")
	SetLevel("TRACE")

	Info("listing sent", KeyPath, "/home/user", KeyEntries, 3)
	Tracef("entry %s", "a.txt")

	out := buf.String()
	assert.Contains(t, out, "INFO  listing sent path=/home/user entries=3")
	assert.Contains(t, out, "TRACE entry a.txt")

	t.Run("QuotedPath", func(t *testing.T) {
		buf.Reset()
		Info("created", KeyPath, "/tmp/two words\nline")
		assert.Contains(t, buf.String(), `path="/tmp/two words\nline"`)
		assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	})

	t.Run("Groups", func(t *testing.T) {
		buf.Reset()
		Info("queue", slog.Group("pool", slog.Int("busy", 2), slog.Int("idle", 1)))
		assert.Contains(t, buf.String(), "pool.busy=2 pool.idle=1")
	})
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t)
	SetFormat("json")
	SetLevel("INFO")

	Warn("cache unreadable", KeyIndex, 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "cache unreadable", rec["msg"])
	assert.EqualValues(t, 7, rec["index"])

	buf.Reset()
	SetLevel("TRACE")
	Trace("entry")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "TRACE", rec["level"])
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", LevelTrace.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestContextLogging(t *testing.T) {
	buf := captureOutput(t)
	SetFormat("text")
	SetLevel("DEBUG")

	lc := NewLogContext("LS", 12, "/tmp/dir").WithWorker(2).WithTrace("abc", "def")
	ctx := WithContext(context.Background(), lc)

	DebugCtx(ctx, "handled")
	out := buf.String()
	assert.Contains(t, out, "trace_id=abc")
	assert.Contains(t, out, "span_id=def")
	assert.Contains(t, out, "kind=LS")
	assert.Contains(t, out, "request_id=12")
	assert.Contains(t, out, "worker=2")
	assert.Contains(t, out, "path=/tmp/dir")

	t.Run("NoContext", func(t *testing.T) {
		buf.Reset()
		InfoCtx(context.Background(), "plain")
		assert.NotContains(t, buf.String(), "kind=")
	})

	t.Run("InlineWorkerOmitted", func(t *testing.T) {
		buf.Reset()
		ctx := WithContext(context.Background(), NewLogContext("STAT", 1, "/"))
		WarnCtx(ctx, "inline")
		assert.NotContains(t, buf.String(), "worker=")
	})
}

func TestLogContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	var nilCtx *LogContext
	assert.Nil(t, nilCtx.Clone())
	assert.Zero(t, nilCtx.DurationMs())

	lc := NewLogContext("COPY", 5, "/a")
	clone := lc.WithWorker(3)
	assert.Equal(t, -1, lc.Worker)
	assert.Equal(t, 3, clone.Worker)
	assert.GreaterOrEqual(t, lc.DurationMs(), 0.0)
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, KeyPath, Path("/x").Key)
	assert.Equal(t, KeyPath2, Path2("/y").Key)
	assert.Equal(t, int64(4), Index(4).Value.Int64())
	assert.Equal(t, int64(syscall.ENOENT), Errno(syscall.ENOENT).Value.Int64())
	assert.Equal(t, "", Err(nil).Key)
	assert.Equal(t, "boom", Err(assertError("boom")).Value.String())
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestConcurrentLogging(t *testing.T) {
	buf := captureOutput(t)
	SetFormat("text")
	SetLevel("INFO")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("worker message", KeyWorker, n)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 400)
	for _, l := range lines {
		assert.Regexp(t, `^\d{2}:\d{2}:\d{2}\.\d{3} INFO  worker message worker=\d$`, l)
	}
}

func TestInitWithFile(t *testing.T) {
	_ = captureOutput(t)
	path := filepath.Join(t.TempDir(), "stderr.txt")

	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	Info("to file")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestInitBadPath(t *testing.T) {
	_ = captureOutput(t)
	err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "log")})
	require.Error(t, err)
}

func BenchmarkLogDisabled(b *testing.B) {
	SetLevel("ERROR")
	for i := 0; i < b.N; i++ {
		Debug("disabled", KeyPath, "/tmp")
	}
}
