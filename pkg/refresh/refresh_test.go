package refresh

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fsserver/internal/fsutil"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
	"github.com/marmos91/fsserver/pkg/dirtab"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	table  *dirtab.Table
	out    *syncBuffer
	engine *Engine
}

func newFixture(t *testing.T, def dirtab.WatchState, cfg Config) *fixture {
	t.Helper()
	table := dirtab.New(dirtab.Config{BaseDir: t.TempDir(), DefaultWatchState: def})
	require.NoError(t, table.Init(false))
	out := &syncBuffer{}
	e := New(table, protocol.NewWriter(out), settings.New(nil, false), nil, cfg)
	return &fixture{table: table, out: out, engine: e}
}

// listed simulates an ls: the directory gets an entry, a fresh cache and
// the given watch state.
func (f *fixture) listed(t *testing.T, dir string, ws dirtab.WatchState) *dirtab.Entry {
	t.Helper()
	entries, err := fsutil.ListEntries(dir, nil)
	require.NoError(t, err)
	e := f.table.Get(dir)
	e.WithLock(func() {
		require.NoError(t, dirtab.WriteCache(e, dir, entries))
		e.SetWatchState(ws)
		e.SetState(dirtab.StateListingSent)
	})
	return e
}

func line(kind byte, id int, path string) string {
	esc := protocol.Escape(path)
	return fmt.Sprintf("%c %d %d %s\n", kind, id, protocol.CharLen(esc), esc)
}

func state(e *dirtab.Entry) (s dirtab.State) {
	e.WithLock(func() { s = e.State() })
	return s
}

func TestDiffers(t *testing.T) {
	base := protocol.FileEntry{Name: "f", Type: protocol.TypeRegular, Size: 1, Mtime: 10, CanRead: true, Dev: 1, Ino: 2}

	tests := []struct {
		name    string
		mutate  func(e *protocol.FileEntry)
		version int
		differs bool
	}{
		{"same", func(*protocol.FileEntry) {}, 2, false},
		{"size", func(e *protocol.FileEntry) { e.Size = 2 }, 2, true},
		{"mtime", func(e *protocol.FileEntry) { e.Mtime = 11 }, 2, true},
		{"type", func(e *protocol.FileEntry) { e.Type = protocol.TypeDirectory }, 2, true},
		{"access v2", func(e *protocol.FileEntry) { e.CanWrite = true }, 2, true},
		{"access v1", func(e *protocol.FileEntry) { e.CanWrite = true }, 1, false},
		{"inode v2", func(e *protocol.FileEntry) { e.Ino = 3 }, 2, true},
		{"inode v1", func(e *protocol.FileEntry) { e.Ino = 3 }, 1, false},
		{"device v2", func(e *protocol.FileEntry) { e.Dev = 9 }, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := base
			tt.mutate(&live)
			cached := base
			assert.Equal(t, tt.differs, Differs(&live, &cached, tt.version) != "")
		})
	}
}

func TestDiffersIgnoresSizeOfDirectories(t *testing.T) {
	a := &protocol.FileEntry{Name: "d", Type: protocol.TypeDirectory, Size: 4096, Mtime: 1}
	b := &protocol.FileEntry{Name: "d", Type: protocol.TypeDirectory, Size: 8192, Mtime: 2}
	assert.Empty(t, Differs(a, b, 1))
}

func TestDiffersLinks(t *testing.T) {
	a := &protocol.FileEntry{Name: "l", Type: protocol.TypeSymlink, Link: "x"}
	b := &protocol.FileEntry{Name: "l", Type: protocol.TypeSymlink, Link: "y"}
	assert.NotEmpty(t, Differs(a, b, 1))
}

func TestListingsDiffer(t *testing.T) {
	a := []*protocol.FileEntry{{Name: "b"}, {Name: "a"}}
	b := []*protocol.FileEntry{{Name: "a"}, {Name: "b"}}
	SortByName(a)
	SortByName(b)
	assert.Empty(t, ListingsDiffer(a, b, 2))
	assert.NotEmpty(t, ListingsDiffer(a, b[:1], 2))
}

func TestRefreshUnchanged(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	f.listed(t, dir, dirtab.WatchPoll)

	f.engine.Refresh(context.Background(), 5, dir)
	assert.Equal(t, line('R', 5, dir)+line('x', 5, dir), f.out.String())
}

func TestRefreshReportsChange(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	e := f.listed(t, dir, dirtab.WatchPoll)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new"), nil, 0o644))
	f.engine.Refresh(context.Background(), 7, dir)

	assert.Equal(t, line('R', 7, dir)+line('c', 7, dir)+line('x', 7, dir), f.out.String())
	assert.Equal(t, dirtab.StateRefreshSent, state(e))
}

func TestRefreshWithZeroIDHasNoBracket(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	f.listed(t, dir, dirtab.WatchPoll)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	f.engine.Refresh(context.Background(), 0, dir)
	assert.Equal(t, line('c', 0, dir), f.out.String())
}

func TestRefreshCoversSubdirectories(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	f.listed(t, dir, dirtab.WatchNone)
	f.listed(t, sub, dirtab.WatchNone)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "f"), nil, 0o644))
	f.engine.Refresh(context.Background(), 0, dir)
	assert.Equal(t, line('c', 0, sub), f.out.String())
}

func TestRefreshMissingCacheCountsAsChange(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	f.table.Get(dir)

	f.engine.Refresh(context.Background(), 0, dir)
	assert.Equal(t, line('c', 0, dir), f.out.String())
}

func TestRefreshMarksRemoved(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.Mkdir(dir, 0o755))
	e := f.listed(t, dir, dirtab.WatchPoll)
	require.NoError(t, os.Remove(dir))

	f.engine.Refresh(context.Background(), 0, dir)
	assert.Empty(t, f.out.String())
	assert.Equal(t, dirtab.StateRemoved, state(e))
	assert.True(t, f.table.Dirty())
}

func TestBackgroundPassSkipsUnwatchedAndSent(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	polled := t.TempDir()
	unwatched := t.TempDir()
	f.listed(t, polled, dirtab.WatchPoll)
	f.listed(t, unwatched, dirtab.WatchNone)

	require.NoError(t, os.WriteFile(filepath.Join(polled, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(unwatched, "a"), nil, 0o644))

	ctx := context.Background()
	f.engine.cycle(ctx, scope{trigger: TriggerBackground, root: "/"})
	assert.Equal(t, line('c', 0, polled), f.out.String())

	// Already notified: the next background pass stays silent.
	f.engine.cycle(ctx, scope{trigger: TriggerBackground, root: "/"})
	assert.Equal(t, line('c', 0, polled), f.out.String())
}

func TestRequestRefreshIgnoresRefreshSent(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	e := f.listed(t, dir, dirtab.WatchPoll)
	e.WithLock(func() { e.SetState(dirtab.StateRefreshSent) })
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o644))

	f.engine.Refresh(context.Background(), 0, dir)
	assert.Equal(t, line('c', 0, dir), f.out.String())
}

func TestRefreshCoalesces(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	root := f.table.Get(dir)
	root.WithLock(func() { root.SetRefreshState(dirtab.Refreshing) })

	// A pass is "running": the request only marks the root pending.
	f.engine.Refresh(context.Background(), 0, dir)
	root.WithLock(func() { assert.Equal(t, dirtab.PendingRefresh, root.RefreshState()) })
	assert.Empty(t, f.out.String())

	f.engine.Refresh(context.Background(), 0, dir)
	root.WithLock(func() { assert.Equal(t, dirtab.PendingRefresh, root.RefreshState()) })
}

// countingMetrics counts passes; the first pass blocks in RecordPass until
// release is closed.
type countingMetrics struct {
	passes    atomic.Int32
	coalesced atomic.Int32
	entered   chan struct{}
	release   chan struct{}
}

func (m *countingMetrics) RecordPass(string, time.Duration, int, int) {
	if m.passes.Add(1) == 1 {
		close(m.entered)
		<-m.release
	}
}

func (m *countingMetrics) RecordCacheFailure(string) {}
func (m *countingMetrics) RecordCoalesced()         { m.coalesced.Add(1) }
func (m *countingMetrics) SetDirectories(int)       {}

func TestRefreshCoalescedRunsOneMorePass(t *testing.T) {
	table := dirtab.New(dirtab.Config{BaseDir: t.TempDir(), DefaultWatchState: dirtab.WatchNone})
	require.NoError(t, table.Init(false))
	m := &countingMetrics{entered: make(chan struct{}), release: make(chan struct{})}
	e := New(table, protocol.NewWriter(&syncBuffer{}), settings.New(nil, false), m, Config{})
	dir := t.TempDir()

	first := make(chan struct{})
	go func() {
		e.Refresh(context.Background(), 0, dir)
		close(first)
	}()
	<-m.entered

	// Arrives while the first pass runs: folded into it.
	e.Refresh(context.Background(), 0, dir)
	assert.EqualValues(t, 1, m.coalesced.Load())

	close(m.release)
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish")
	}

	assert.EqualValues(t, 2, m.passes.Load())
	root := table.Find(dir)
	require.NotNil(t, root)
	root.WithLock(func() { assert.Equal(t, dirtab.RefreshNone, root.RefreshState()) })
}

func TestCoalescedRequestWaitsForPass(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	root := f.table.Get(dir)
	done := make(chan struct{})
	root.WithLock(func() { root.SetRefreshState(dirtab.Refreshing) })
	f.engine.mu.Lock()
	f.engine.waiters[root] = done
	f.engine.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		f.engine.Refresh(context.Background(), 3, dir)
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("coalesced request returned before the running pass")
	case <-time.After(50 * time.Millisecond):
	}
	close(done)
	<-finished
	assert.Equal(t, line('R', 3, dir)+line('x', 3, dir), f.out.String())
}

func TestRefreshStateReturnsToNone(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	dir := t.TempDir()
	f.engine.Refresh(context.Background(), 0, dir)
	root := f.table.Find(dir)
	require.NotNil(t, root)
	root.WithLock(func() { assert.Equal(t, dirtab.RefreshNone, root.RefreshState()) })
	assert.Empty(t, f.engine.waiters)
}

func TestBackgroundLoop(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{Background: true, Interval: 10 * time.Millisecond})
	dir := t.TempDir()
	f.listed(t, dir, dirtab.WatchPoll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop(time.Second)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late"), nil, 0o644))
	require.Eventually(t, func() bool {
		return strings.Contains(f.out.String(), line('c', 0, dir))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t, dirtab.WatchNone, Config{})
	f.engine.Stop(time.Millisecond)
}

func TestNativeWatch(t *testing.T) {
	f := newFixture(t, dirtab.WatchNative, Config{Native: true, WatchDebounce: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop(time.Second)

	dir := t.TempDir()
	e := f.listed(t, dir, dirtab.WatchNative)
	e.WithLock(func() { assert.Equal(t, dirtab.WatchNative, e.WatchState()) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "touched"), nil, 0o644))
	require.Eventually(t, func() bool {
		return strings.Contains(f.out.String(), line('c', 0, dir))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNativeWatchFallsBackToPoll(t *testing.T) {
	f := newFixture(t, dirtab.WatchNative, Config{Native: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop(time.Second)

	e := f.table.Get(filepath.Join(t.TempDir(), "missing"))
	e.WithLock(func() { assert.Equal(t, dirtab.WatchPoll, e.WatchState()) })
}
