// Package refresh detects changes in directories the client has listed.
//
// A refresh pass walks the directory table and compares every eligible
// directory with its persisted cache. Differences are reported to the client
// with a change line ("c id len path") and the entry moves to RefreshSent so
// the same change is not reported twice by the background loop.
//
// Passes are coalesced per root entry: a request arriving while a pass on the
// same root is running marks the root PendingRefresh, and the running pass
// repeats once instead of starting a concurrent one.
package refresh

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/marmos91/fsserver/internal/fsutil"
	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
	"github.com/marmos91/fsserver/internal/telemetry"
	"github.com/marmos91/fsserver/pkg/dirtab"
	"github.com/marmos91/fsserver/pkg/metrics"
)

// Trigger identifies what started a refresh pass.
type Trigger string

const (
	TriggerBackground Trigger = "background"
	TriggerRequest    Trigger = "request"
	TriggerWatch      Trigger = "watch"
)

// DefaultEmptyWait is how long the background loop sleeps while the table is
// empty and no interval is configured.
const DefaultEmptyWait = 2 * time.Second

// Config holds refresh engine configuration.
type Config struct {
	// Interval is the pause between background passes. Zero runs passes
	// back to back.
	Interval time.Duration

	// Background enables the periodic pass over every polled directory.
	Background bool

	// Native enables fsnotify watches for directories in WatchNative state.
	Native bool

	// WatchDebounce groups filesystem events before a watch pass.
	WatchDebounce time.Duration
}

// scope describes which entries a pass compares.
type scope struct {
	trigger Trigger
	id      int
	root    string
	exact   bool
}

func (s scope) background() bool { return s.trigger != TriggerRequest }

func (s scope) covers(path string) bool {
	if s.exact {
		return path == s.root
	}
	return fsutil.IsSubdir(path, s.root)
}

// Engine runs refresh passes.
type Engine struct {
	table    *dirtab.Table
	out      *protocol.Writer
	settings *settings.Store
	metrics  metrics.RefreshMetrics
	cfg      Config

	mu      sync.Mutex
	waiters map[*dirtab.Entry]chan struct{}

	watcher *watcher

	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// New creates a refresh engine.
//
// Parameters:
//   - table: directory table holding the watched directories
//   - out: protocol writer change notifications are sent to
//   - store: settings store; a snapshot is taken per pass
//   - m: metrics sink, nil to disable collection
//   - cfg: engine configuration
func New(table *dirtab.Table, out *protocol.Writer, store *settings.Store, m metrics.RefreshMetrics, cfg Config) *Engine {
	return &Engine{
		table:     table,
		out:       out,
		settings:  store,
		metrics:   m,
		cfg:       cfg,
		waiters:   make(map[*dirtab.Entry]chan struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the background loop and, in native mode, the filesystem
// watcher. Calling Start on an engine with neither enabled is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true

	if e.cfg.Native {
		w, err := newWatcher(e)
		if err != nil {
			return err
		}
		e.watcher = w
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run(ctx, e.stopCh)
		}()
	}

	if e.cfg.Background {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.loop(ctx)
		}()
	}

	go func() {
		e.wg.Wait()
		close(e.stoppedCh)
	}()

	logger.Info("Refresh engine started",
		"background", e.cfg.Background,
		"native", e.cfg.Native,
		"interval", e.cfg.Interval)
	return nil
}

// Stop signals the background goroutines and waits up to timeout for them
// to exit.
func (e *Engine) Stop(timeout time.Duration) {
	if !e.started {
		return
	}
	select {
	case <-e.stopCh:
		return
	default:
		close(e.stopCh)
	}

	select {
	case <-e.stoppedCh:
		logger.Debug("Refresh engine stopped")
	case <-time.After(timeout):
		logger.Warn("Refresh engine stop timed out", "timeout", timeout)
	}

	if e.watcher != nil {
		e.watcher.close()
	}
}

func (e *Engine) stopping(ctx context.Context) bool {
	if ctx.Err() != nil || e.out.Broken() {
		return true
	}
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until the engine stops. Returns false on stop.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !e.stopping(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !e.stopping(ctx)
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) loop(ctx context.Context) {
	emptyWait := e.cfg.Interval
	if emptyWait <= 0 {
		emptyWait = DefaultEmptyWait
	}

	for e.table.IsEmpty() {
		if !e.sleep(ctx, emptyWait) {
			return
		}
	}

	for !e.stopping(ctx) {
		e.cycle(ctx, scope{trigger: TriggerBackground, root: "/"})
		if !e.sleep(ctx, e.cfg.Interval) {
			return
		}
	}
}

// Refresh runs an on-demand pass over path and its subdirectories. With a
// non-zero id the change lines are bracketed by "R id" and "x id" lines.
func (e *Engine) Refresh(ctx context.Context, id int, path string) {
	e.cycle(ctx, scope{trigger: TriggerRequest, id: id, root: path})
}

// RefreshDir compares the single directory path, as done for filesystem
// events in native mode.
func (e *Engine) RefreshDir(ctx context.Context, path string) {
	e.cycle(ctx, scope{trigger: TriggerWatch, root: path, exact: true})
}

// cycle runs a pass on sc with coalescing on the root entry.
func (e *Engine) cycle(ctx context.Context, sc scope) {
	if err := e.table.Flush(); err != nil {
		logger.Warn("Failed to flush directory table", logger.KeyError, err)
	}

	root := e.table.Get(sc.root)

	root.Lock()
	switch root.RefreshState() {
	case dirtab.Refreshing:
		root.SetRefreshState(dirtab.PendingRefresh)
		root.Unlock()
		e.coalesced(ctx, root, sc)
		return
	case dirtab.PendingRefresh:
		root.Unlock()
		e.coalesced(ctx, root, sc)
		return
	}
	root.SetRefreshState(dirtab.Refreshing)
	e.mu.Lock()
	e.waiters[root] = make(chan struct{})
	e.mu.Unlock()
	root.Unlock()

	for {
		e.pass(ctx, sc)

		root.Lock()
		if root.RefreshState() == dirtab.PendingRefresh && !e.stopping(ctx) {
			root.SetRefreshState(dirtab.Refreshing)
			root.Unlock()
			logger.Trace("Repeating coalesced refresh", logger.KeyPath, sc.root)
			continue
		}
		root.SetRefreshState(dirtab.RefreshNone)
		e.mu.Lock()
		done := e.waiters[root]
		delete(e.waiters, root)
		e.mu.Unlock()
		root.Unlock()
		close(done)
		return
	}
}

// coalesced handles a request folded into a running pass. Requests with an
// id still get their header and terminator once the running pass, which
// repeats on their behalf, completes.
func (e *Engine) coalesced(ctx context.Context, root *dirtab.Entry, sc scope) {
	if e.metrics != nil {
		e.metrics.RecordCoalesced()
	}
	logger.Trace("Refresh coalesced", logger.KeyPath, sc.root, logger.KeyRequestID, sc.id)

	if sc.id == 0 {
		return
	}

	e.mu.Lock()
	done := e.waiters[root]
	e.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		case <-e.stopCh:
		}
	}
	_ = e.out.RefreshHeader(sc.id, sc.root)
	_ = e.out.End(sc.id, sc.root)
}

func (e *Engine) pass(ctx context.Context, sc scope) {
	start := time.Now()
	ctx, span := telemetry.StartRefreshSpan(ctx, string(sc.trigger), sc.root)
	defer span.End()
	bracket := sc.trigger == TriggerRequest && sc.id != 0

	if bracket {
		_ = e.out.RefreshHeader(sc.id, sc.root)
	}

	snap := e.settings.Snapshot()
	visited, changed := 0, 0
	e.table.Visit(func(path string, _ int, entry *dirtab.Entry) bool {
		if e.stopping(ctx) {
			return false
		}
		compared, differs := e.visit(path, entry, sc, snap)
		if compared {
			visited++
		}
		if differs {
			changed++
		}
		return true
	})

	if bracket {
		_ = e.out.End(sc.id, sc.root)
	}

	span.SetAttributes(telemetry.Entries(visited), telemetry.Changed(changed))
	if e.metrics != nil {
		e.metrics.RecordPass(string(sc.trigger), time.Since(start), visited, changed)
		e.metrics.SetDirectories(e.table.Len())
	}
	logger.Trace("Refresh pass done",
		"trigger", sc.trigger,
		logger.KeyPath, sc.root,
		logger.KeyEntries, visited,
		"changed", changed,
		logger.KeyDurationMs, time.Since(start).Milliseconds())
}

// visit compares one directory. It returns whether the cache was compared
// and whether a change line was sent.
func (e *Engine) visit(path string, entry *dirtab.Entry, sc scope, snap *settings.Snapshot) (compared, differs bool) {
	if fsutil.IsProhibited(path) {
		return false, false
	}
	if !sc.covers(path) {
		return false, false
	}

	entry.Lock()
	defer entry.Unlock()

	switch sc.trigger {
	case TriggerBackground:
		if entry.WatchState() != dirtab.WatchPoll {
			return false, false
		}
	case TriggerWatch:
		if entry.WatchState() != dirtab.WatchNative {
			return false, false
		}
	}

	if entry.State() == dirtab.StateRemoved {
		return false, false
	}
	if !fsutil.DirExists(path) {
		logger.Trace("Directory no longer exists", logger.KeyPath, path)
		entry.SetState(dirtab.StateRemoved)
		return false, false
	}
	if sc.background() && entry.State() == dirtab.StateRefreshSent {
		return false, false
	}

	reason := e.compare(path, entry, snap)
	if reason == "" {
		return true, false
	}

	logger.Trace("Directory changed", logger.KeyPath, path, "reason", reason)
	if err := e.out.Change(sc.id, path); err != nil {
		return true, false
	}
	entry.SetState(dirtab.StateRefreshSent)
	return true, true
}

// compare returns a non-empty reason when the live directory differs from
// its cache. An unreadable cache counts as a difference.
func (e *Engine) compare(path string, entry *dirtab.Entry, snap *settings.Snapshot) string {
	cached, version, err := dirtab.ReadCache(entry, path)
	if err != nil {
		e.cacheFailure(path, version, err)
		return "cache unusable"
	}

	live, err := fsutil.ListEntries(path, snap)
	if err != nil {
		return "directory unreadable"
	}

	SortByName(live)
	SortByName(cached)
	return ListingsDiffer(live, cached, version)
}

func (e *Engine) cacheFailure(path string, version int, err error) {
	reason := "corrupt"
	switch {
	case errors.Is(err, dirtab.ErrCacheVersion):
		reason = "version"
	case errors.Is(err, fs.ErrNotExist):
		reason = "missing"
	}
	if e.metrics != nil {
		e.metrics.RecordCacheFailure(reason)
	}

	switch reason {
	case "version":
		logger.Trace("Cache version mismatch",
			logger.KeyPath, path, logger.KeyVersion, version, logger.KeyError, err)
		return
	case "missing":
		logger.Debug("No cache for directory", logger.KeyPath, path)
		return
	}
	logger.Error("Error refreshing: cannot read cache",
		logger.KeyPath, path, logger.KeyVersion, version, logger.KeyError, err)
}
