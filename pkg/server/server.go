// Package server reads protocol requests, dispatches them to handlers and
// writes the responses.
//
// With one thread the handlers run inline in the read loop. With more, the
// reader enqueues requests onto a Queue served by a Pool of workers that
// grows by one whenever every worker is busy, up to MaxThreads. Each
// response line goes through protocol.Writer, so lines of concurrent
// requests interleave but never mix; all lines of one request are written
// in order by the goroutine handling it.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
	"github.com/marmos91/fsserver/internal/telemetry"
	"github.com/marmos91/fsserver/pkg/bufpool"
	"github.com/marmos91/fsserver/pkg/dirtab"
	"github.com/marmos91/fsserver/pkg/metrics"
	"github.com/marmos91/fsserver/pkg/refresh"
)

// Version is the protocol version reported by the server info request.
const Version = "1.12.8"

// DefaultThreads is the initial number of workers.
const DefaultThreads = 4

// DefaultShutdownGrace bounds how long shutdown waits for busy workers.
const DefaultShutdownGrace = 2 * time.Second

// Config holds server configuration.
type Config struct {
	// Threads is the initial number of workers; 1 runs handlers inline.
	Threads int

	// MaxThreads caps pool growth (at most MaxThreads).
	MaxThreads int

	// Persistence enables directory cache files for listings.
	Persistence bool

	// ActiveWatch is the watch state a listed directory is put in.
	ActiveWatch dirtab.WatchState

	// ShutdownGrace bounds the wait for busy workers at shutdown.
	ShutdownGrace time.Duration

	// Statistics prints the queue high-water mark to Stderr at shutdown.
	Statistics bool

	// CopyBufferSize is the chunk size of file copies.
	CopyBufferSize int
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Table    *dirtab.Table
	Engine   *refresh.Engine
	Settings *settings.Store
	Out      *protocol.Writer

	// Metrics may be nil.
	Metrics metrics.ServerMetrics

	// RequestLog receives every raw request line; may be nil.
	RequestLog io.Writer

	// Stderr receives statistics output; defaults to io.Discard.
	Stderr io.Writer
}

// Stats summarizes a finished session.
type Stats struct {
	Requests     uint64
	Malformed    uint64
	MaxQueueSize int
	Workers      int
	Abandoned    int
	Deleted      int
	DeleteErrors int
}

// Server processes one request stream.
type Server struct {
	cfg  Config
	deps Deps
	out  *protocol.Writer
	bufs *bufpool.Pool

	proceed   atomic.Bool
	requests  atomic.Uint64
	malformed atomic.Uint64

	queue *Queue
	pool  *Pool

	logMu sync.Mutex

	deleteMu     sync.Mutex
	deleteOnExit []string

	shutdownOnce sync.Once
	stats        Stats
}

// New creates a server. Table, Settings and Out are required; Engine is
// required for refresh requests to do anything.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Table == nil || deps.Settings == nil || deps.Out == nil {
		return nil, errors.New("server: table, settings and writer are required")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.Threads > MaxThreads {
		logger.Warn("Thread count too high, clamping", "threads", cfg.Threads, "max", MaxThreads)
		cfg.Threads = MaxThreads
	}
	if cfg.MaxThreads <= 0 || cfg.MaxThreads > MaxThreads {
		cfg.MaxThreads = MaxThreads
	}
	if cfg.MaxThreads < cfg.Threads {
		cfg.MaxThreads = cfg.Threads
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.CopyBufferSize <= 0 {
		cfg.CopyBufferSize = bufpool.DefaultCopySize
	}
	if deps.Stderr == nil {
		deps.Stderr = io.Discard
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		out:  deps.Out,
		bufs: bufpool.NewPool(cfg.CopyBufferSize),
	}
	s.proceed.Store(true)
	return s, nil
}

// Proceed reports whether handlers should keep going: false after shutdown
// started or once the output channel broke.
func (s *Server) Proceed() bool {
	return s.proceed.Load() && !s.out.Broken()
}

// Serve reads request lines from in until EOF, a quit request, a broken
// output, or ctx cancellation, then shuts down and returns the session
// statistics.
func (s *Server) Serve(ctx context.Context, in io.Reader) (Stats, error) {
	if s.cfg.Threads > 1 {
		s.queue = NewQueue()
		s.pool = NewPool(s.queue, s.cfg.MaxThreads, s.process, s.deps.Metrics)
		s.pool.Start(ctx, s.cfg.Threads)
	} else {
		logger.Info("Starting in single-thread mode")
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readLines(in, lines, readErr, done)

	var err error
loop:
	for s.Proceed() {
		select {
		case <-ctx.Done():
			logger.Info("Stopping request loop", logger.KeyError, ctx.Err())
			break loop
		case err = <-readErr:
			break loop
		case line := <-lines:
			if !s.dispatch(ctx, line) {
				break loop
			}
		}
	}

	s.Shutdown()
	if err != nil && !errors.Is(err, io.EOF) {
		return s.stats, fmt.Errorf("failed to read requests: %w", err)
	}
	return s.stats, nil
}

// readLines forwards every line of in (without its newline) to lines and
// then the terminating error to errc. It gives up once done is closed.
func readLines(in io.Reader, lines chan<- string, errc chan<- error, done <-chan struct{}) {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case lines <- strings.TrimSuffix(line, "\n"):
			case <-done:
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// dispatch decodes line and runs or enqueues it. Returns false on quit.
func (s *Server) dispatch(ctx context.Context, line string) bool {
	logger.Trace("Request", logger.KeyLine, line)
	s.logRequest(line)

	req, err := protocol.Decode(line)
	if err != nil {
		s.malformed.Add(1)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordMalformed()
		}
		logger.Warn("Incorrect request", logger.KeyLine, line, logger.KeyError, err)
		return true
	}
	s.requests.Add(1)

	if req.Kind == protocol.KindQuit {
		logger.Debug("Quit requested")
		return false
	}

	if s.pool == nil {
		s.process(ctx, req, -1)
		return true
	}

	if s.pool.Grow() {
		logger.Debug("All workers busy, started another", logger.KeyWorkers, s.pool.Size())
	}
	s.queue.Add(req)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetQueueSize(s.queue.Len())
	}
	return true
}

func (s *Server) logRequest(line string) {
	if s.deps.RequestLog == nil {
		return
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	_, _ = io.WriteString(s.deps.RequestLog, line+"\n")
}

// process runs one request with logging context, a span and metrics.
func (s *Server) process(ctx context.Context, req *protocol.Request, worker int) {
	kind := req.Kind.String()
	lc := logger.NewLogContext(kind, req.ID, req.Path).WithWorker(worker)

	ctx, span := telemetry.StartRequestSpan(ctx, kind, req.ID, req.Path, telemetry.Worker(worker))
	defer span.End()
	if req.Kind.HasSecondPath() {
		span.SetAttributes(telemetry.Path2(req.Path2))
	}
	lc = lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	logger.DebugCtx(ctx, "Processing request")

	h := &handler{server: s, ctx: ctx, req: req, snap: s.deps.Settings.Snapshot()}
	h.run()

	if h.failed {
		telemetry.FailRequest(span, int(h.errno), h.failMsg)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRequest(kind, time.Since(lc.StartTime), h.failed)
	}
	logger.DebugCtx(ctx, "Request done", logger.KeyDurationMs, lc.DurationMs())
}

// Shutdown stops the workers and the refresh engine, removes the files
// registered for deletion and flushes the directory table. It runs once;
// later calls are no-ops.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.proceed.Store(false)
	s.stats.Requests = s.requests.Load()
	s.stats.Malformed = s.malformed.Load()

	if s.queue != nil {
		s.stats.Abandoned = s.queue.Shutdown()
		s.stats.MaxQueueSize = s.queue.MaxSize()
		logger.Info("Max. requests queue size", logger.KeyQueueSize, s.stats.MaxQueueSize)
		if s.cfg.Statistics {
			_, _ = fmt.Fprintf(s.deps.Stderr, "Max. requests queue size: %d\n", s.stats.MaxQueueSize)
		}
		if s.stats.Abandoned > 0 {
			logger.Debug("Requests left in queue at shutdown", "abandoned", s.stats.Abandoned)
		}
	}

	if s.pool != nil {
		logger.Info("Shutting down. Joining workers...")
		s.stats.Workers = s.pool.Size()
		s.pool.Stop(s.cfg.ShutdownGrace)
	}

	s.stats.Deleted, s.stats.DeleteErrors = s.runDeleteOnExit()

	if s.deps.Engine != nil {
		s.deps.Engine.Stop(s.cfg.ShutdownGrace)
	}

	if err := s.deps.Table.Flush(); err != nil {
		logger.Error("Error storing directory table", logger.KeyError, err)
	}
	s.deps.Settings.Teardown()
	logger.Info("Shut down", "requests", s.stats.Requests)
}
