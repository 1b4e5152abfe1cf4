// Package daemon implements the daemon worker (spec.md §4.7): it composes
// the lane scheduler, the session-runtime-pool-backed command handler, and
// the RPC transport, and owns the worker's lifecycle — idle shutdown,
// ownership-gated metadata cleanup, diagnostics emission, and error
// normalization at the transport surface.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/surfwright/surfwright/internal/diagnostics"
	"github.com/surfwright/surfwright/internal/dispatch"
	"github.com/surfwright/surfwright/internal/errs"
	"github.com/surfwright/surfwright/internal/handler"
	"github.com/surfwright/surfwright/internal/lanekey"
	"github.com/surfwright/surfwright/internal/lanescheduler"
	"github.com/surfwright/surfwright/internal/metadata"
	"github.com/surfwright/surfwright/internal/reqcontext"
	"github.com/surfwright/surfwright/internal/rpc"
)

// Config bounds one worker's lifecycle.
type Config struct {
	NamespaceRoot string
	IdleTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Worker ties the lane scheduler, command handler, and RPC server together
// behind a single listener (spec.md §4.7).
type Worker struct {
	cfg       Config
	scheduler *lanescheduler.Scheduler
	cmd       handler.Handler
	sink      *diagnostics.Sink
	metaStore *metadata.Store

	pid   int
	token string

	server *rpc.Server

	mu           sync.Mutex
	inFlight     int
	lastActivity time.Time
}

// New builds a Worker. token is the shared secret issued to this worker
// (spec.md §6 "Wire protocol": "randomly generated per worker").
func New(cfg Config, scheduler *lanescheduler.Scheduler, cmd handler.Handler, sink *diagnostics.Sink, token string) *Worker {
	w := &Worker{
		cfg:          cfg,
		scheduler:    scheduler,
		cmd:          cmd,
		sink:         sink,
		metaStore:    metadata.New(cfg.NamespaceRoot),
		pid:          os.Getpid(),
		token:        token,
		lastActivity: now(),
	}
	w.server = rpc.NewServer(token, w)
	return w
}

// GenerateToken returns a random ≥36-hex-char shared secret (spec.md §6).
func GenerateToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Run starts the listener, writes metadata, and blocks until the worker
// decides to exit (idle timeout or ctx cancellation), then drains and
// cleans up ownership-gated metadata.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	rec := &metadata.Record{
		Pid:       w.pid,
		Host:      "127.0.0.1",
		Port:      port,
		Token:     w.token,
		StartedAt: now(),
	}
	if err := w.metaStore.WriteAtomic(rec); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- w.server.Serve(serveCtx, ln) }()

	idleTimer := time.NewTimer(w.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(cancel, ln)
			<-serveErr
			return nil
		case err := <-serveErr:
			w.cleanupMetadata()
			return err
		case <-idleTimer.C:
			if w.isIdle() {
				log.Info().Dur("idleTimeout", w.cfg.IdleTimeout).Msg("daemon worker idle timeout, shutting down")
				w.shutdown(cancel, ln)
				<-serveErr
				return nil
			}
			idleTimer.Reset(w.idleResetDelay())
		}
	}
}

// shutdown unblocks Serve's Accept loop (cancelling serveCtx alone does not
// interrupt an in-progress Accept; the listener must be closed too), then
// drains in-flight connections up to the configured grace period.
func (w *Worker) shutdown(cancel context.CancelFunc, ln net.Listener) {
	cancel()
	_ = ln.Close()
	w.server.Shutdown(w.cfg.ShutdownGrace)
	w.cleanupMetadata()
}

// cleanupMetadata only removes the metadata record if it still identifies
// this worker (spec.md §4.7 "Ownership cleanup").
func (w *Worker) cleanupMetadata() {
	rec, err := w.metaStore.Read()
	if err != nil || rec == nil {
		return
	}
	if rec.IsOwnedBy(w.pid, w.token) {
		_ = w.metaStore.Remove()
	}
}

func (w *Worker) isIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight == 0 && w.server.ActiveConnCount() == 0
}

func (w *Worker) idleResetDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := now().Sub(w.lastActivity)
	remaining := w.cfg.IdleTimeout - elapsed
	if remaining <= 0 {
		return time.Millisecond
	}
	return remaining
}

func (w *Worker) markActive() {
	w.mu.Lock()
	w.inFlight++
	w.lastActivity = now()
	w.mu.Unlock()
}

func (w *Worker) markDone() {
	w.mu.Lock()
	w.inFlight--
	w.lastActivity = now()
	w.mu.Unlock()
}

// HandleShutdown implements rpc.Handler.
func (w *Worker) HandleShutdown() {
	log.Info().Msg("shutdown requested over rpc")
}

// HandleRun implements rpc.Handler: resolves the lane key, enqueues onto
// the lane scheduler, and invokes the command handler once dispatched.
// Queue-pressure errors pass through verbatim; any other scheduler/handler
// plumbing error is normalized to E_DAEMON_RUN_FAILED (spec.md §4.7 "Error
// normalization at the worker surface").
func (w *Worker) HandleRun(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	w.markActive()
	defer w.markDone()

	start := now()
	resolved := lanekey.Resolve(argv)
	ctx = reqcontext.WithContext(ctx, requestContextFromArgv(argv))

	var exitCode int
	execute := func(ctx context.Context) error {
		code, err := w.cmd.Run(ctx, argv, stdout, stderr)
		exitCode = code
		return err
	}

	err := w.scheduler.Enqueue(ctx, resolved.LaneKey, execute)
	durationMs := float64(now().Sub(start).Milliseconds())

	w.sink.EmitMetric("daemon_request_duration_ms", durationMs, map[string]string{"command": commandPath(argv)})

	if err != nil {
		result, code := classifyFailure(err)
		w.emitEvent(argv, resolved.LaneKey, result, string(code), durationMs)
		if code == errs.CodeQueueTimeout || code == errs.CodeQueueSaturated {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", errs.ErrRunFailed, err)
	}

	w.emitEvent(argv, resolved.LaneKey, diagnostics.ResultSuccess, "", durationMs)
	return exitCode, nil
}

func classifyFailure(err error) (diagnostics.Result, errs.Code) {
	code := errs.CodeOf(err)
	if code == errs.CodeQueueTimeout {
		return diagnostics.ResultTimeout, code
	}
	if code == errs.CodeQueueSaturated {
		return diagnostics.ResultTypedError, code
	}
	return diagnostics.ResultTypedError, errs.CodeRunFailed
}

func (w *Worker) emitEvent(argv []string, laneScope string, result diagnostics.Result, errorCode string, durationMs float64) {
	hashedSession := ""
	if strings.HasPrefix(laneScope, "session:") {
		hashedSession = diagnostics.HashSessionID(strings.TrimPrefix(laneScope, "session:"))
		laneScope = "session:" + hashedSession
	}
	w.sink.EmitEvent(diagnostics.Event{
		Time:          now(),
		RequestID:     diagnostics.NewRequestID(),
		HashedSession: hashedSession,
		LaneScope:     laneScope,
		CommandPath:   commandPath(argv),
		Result:        result,
		ErrorCode:     errorCode,
		DurationMs:    durationMs,
	})
}

// requestContextFromArgv rebuilds the request scope on the daemon side of
// the wire: the client proxy injects --agent-id and --output-shape, and
// every global option travels as a plain argv token, so a worker
// servicing a request over RPC must parse them back out itself rather than
// inheriting anything from its own process environment (spec.md §4.9
// "Dynamic environment as request scope" — overrides are per-request, and a
// worker serves many requests, possibly with different shapes, over its
// lifetime).
func requestContextFromArgv(argv []string) *reqcontext.Context {
	opts := dispatch.ScanGlobalOptions(argv)
	shape := reqcontext.ShapeFull
	if opts.OutputShape != "" {
		shape = reqcontext.OutputShape(opts.OutputShape)
	}
	return reqcontext.New(opts.AgentID, opts.Workspace, shape, false, "on")
}

func commandPath(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

var now = time.Now
