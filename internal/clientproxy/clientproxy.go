// Package clientproxy implements the client-side half of the daemon
// split (spec.md §4.8): every invocation of the CLI binary runs this path
// first, deciding whether to hand the command to a daemon worker over RPC
// or to run it in-process.
package clientproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/diagnostics"
	"github.com/surfwright/surfwright/internal/dispatch"
	"github.com/surfwright/surfwright/internal/handler"
	"github.com/surfwright/surfwright/internal/metadata"
	"github.com/surfwright/surfwright/internal/rpc"
	"github.com/surfwright/surfwright/internal/startlock"
)

// Proxy decides, per invocation, whether a command is handled locally or
// forwarded to a daemon worker (spec.md §4.8).
type Proxy struct {
	Cfg   *config.Config
	Local handler.Handler
	Sink  *diagnostics.Sink

	// PidAlive is overridden in tests; defaults to defaultPidAlive.
	PidAlive func(pid int) bool
}

// New builds a Proxy. local is the in-process command handler used both
// for bypassed commands and as the daemon-unreachable fallback.
func New(cfg *config.Config, local handler.Handler, sink *diagnostics.Sink) *Proxy {
	return &Proxy{Cfg: cfg, Local: local, Sink: sink, PidAlive: defaultPidAlive}
}

// Run is the single entry point cmd/surfwright's main calls with raw argv
// (spec.md §4.8 steps 1-7).
func (p *Proxy) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	argv = dispatch.NormalizeArgv(argv)

	if dispatch.ClassifyBypass(argv) != dispatch.BypassNone {
		return p.Local.Run(ctx, argv, stdout, stderr)
	}
	if p.Cfg.DaemonHardOff() {
		return p.Local.Run(ctx, argv, stdout, stderr)
	}

	argv = injectAgentID(argv, p.Cfg.AgentID)
	argv = injectOutputShape(argv, p.Cfg.OutputShape)

	rec, err := p.ensureDaemon(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("daemon unavailable, running locally")
		if p.Sink != nil && p.Cfg.DebugLogs {
			p.Sink.EmitMetric("daemon_cli_fallback", 1, map[string]string{"reason": "start_failed"})
		}
		return p.Local.Run(ctx, argv, stdout, stderr)
	}

	client := &rpc.Client{
		Addr:        fmt.Sprintf("%s:%d", rec.Host, rec.Port),
		Token:       rec.Token,
		DialTimeout: 2 * time.Second,
	}

	result, err := p.runWithRetry(client, argv)
	if code, ok := rpc.FailureCode(err); ok {
		data, _ := json.Marshal(struct {
			OK      bool   `json:"ok"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}{OK: false, Code: code, Message: err.Error()})
		_, _ = stdout.Write(data)
		return 1, nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("daemon run failed, falling back to local execution")
		store := metadata.New(p.Cfg.Namespace())
		_ = store.Remove()
		if p.Sink != nil && p.Cfg.DebugLogs {
			p.Sink.EmitMetric("daemon_cli_fallback", 1, map[string]string{"reason": "unreachable"})
		}
		return p.Local.Run(ctx, argv, stdout, stderr)
	}

	if len(result.Stdout) > 0 {
		_, _ = stdout.Write(result.Stdout)
	}
	if len(result.Stderr) > 0 {
		_, _ = stderr.Write(result.Stderr)
	}
	return result.ExitCode, nil
}

// runWithRetry sends argv, retrying up to Cfg.QueueRetryAttempts additional
// times when the daemon rejects the request with a retryable queue-pressure
// code (spec.md §7: "only queue-pressure codes are retried"). Any other
// failure returns immediately: Run writes a typed failure to stdout, and
// falls back to local execution on a transport error such as an
// unreachable socket.
func (p *Proxy) runWithRetry(client *rpc.Client, argv []string) (*rpc.RunResult, error) {
	attempts := p.Cfg.QueueRetryAttempts + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := client.Run(argv)
		if err == nil {
			return result, nil
		}
		lastErr = err

		code, ok := rpc.FailureCode(err)
		if !ok || !retryableCode(code) {
			return nil, err
		}
		if i+1 < attempts {
			time.Sleep(p.Cfg.QueueRetryDelay)
		}
	}
	return nil, lastErr
}

func retryableCode(code string) bool {
	return code == "E_DAEMON_QUEUE_TIMEOUT" || code == "E_DAEMON_QUEUE_SATURATED"
}

// ensureDaemon returns the live daemon's metadata record, starting one
// under the start-lock arbiter if none is live (spec.md §4.2, §4.8 step 5).
func (p *Proxy) ensureDaemon(ctx context.Context) (*metadata.Record, error) {
	store := metadata.New(p.Cfg.Namespace())

	if rec, ok := p.liveRecord(store); ok {
		return rec, nil
	}

	lock := startlock.New(p.Cfg.Namespace())
	cfg := startlock.Config{
		StaleWindow:     p.Cfg.StaleLockWindow,
		RetryInterval:   p.Cfg.StartLockRetry,
		AcquireDeadline: p.Cfg.StartLockDeadline,
		StartupDeadline: p.Cfg.StartupDeadline,
	}

	var spawnedPID int
	cb := startlock.Callbacks{
		CheckLiveDaemon: func() bool {
			_, ok := p.liveRecord(store)
			return ok
		},
		Spawn: func() error {
			pid, err := spawnWorker()
			spawnedPID = pid
			return err
		},
		Probe: func(ctx context.Context) bool {
			rec, err := store.Read()
			if err != nil || rec == nil {
				return false
			}
			return (&rpc.Client{Addr: fmt.Sprintf("%s:%d", rec.Host, rec.Port), Token: rec.Token, DialTimeout: 500 * time.Millisecond}).Ping() == nil
		},
		Terminate: func() {
			if spawnedPID > 0 {
				if proc, err := os.FindProcess(spawnedPID); err == nil {
					_ = proc.Kill()
				}
			}
		},
	}

	if err := lock.Start(ctx, cfg, p.PidAlive, cb); err != nil {
		return nil, fmt.Errorf("start daemon worker: %w", err)
	}

	rec, err := store.Read()
	if err != nil || rec == nil {
		return nil, fmt.Errorf("daemon worker started but left no metadata record")
	}
	return rec, nil
}

// liveRecord reads the metadata store and reports whether it names an
// owner whose pid is still alive, clearing a stale record otherwise.
func (p *Proxy) liveRecord(store *metadata.Store) (*metadata.Record, bool) {
	rec, err := store.Read()
	if err != nil || rec == nil {
		return nil, false
	}
	if !p.PidAlive(rec.Pid) {
		_ = store.Remove()
		return nil, false
	}
	return rec, true
}

// injectAgentID adds --agent-id to argv if the caller's configuration names
// one and the command line doesn't already carry it (spec.md §4.8 step 4).
func injectAgentID(argv []string, agentID string) []string {
	if agentID == "" {
		return argv
	}
	for _, tok := range argv {
		if tok == "--agent-id" {
			return argv
		}
	}
	out := make([]string, 0, len(argv)+2)
	out = append(out, "--agent-id", agentID)
	out = append(out, argv...)
	return out
}

// injectOutputShape adds --output-shape to argv from the process-wide
// default when the caller didn't name one explicitly, so a worker
// servicing the request over RPC (which only ever sees argv, never this
// process's environment) still recovers SURFWRIGHT_OUTPUT_SHAPE's effect.
func injectOutputShape(argv []string, shape string) []string {
	if shape == "" {
		return argv
	}
	for _, tok := range argv {
		if tok == "--output-shape" {
			return argv
		}
	}
	out := make([]string, 0, len(argv)+2)
	out = append(out, "--output-shape", shape)
	out = append(out, argv...)
	return out
}

// spawnWorker re-execs this binary into the hidden __daemon-worker
// subcommand, detached from the starting process's lifetime.
func spawnWorker() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "__daemon-worker")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon worker process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
