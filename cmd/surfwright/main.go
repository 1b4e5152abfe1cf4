// Package main provides the entry point for the surfwright CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/surfwright/surfwright/internal/clientproxy"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemon"
	"github.com/surfwright/surfwright/internal/diagnostics"
	"github.com/surfwright/surfwright/internal/dispatch"
	"github.com/surfwright/surfwright/internal/handler"
	"github.com/surfwright/surfwright/internal/hygiene"
	"github.com/surfwright/surfwright/internal/lanescheduler"
	"github.com/surfwright/surfwright/internal/policy"
	"github.com/surfwright/surfwright/internal/reqcontext"
	"github.com/surfwright/surfwright/internal/runtime"
	"github.com/surfwright/surfwright/internal/runtimepool"
	"github.com/surfwright/surfwright/pkg/version"
)

// root is a pass-through cobra command: surfwright's real command surface
// (open, eval, session.attach, ...) is dispatched by internal/dispatch and
// internal/clientproxy, not by cobra's flag parser, since it must tolerate
// argv shapes (dot-aliases, global options before or after the head) that
// cobra's own parser doesn't know about. Cobra supplies only the process
// entry point: every argv, including the hidden __daemon-worker re-exec,
// goes to dispatchArgv unparsed. version/--version/-v and help are answered
// by newLocalHandler; a bare invocation prints no usage banner.
var root = &cobra.Command{
	Use:                "surfwright",
	Short:              "Drive a browser session over the Chrome DevTools Protocol",
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, rawArgs []string) error {
		os.Exit(dispatchArgv(rawArgs))
		return nil
	},
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dispatchArgv is the single entry point every invocation funnels through,
// including the hidden daemon worker re-exec (spec.md §4.8, §6 "CLI
// surface"). It returns the process exit code.
func dispatchArgv(argv []string) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	normalized := dispatch.NormalizeArgv(argv)
	if len(normalized) > 0 && normalized[0] == "__daemon-worker" {
		return runDaemonWorker(cfg)
	}

	sink := diagnostics.New(cfg.Namespace(), cfg.DebugLogs)
	defer sink.Close()

	local := newLocalHandler(cfg)
	proxy := clientproxy.New(cfg, local, sink)

	ctx := reqcontext.WithContext(context.Background(), requestContextFor(cfg, normalized))

	code, err := proxy.Run(ctx, argv, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return code
}

// runDaemonWorker runs this process as a daemon worker (spec.md §4.7):
// it never returns to the client-proxy path above. Reached only via the
// hidden __daemon-worker subcommand a client proxy re-execs itself into.
func runDaemonWorker(cfg *config.Config) int {
	token, err := daemon.GenerateToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate daemon token")
		return 1
	}

	baseLaneConfig := lanescheduler.Config{
		DepthCap:          cfg.LaneDepthCap,
		WaitBudget:        cfg.LaneWaitBudget,
		GlobalActiveLanes: cfg.GlobalActiveLanes,
	}
	sched := lanescheduler.New(baseLaneConfig, lanescheduler.NopMetrics)

	pol := policy.New(filepath.Join(cfg.Namespace(), "policy.yaml"), sched, baseLaneConfig)
	pol.Start(true)
	defer pol.Close()

	sink := diagnostics.New(cfg.Namespace(), cfg.DebugLogs)
	defer sink.Close()

	sweeper := hygiene.New(cfg.StateDir, hygiene.Config{StaleLockWindow: cfg.StaleLockWindow})
	sweeper.Start(5 * time.Minute)
	defer sweeper.Stop()

	cmd := newLocalHandler(cfg)
	w := daemon.New(daemon.Config{
		NamespaceRoot: cfg.Namespace(),
		IdleTimeout:   cfg.IdleTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}, sched, cmd, sink, token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("daemon worker received shutdown signal")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon worker exited with error")
		return 1
	}
	return 0
}

// requestContextFor builds the request-local scope for this invocation:
// config-derived (env var) defaults, overridden by any global option the
// caller named explicitly on this command line (spec.md §3 "Recognized
// overrides" take precedence over the process-wide default). This is the
// scope the local-execution path (bypass commands, hard-off, and the
// client proxy's unreachable-daemon fallback) runs under; a request the
// daemon services over RPC rebuilds the same scope from the argv it
// receives on the wire, since process env never crosses that boundary.
func requestContextFor(cfg *config.Config, normalizedArgv []string) *reqcontext.Context {
	opts := dispatch.ScanGlobalOptions(normalizedArgv)

	agentID := cfg.AgentID
	if opts.AgentID != "" {
		agentID = opts.AgentID
	}
	workspace := cfg.WorkspaceDir
	if opts.Workspace != "" {
		workspace = opts.Workspace
	}
	shape := reqcontext.OutputShape(cfg.OutputShape)
	if opts.OutputShape != "" {
		shape = reqcontext.OutputShape(opts.OutputShape)
	}

	return reqcontext.New(agentID, workspace, shape, cfg.DebugLogs, cfg.DaemonMode)
}

// newLocalHandler builds the command handler both the daemon worker and the
// client proxy's local-fallback path invoke: browser automation commands
// plus the two bypass-class commands (version, help) that answer from
// static process state alone (spec.md §4.8 "contract-only").
func newLocalHandler(cfg *config.Config) handler.Handler {
	pool := runtimepool.New(runtimepool.Config{
		MaxEntries:       cfg.MaxRuntimeEntries,
		TimeoutBurnLimit: cfg.TimeoutBurnLimit,
	}, &runtime.RodConnector{})

	browser := &handler.BrowserHandler{Pool: pool, AcquireTimeout: cfg.RuntimeAcquireWait}

	return handler.Func(func(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
		if len(argv) > 0 {
			switch argv[0] {
			case "version", "--version", "-v":
				return writeVersion(stdout)
			case "help":
				fmt.Fprintln(stdout, usage)
				return 0, nil
			}
		}
		return browser.Run(ctx, argv, stdout, stderr)
	})
}

func writeVersion(w io.Writer) (int, error) {
	data, _ := json.Marshal(struct {
		OK     bool   `json:"ok"`
		Result string `json:"result"`
	}{OK: true, Result: version.Full() + " (" + version.GoVersion() + ")"})
	_, _ = w.Write(data)
	return 0, nil
}

const usage = `surfwright - drive a browser session over the Chrome DevTools Protocol

Usage:
  surfwright open --session <id> <url>
  surfwright eval --session <id> <expression>
  surfwright version
  surfwright help

Global options (may appear before the command):
  --agent-id <id>        namespace state under agents/<id>
  --workspace <dir>       request-scoped workspace root
  --session <id>          lane key and runtime pool key
  --output-shape <shape>  full | compact | proof`

// setupLogging configures zerolog to write structured logs to stderr, so
// stdout stays reserved for the single JSON envelope a command emits.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
