// Package handler supplies the command handler contract the daemon worker
// (and the client proxy's local-fallback path) invoke once a request has
// cleared the lane scheduler and leased a session runtime: a single
// Run(argv) -> (exitCode, stdout, stderr) function (spec.md §1 "Deliberately
// out of scope ... treated as command handlers supplied to the daemon via a
// single Run(argv) function"). The concrete browser-automation commands
// below are a representative slice, not an exhaustive command surface.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ysmood/gson"

	"github.com/surfwright/surfwright/internal/reqcontext"
	"github.com/surfwright/surfwright/internal/runtime"
	"github.com/surfwright/surfwright/internal/runtimepool"
)

// Handler is the external contract every command handler satisfies.
type Handler interface {
	Run(ctx context.Context, argv []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error)

func (f Func) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	return f(ctx, argv, stdout, stderr)
}

// Handler-originated error codes (spec.md §7: "E_URL_INVALID, E_QUERY_INVALID,
// E_TARGET_SESSION_UNKNOWN, E_TARGET_NOT_FOUND, ... preserved verbatim on
// the wire"). These never pass through errs.CodeOf — the handler writes
// them directly into its own JSON stdout payload.
const (
	CodeURLInvalid           = "E_URL_INVALID"
	CodeQueryInvalid         = "E_QUERY_INVALID"
	CodeTargetSessionUnknown = "E_TARGET_SESSION_UNKNOWN"
	CodeTargetNotFound       = "E_TARGET_NOT_FOUND"
	CodeCommandUnknown       = "E_COMMAND_UNKNOWN"
)

// envelope is the single deterministic JSON record every invocation writes
// to stdout (spec.md §6 "User-visible behavior").
type envelope struct {
	OK      bool        `json:"ok"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// shaped result types narrow themselves under the compact/proof projections
// (spec.md Glossary "Shape projection"); ok/code/message are never touched
// by projection, only the result payload.
type shaped interface {
	Compact() interface{}
	Proof() interface{}
}

// writeOK projects result through the request's OUTPUT_SHAPE override (full
// by default, or when result doesn't implement shaped) before writing the
// envelope.
func writeOK(ctx context.Context, w io.Writer, result interface{}) (int, error) {
	data, _ := json.Marshal(envelope{OK: true, Result: projectShape(ctx, result)})
	_, _ = w.Write(data)
	return 0, nil
}

func writeErr(w io.Writer, code, message string) (int, error) {
	data, _ := json.Marshal(envelope{OK: false, Code: code, Message: message})
	_, _ = w.Write(data)
	return 1, nil
}

// projectShape applies the request-scoped OUTPUT_SHAPE override to result.
// A result that doesn't implement shaped (or a request with no scope, e.g.
// a bypass-class command) always renders full.
func projectShape(ctx context.Context, result interface{}) interface{} {
	rc := reqcontext.FromContext(ctx)
	if rc == nil {
		return result
	}
	s, ok := result.(shaped)
	if !ok {
		return result
	}
	switch rc.OutputShape() {
	case reqcontext.ShapeCompact:
		return s.Compact()
	case reqcontext.ShapeProof:
		return s.Proof()
	default:
		return result
	}
}

// shortHash reduces s to the first 12 hex characters of its SHA-256 digest,
// the same truncation internal/lanekey uses for non-reversible identifiers
// — enough to prove two proof-shaped results came from identical content
// without carrying that content across the wire.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// BrowserHandler dispatches the "open" and "eval" commands against a leased
// session runtime; every other command head surfaces E_COMMAND_UNKNOWN.
type BrowserHandler struct {
	Pool           *runtimepool.Pool
	AcquireTimeout time.Duration
}

// Run implements Handler. argv is the normalized command, e.g.
// ["open", "--session", "s-1", "https://example.com"].
func (h *BrowserHandler) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return writeErr(stdout, CodeCommandUnknown, "empty command")
	}

	sessionID, cdpOrigin, rest := extractRuntimeFlags(argv[1:])
	params := runtimepool.AcquireParams{SessionID: sessionID, CDPOrigin: cdpOrigin, Timeout: h.AcquireTimeout}

	switch argv[0] {
	case "open":
		return h.runOpen(ctx, params, rest, stdout)
	case "eval":
		return h.runEval(ctx, params, rest, stdout)
	default:
		return writeErr(stdout, CodeCommandUnknown, fmt.Sprintf("unknown command %q", argv[0]))
	}
}

func (h *BrowserHandler) runOpen(ctx context.Context, params runtimepool.AcquireParams, args []string, stdout io.Writer) (int, error) {
	if len(args) == 0 {
		return writeErr(stdout, CodeURLInvalid, "open requires a url argument")
	}
	url := args[0]
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return writeErr(stdout, CodeURLInvalid, fmt.Sprintf("invalid url %q", url))
	}

	var result openResult

	err := h.Pool.WithLease(ctx, params, func(rt runtime.Runtime, pooled bool) error {
		page, err := runtime.NewStealthPage(rt)
		if err != nil {
			return err
		}
		if err := page.Context(ctx).Navigate(url); err != nil {
			return err
		}
		if err := page.Context(ctx).WaitLoad(); err != nil {
			return err
		}
		info, err := page.Info()
		if err != nil {
			return err
		}
		result.URL = url
		result.Title = info.Title
		return nil
	})
	if err != nil {
		return writeErr(stdout, CodeTargetNotFound, err.Error())
	}
	return writeOK(ctx, stdout, result)
}

// openResult is the "open" success payload. Compact drops the page title
// (often long and incidental to the caller); Proof drops it too but
// replaces it with a hash so a caller can still confirm two runs navigated
// to pages with identical titles without the title itself crossing the wire.
type openResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (r openResult) Compact() interface{} {
	return struct {
		URL string `json:"url"`
	}{URL: r.URL}
}

func (r openResult) Proof() interface{} {
	return struct {
		URL       string `json:"url"`
		TitleHash string `json:"title_hash"`
	}{URL: r.URL, TitleHash: shortHash(r.Title)}
}

func (h *BrowserHandler) runEval(ctx context.Context, params runtimepool.AcquireParams, args []string, stdout io.Writer) (int, error) {
	if len(args) == 0 {
		return writeErr(stdout, CodeQueryInvalid, "eval requires a javascript expression")
	}
	expr := args[0]

	var result evalResult
	err := h.Pool.WithLease(ctx, params, func(rt runtime.Runtime, pooled bool) error {
		pages, err := rt.Browser().Pages()
		if err != nil {
			return err
		}
		if len(pages) == 0 {
			return fmt.Errorf("no open page for session")
		}
		res, err := pages[0].Context(ctx).Eval(expr)
		if err != nil {
			return err
		}
		result.Value = res.Value
		return nil
	})
	if err != nil {
		return writeErr(stdout, CodeQueryInvalid, err.Error())
	}
	return writeOK(ctx, stdout, result)
}

// evalCompactMaxLen bounds the compact-shaped string rendering of an eval
// result, so a large returned object doesn't make "compact" larger than
// "full" would have been.
const evalCompactMaxLen = 500

// evalResult is the "eval" success payload: the raw CDP remote-object
// value. Compact renders it as a length-bounded string; Proof replaces it
// entirely with a hash of its JSON encoding.
type evalResult struct {
	Value gson.JSON `json:"value"`
}

func (r evalResult) Compact() interface{} {
	s := r.Value.Str()
	if len(s) > evalCompactMaxLen {
		s = s[:evalCompactMaxLen] + "…"
	}
	return struct {
		Value string `json:"value"`
	}{Value: s}
}

func (r evalResult) Proof() interface{} {
	raw, _ := json.Marshal(r.Value)
	return struct {
		ValueHash string `json:"value_hash"`
	}{ValueHash: shortHash(string(raw))}
}

// extractRuntimeFlags pulls --session/--cdp-origin out of a handler-local
// argv tail, returning the remaining positional arguments.
func extractRuntimeFlags(argv []string) (sessionID, cdpOrigin string, rest []string) {
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--session":
			if i+1 < len(argv) {
				sessionID = argv[i+1]
				i++
			}
		case "--cdp-origin", "--cdp-url", "--endpoint":
			if i+1 < len(argv) {
				cdpOrigin = argv[i+1]
				i++
			}
		default:
			rest = append(rest, argv[i])
		}
	}
	return sessionID, cdpOrigin, rest
}
