// Package runtime provides the default session runtime: an opaque CDP
// connection leased by the session runtime pool (spec.md §3 "session
// runtime entry", §9 "Ownership across the CLI/daemon boundary" — a
// runtime is an opaque resource with Close(), never a shared DevTools wire
// protocol detail).
package runtime

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// Runtime is the opaque handle a session runtime pool entry wraps. The
// DevTools wire protocol itself is out of scope (spec.md §1); callers only
// ever see Close() and the origin they connected to.
type Runtime interface {
	// Origin is the CDP endpoint origin this runtime is bound to.
	Origin() string
	// Browser exposes the underlying go-rod handle for command handlers.
	Browser() *rod.Browser
	// Close releases the underlying connection. Idempotent.
	Close() error
}

// Connector opens a new Runtime. internal/runtimepool calls Connect exactly
// once per warming cycle, collapsing concurrent callers onto the same call
// (spec.md §4.5 "no double-warm").
type Connector interface {
	Connect(ctx context.Context, cdpOrigin string) (Runtime, error)
}

// rodRuntime is the default Runtime, backed by a go-rod browser connection.
// Close sends the CDP close command; for a runtime this connector launched
// itself, that also tears down the underlying Chrome process.
type rodRuntime struct {
	origin  string
	browser *rod.Browser
}

func (r *rodRuntime) Origin() string        { return r.origin }
func (r *rodRuntime) Browser() *rod.Browser { return r.browser }

func (r *rodRuntime) Close() error {
	return r.browser.Close()
}

// RodConnector is the default Connector, grounded on the teacher's
// Pool.spawnBrowser/createLauncher: attach to an existing CDP origin when
// one is given, otherwise launch a local headless Chrome and attach to it.
type RodConnector struct {
	BrowserPath      string
	Headless         bool
	IgnoreCertErrors bool
}

func (c *RodConnector) Connect(ctx context.Context, cdpOrigin string) (Runtime, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if cdpOrigin != "" {
		browser := rod.New().ControlURL(cdpOrigin).Context(ctx)
		if err := browser.Connect(); err != nil {
			return nil, fmt.Errorf("attach to cdp origin %s: %w", cdpOrigin, err)
		}
		return &rodRuntime{origin: cdpOrigin, browser: browser}, nil
	}

	l := c.newLauncher()
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch local chrome: %w", err)
	}

	browser := rod.New().ControlURL(url).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to launched chrome: %w", err)
	}

	if c.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to set IgnoreCertErrors")
		}
	}

	return &rodRuntime{origin: url, browser: browser}, nil
}

// newLauncher builds a launcher.Launcher the way the teacher's
// Pool.createLauncher does: explicit binary path, headless mode, and the
// container security/anti-detection flag set.
func (c *RodConnector) newLauncher() *launcher.Launcher {
	l := launcher.New()
	if c.BrowserPath != "" {
		l = l.Bin(c.BrowserPath)
	}
	if c.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")
	return l
}

// NewStealthPage opens a page on the runtime's browser with the go-rod
// stealth anti-detection script injected, grounded on the teacher's
// createLauncher anti-detection posture. Used by the default `open` command
// handler before the first navigation on a fresh runtime.
func NewStealthPage(r Runtime) (*rod.Page, error) {
	page, err := stealth.Page(r.Browser())
	if err != nil {
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	return page, nil
}
