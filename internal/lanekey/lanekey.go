// Package lanekey implements the pure argv → lane key resolver (spec.md
// §3 "Lane key", §4.3). Lane keys must never carry user-supplied secrets;
// anything derived from an origin or query string is hashed first.
package lanekey

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Family classifies the command head that produced a lane key.
type Family string

const (
	FamilySessionAttach Family = "session.attach"
	FamilyOpen          Family = "open"
	FamilyRun           Family = "run"
	FamilyTarget        Family = "target"
	FamilyControl       Family = "control"
	FamilyOther         Family = "other"
)

// Source names which derivation rule produced the lane key (spec.md §4.3).
type Source string

const (
	SourceSessionID  Source = "sessionId"
	SourceCDPOrigin  Source = "cdpOrigin"
	SourceControl    Source = "control"
)

// Result is the output of Resolve.
type Result struct {
	LaneKey string
	Family  Family
	Source  Source
}

const controlLane = "control"

// globalOptionTokens are consumed elsewhere (by the dispatcher) and must be
// skipped, along with their argument, when scanning for the command head.
var globalOptionTokens = map[string]bool{
	"--agent-id":     true,
	"--workspace":    true,
	"--session":      true,
	"--output-shape": true,
	"--json":         false, // boolean flag, no argument consumed below
	"--no-json":      false,
	"--pretty":       false,
}

// booleanGlobalFlags take no argument.
var booleanGlobalFlags = map[string]bool{
	"--json":    true,
	"--no-json": true,
	"--pretty":  true,
}

var validSanitizedSegment = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Resolve maps raw argv to a lane key following the precedence in spec.md
// §3: explicit sessionId wins, then session.attach's CDP origin, then an
// open/run workspace profile or shared flag, else the control lane.
// Resolve is pure and deterministic: identical argv always yields an
// identical Result.
func Resolve(argv []string) Result {
	opts := scanGlobalOptions(argv)
	head, at := commandHead(argv)
	if head == "session" && at+1 < len(argv) && argv[at+1] == "attach" {
		// dispatch.NormalizeArgv has already rewritten session.attach.
		head = "session.attach"
	}
	family := classify(head)

	if opts.sessionID != "" {
		return Result{
			LaneKey: "session:" + sanitizeSegment(opts.sessionID),
			Family:  family,
			Source:  SourceSessionID,
		}
	}

	if family == FamilySessionAttach && opts.cdpOrigin != "" {
		return Result{
			LaneKey: "origin:" + hashOrigin(opts.cdpOrigin),
			Family:  family,
			Source:  SourceCDPOrigin,
		}
	}

	if family == FamilyOpen || family == FamilyRun {
		if opts.shared {
			return Result{LaneKey: "origin:shared", Family: family, Source: SourceControl}
		}
		if opts.profile != "" {
			return Result{
				LaneKey: "origin:profile:" + sanitizeSegment(opts.profile),
				Family:  family,
				Source:  SourceControl,
			}
		}
	}

	return Result{LaneKey: controlLane, Family: family, Source: SourceControl}
}

type scannedOptions struct {
	sessionID string
	cdpOrigin string
	profile   string
	shared    bool
}

// scanGlobalOptions extracts the lane-relevant option values from argv,
// ignoring tokens the dispatcher consumes elsewhere.
func scanGlobalOptions(argv []string) scannedOptions {
	var out scannedOptions
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		switch tok {
		case "--session":
			if i+1 < len(argv) {
				out.sessionID = argv[i+1]
				i++
			}
		case "--cdp-origin", "--cdp-url", "--endpoint":
			if i+1 < len(argv) {
				out.cdpOrigin = argv[i+1]
				i++
			}
		case "--profile", "--workspace-profile":
			if i+1 < len(argv) {
				out.profile = argv[i+1]
				i++
			}
		case "--shared":
			out.shared = true
		}
	}
	return out
}

// commandHead returns the first non-global-option token and its index, the
// argv position the lane resolver and dispatcher agree is "the command".
func commandHead(argv []string) (string, int) {
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if strings.HasPrefix(tok, "--") {
			if takesArg, known := globalOptionTokens[tok]; known && takesArg {
				i++
			} else if booleanGlobalFlags[tok] {
				// no argument to skip
			}
			continue
		}
		return tok, i
	}
	return "", -1
}

func classify(head string) Family {
	switch {
	case head == "" :
		return FamilyControl
	case strings.HasPrefix(head, "session.attach"), head == "attach":
		return FamilySessionAttach
	case head == "open":
		return FamilyOpen
	case head == "run":
		return FamilyRun
	case head == "target" || strings.HasPrefix(head, "target."):
		return FamilyTarget
	case head == "control":
		return FamilyControl
	default:
		return FamilyOther
	}
}

// sanitizeSegment strips characters a lane key must not carry verbatim
// (path separators, whitespace, quotes) so that a raw sessionId or profile
// name cannot smuggle structure into the key.
func sanitizeSegment(s string) string {
	return validSanitizedSegment.ReplaceAllString(s, "_")
}

// hashOrigin reduces a CDP endpoint origin to the first 12 hex characters
// of its SHA-256 digest — spec.md §4.3: "hash them (first 12 hex chars of
// SHA-256 are sufficient for lane diversity)".
func hashOrigin(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return hex.EncodeToString(sum[:])[:12]
}
