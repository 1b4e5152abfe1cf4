// Package dispatch normalizes CLI argv and classifies it for daemon bypass
// (spec.md §4.11, §6 "CLI surface"): dot-alias rewrite, leading "--"
// stripping, and recognition of the command classes that never touch the
// daemon at all.
package dispatch

import "strings"

// BypassClass names a reason a command never reaches the daemon (spec.md
// §4.8 step 3: "Recognize bypass classes and execute locally").
type BypassClass string

const (
	// BypassNone means the command is a normal daemon-eligible invocation.
	BypassNone BypassClass = ""
	// BypassInternalWorker is a hidden subcommand the process re-execs
	// itself into (__daemon-worker, __network-worker).
	BypassInternalWorker BypassClass = "internal-worker"
	// BypassContractOnly is a command answered entirely from static
	// process state (version, help) with no browser/session involvement.
	BypassContractOnly BypassClass = "contract-only"
	// BypassStreaming is a long-lived streaming command that a
	// one-request-per-connection RPC transport cannot carry.
	BypassStreaming BypassClass = "streaming"
	// BypassSkill resolves operator-relative paths before any session
	// work, which only makes sense in the invoking process.
	BypassSkill BypassClass = "skill"
	// BypassPlanStdin is "run --plan -", which reads stdin in the
	// invoking process.
	BypassPlanStdin BypassClass = "run-plan-stdin"
)

// internalWorkerHeads are the hidden subcommands a process re-execs itself
// into; these never go anywhere near the RPC client.
var internalWorkerHeads = map[string]bool{
	"__daemon-worker":  true,
	"__network-worker": true,
}

// contractOnlyHeads are answered from static process state.
var contractOnlyHeads = map[string]bool{
	"version": true,
	"help":    true,
}

// streamingHeads hold a connection open indefinitely, incompatible with the
// RPC transport's one-request-per-connection contract (spec.md §4.6).
var streamingHeads = map[string]bool{
	"console-tail": true,
	"network-tail": true,
}

// knownCommandIDs is the registry the dot-alias rewrite matches against
// (spec.md §6 "any token of the form a.b.c matching a known command id").
// Out-of-core-scope command implementations (spec.md §1) still need their
// ids registered here so the rewrite can recognize them.
var knownCommandIDs = map[string]bool{
	"session.attach":  true,
	"session.create":  true,
	"session.destroy": true,
	"open":            true,
	"run":             true,
	"target.list":     true,
	"target.activate": true,
	"network.enable":  true,
	"network.disable": true,
	"skill.run":       true,
}

// globalOptionTokens are consumed before the command head and must be
// skipped (along with their argument) by both the dot-alias rewrite and
// the bypass classifier, mirroring internal/lanekey's scan.
var globalOptionTokens = map[string]bool{
	"--agent-id":     true,
	"--workspace":    true,
	"--session":      true,
	"--output-shape": true,
}

var booleanGlobalFlags = map[string]bool{
	"--json":    true,
	"--no-json": true,
	"--pretty":  true,
}

// NormalizeArgv applies spec.md §6's two rewrite rules in order: dot-alias
// rewrite (after global option tokens are consumed), then stripping of a
// single leading "--" separator. The input is never mutated.
func NormalizeArgv(argv []string) []string {
	out := make([]string, 0, len(argv))
	rewrote := false
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if !rewrote && !booleanGlobalFlags[tok] && globalOptionTokens[tok] {
			out = append(out, tok)
			if i+1 < len(argv) {
				out = append(out, argv[i+1])
				i++
			}
			continue
		}
		if !rewrote && booleanGlobalFlags[tok] {
			out = append(out, tok)
			continue
		}
		if !rewrote && strings.Contains(tok, ".") && knownCommandIDs[tok] {
			out = append(out, strings.Split(tok, ".")...)
			rewrote = true
			continue
		}
		rewrote = true
		out = append(out, tok)
	}
	return stripLeadingSeparator(out)
}

// GlobalOptions holds the global option values scanned out of argv, before
// or after the command head (spec.md §6 "Global options"), for callers that need the
// values themselves rather than just skipping past them.
type GlobalOptions struct {
	AgentID     string
	Workspace   string
	Session     string
	OutputShape string
}

// ScanGlobalOptions extracts global option values from argv, the same scan
// commandHead uses to skip past them — mirroring internal/lanekey's own
// scanGlobalOptions.
func ScanGlobalOptions(argv []string) GlobalOptions {
	var out GlobalOptions
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--agent-id":
			if i+1 < len(argv) {
				out.AgentID = argv[i+1]
				i++
			}
		case "--workspace":
			if i+1 < len(argv) {
				out.Workspace = argv[i+1]
				i++
			}
		case "--session":
			if i+1 < len(argv) {
				out.Session = argv[i+1]
				i++
			}
		case "--output-shape":
			if i+1 < len(argv) {
				out.OutputShape = argv[i+1]
				i++
			}
		}
	}
	return out
}

func stripLeadingSeparator(argv []string) []string {
	if len(argv) > 0 && argv[0] == "--" {
		return argv[1:]
	}
	return argv
}

// ClassifyBypass inspects normalized argv for a command head that never
// reaches the daemon (spec.md §4.8 step 3). argv must already be
// normalized via NormalizeArgv.
func ClassifyBypass(argv []string) BypassClass {
	head, rest := commandHead(argv)
	if head == "" {
		return BypassNone
	}

	if internalWorkerHeads[head] {
		return BypassInternalWorker
	}
	if contractOnlyHeads[head] {
		return BypassContractOnly
	}
	if streamingHeads[head] {
		return BypassStreaming
	}
	if head == "skill" {
		return BypassSkill
	}
	if head == "run" && hasPlanStdin(rest) {
		return BypassPlanStdin
	}
	return BypassNone
}

func commandHead(argv []string) (head string, rest []string) {
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if booleanGlobalFlags[tok] {
			continue
		}
		if globalOptionTokens[tok] {
			i++
			continue
		}
		return tok, argv[i+1:]
	}
	return "", nil
}

func hasPlanStdin(rest []string) bool {
	for i, tok := range rest {
		if tok == "--plan" && i+1 < len(rest) && rest[i+1] == "-" {
			return true
		}
	}
	return false
}
