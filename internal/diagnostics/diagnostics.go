// Package diagnostics implements the daemon worker's best-effort ndjson
// event and metric sink (spec.md §4.7 "Diagnostics"): writes never block
// or propagate errors into the command path. Fields are written as given:
// callers pass session ids through HashSessionID first, so raw session ids
// and tokens never reach the files.
package diagnostics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Result is the outcome classification of a dispatched request.
type Result string

const (
	ResultSuccess     Result = "success"
	ResultTypedError  Result = "typed_error"
	ResultTimeout     Result = "timeout"
	ResultUnreachable Result = "unreachable"
	ResultCancelled   Result = "cancelled"
)

// Event is one per-request diagnostics line, emitted only when debug
// logging is enabled (spec.md §4.7).
type Event struct {
	Time          time.Time `json:"time"`
	RequestID     string    `json:"requestId"`
	HashedSession string    `json:"hashedSession,omitempty"`
	LaneScope     string    `json:"laneScope"`
	CommandPath   string    `json:"commandPath"`
	Result        Result    `json:"result"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	DurationMs    float64   `json:"durationMs"`
}

// Metric is one emitted sample of a named gauge/histogram observation.
type Metric struct {
	Time  time.Time         `json:"time"`
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// Sink writes diagnostics ndjson files under a namespace root (spec.md §6
// "Persisted state layout": diagnostics/daemon.ndjson, diagnostics/daemon.metrics.ndjson).
type Sink struct {
	debugEnabled bool

	mu         sync.Mutex
	eventsFile *os.File
	metricFile *os.File
}

// New opens (creating as needed) the diagnostics files under namespaceRoot.
// Failure to open either file degrades to a no-op sink — diagnostics are
// best-effort and must never block the command path.
func New(namespaceRoot string, debugEnabled bool) *Sink {
	s := &Sink{debugEnabled: debugEnabled}

	dir := filepath.Join(namespaceRoot, "diagnostics")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Msg("diagnostics directory unavailable, disabling sink")
		return s
	}

	if debugEnabled {
		f, err := os.OpenFile(filepath.Join(dir, "daemon.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Warn().Err(err).Msg("could not open daemon.ndjson, event diagnostics disabled")
		} else {
			s.eventsFile = f
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, "daemon.metrics.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Warn().Err(err).Msg("could not open daemon.metrics.ndjson, metric diagnostics disabled")
	} else {
		s.metricFile = f
	}

	return s
}

// Close releases the underlying files.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile != nil {
		_ = s.eventsFile.Close()
	}
	if s.metricFile != nil {
		_ = s.metricFile.Close()
	}
}

// NewRequestID returns a fresh random request id (spec.md §4.7 "a random
// request id").
func NewRequestID() string {
	return uuid.NewString()
}

// HashSessionID hashes a session id for diagnostics so raw ids never leave
// this package (spec.md §4.7 "Session ids ... must never appear in
// diagnostics output").
func HashSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:12]
}

// EmitEvent writes one request event line, silently doing nothing if the
// sink is disabled or debug logging is off.
func (s *Sink) EmitEvent(ev Event) {
	if s == nil || !s.debugEnabled {
		return
	}
	ev.Time = now()
	s.writeLine(s.eventsFile, ev)
}

// EmitMetric writes one metric sample line.
func (s *Sink) EmitMetric(name string, value float64, tags map[string]string) {
	if s == nil {
		return
	}
	s.writeLine(s.metricFile, Metric{Time: now(), Name: name, Value: value, Tags: tags})
}

func (s *Sink) writeLine(f *os.File, v interface{}) {
	if f == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = f.Write(append(data, '\n'))
}

// now is indirected so tests can exercise deterministic timestamps without
// touching the package's public surface.
var now = time.Now
