package rpc

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/surfwright/surfwright/internal/errs"
)

// DefaultMaxConns bounds concurrent in-flight connections on a Server's
// listener when no explicit limit is configured. One request holds one
// connection open for its whole lifetime (spec.md §4.6), so this also
// bounds how many Run requests can be mid-flight at once at the transport
// layer, on top of whatever the lane scheduler itself admits.
const DefaultMaxConns = 256

// Handler services the two request kinds that reach the daemon worker
// (ping is answered by the server itself once the token checks out).
type Handler interface {
	// HandleRun executes argv, writing chunked output to stdout/stderr, and
	// returns the process-style exit code. A non-nil error here is a
	// transport/scheduler failure (queue pressure, internal) — never a
	// handler-originated typed failure, which the handler writes as JSON
	// into stdout itself (spec.md §4.7).
	HandleRun(ctx context.Context, argv []string, stdout, stderr io.Writer) (exitCode int, err error)
	// HandleShutdown is invoked for a shutdown request, before the server
	// replies and begins draining.
	HandleShutdown()
}

// Server is the line-framed JSON RPC listener (spec.md §4.6).
type Server struct {
	token    string
	handler  Handler
	MaxConns int

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

// NewServer builds a Server bound to the given shared-secret token, with
// MaxConns defaulted to DefaultMaxConns (override the field directly for a
// different bound before calling Serve).
func NewServer(token string, handler Handler) *Server {
	return &Server{
		token:    token,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
		MaxConns: DefaultMaxConns,
	}
}

// ActiveConnCount reports the number of connections currently being served.
func (s *Server) ActiveConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts connections from ln until ctx is cancelled or ln closes.
// Each connection is handled on its own goroutine and serves exactly one
// request (spec.md §4.6: "exactly one request per connection").
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.MaxConns)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if s.isDraining() {
				return nil
			}
			return err
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown marks the server as draining, waits up to grace for every
// tracked connection to finish, then force-closes whatever is still open.
// Connections that have not yet sent a request are not told apart from
// in-flight ones: they are waited on too, not closed at once.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.draining = true
	remaining := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()

	if len(remaining) == 0 {
		return
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.ActiveConnCount() == 0 {
			return
		}
		select {
		case <-deadline.C:
			s.mu.Lock()
			for c := range s.conns {
				log.Warn().Msg("force-closing connection past shutdown grace period")
				_ = c.Close()
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	if !scanner.Scan() {
		if errors.Is(scanner.Err(), bufio.ErrTooLong) {
			log.Warn().Msg("oversized request line, destroying connection")
		}
		return
	}
	line := scanner.Bytes()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeFailure(conn, errs.CodeRequestInvalid, "malformed request frame")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.token)) != 1 {
		s.writeFailure(conn, errs.CodeTokenInvalid, "token mismatch")
		return
	}

	switch req.Kind {
	case KindPing:
		s.writeLine(conn, pongResponse())
	case KindShutdown:
		s.handler.HandleShutdown()
		s.writeLine(conn, shutdownResponse())
	case KindRun:
		s.handleRun(ctx, conn, req.Argv)
	default:
		s.writeFailure(conn, errs.CodeRequestInvalid, "unknown request kind")
	}
}

func (s *Server) handleRun(ctx context.Context, conn net.Conn, argv []string) {
	stdout := &streamWriter{conn: conn, stream: StreamStdout}
	stderr := &streamWriter{conn: conn, stream: StreamStderr}

	exitCode, err := s.handler.HandleRun(ctx, argv, stdout, stderr)
	if err != nil {
		code := errs.CodeOf(err)
		s.writeFailure(conn, code, err.Error())
		return
	}

	s.writeLine(conn, runEndResponse(exitCode))
}

func (s *Server) writeFailure(conn net.Conn, code errs.Code, message string) {
	s.writeLine(conn, newFailure(string(code), message))
}

func (s *Server) writeLine(conn net.Conn, payload json.RawMessage) {
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		log.Debug().Err(err).Msg("write response line failed")
	}
}

// streamWriter chunks bytes written to it into UTF-8-safe run_chunk frames
// (spec.md §4.6: "≤ 64 KiB per chunk, never splitting a UTF-8 code point").
type streamWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	stream Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, chunk := range splitUTF8Safe(p, MaxChunkBytes) {
		if _, err := w.conn.Write(append(runChunkResponse(w.stream, string(chunk)), '\n')); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// splitUTF8Safe splits data into chunks of at most maxBytes, never cutting
// inside a multi-byte UTF-8 code point.
func splitUTF8Safe(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(data) > maxBytes {
		end := maxBytes
		for end > 0 && isUTF8Continuation(data[end]) {
			end--
		}
		if end == 0 {
			end = maxBytes
		}
		chunks = append(chunks, data[:end])
		data = data[end:]
	}
	return append(chunks, data)
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}
