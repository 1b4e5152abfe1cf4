package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/surfwright/surfwright/internal/errs"
)

// RunResult is the client-observed outcome of a run request.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Client is a one-shot connection to a daemon worker: one request, one
// response (stream), then close (spec.md §4.6).
type Client struct {
	Addr        string
	Token       string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Ping sends `{kind:"ping"}` and reports whether the daemon replied pong.
func (c *Client) Ping() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}
	defer conn.Close()

	if err := c.send(conn, Request{Token: c.Token, Kind: KindPing}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}

	env, err := c.readOne(conn)
	if err != nil {
		return err
	}
	if !env.OK {
		return typedFailureFrom(env)
	}
	return nil
}

// Shutdown sends `{kind:"shutdown"}`.
func (c *Client) Shutdown() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}
	defer conn.Close()

	if err := c.send(conn, Request{Token: c.Token, Kind: KindShutdown}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}

	env, err := c.readOne(conn)
	if err != nil {
		return err
	}
	if !env.OK {
		return typedFailureFrom(env)
	}
	return nil
}

// Run sends `{kind:"run", argv}` and collects the streamed chunks until
// run_end or a typed failure.
func (c *Client) Run(argv []string) (*RunResult, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}
	defer conn.Close()

	if err := c.send(conn, Request{Token: c.Token, Kind: KindRun, Argv: argv}); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}

	result := &RunResult{}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	if c.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}

	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrRequestInvalid, err)
		}
		if !env.OK {
			return nil, typedFailureFrom(env)
		}
		switch env.Kind {
		case KindRunChunk:
			if env.Stream == StreamStderr {
				result.Stderr = append(result.Stderr, env.Data...)
			} else {
				result.Stdout = append(result.Stdout, env.Data...)
			}
		case KindRunEnd:
			result.ExitCode = env.Code
			return result, nil
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, errs.ErrUnreachable
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrUnreachable, err)
	}
	return nil, errs.ErrUnreachable
}

func (c *Client) dial() (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return net.DialTimeout("tcp", c.Addr, timeout)
}

func (c *Client) send(conn net.Conn, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func (c *Client) readOne(conn net.Conn) (*Envelope, error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	if c.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	if !scanner.Scan() {
		if errors.Is(scanner.Err(), bufio.ErrTooLong) {
			return nil, errs.ErrUnreachable
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrUnreachable, scanner.Err())
	}
	var env Envelope
	if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRequestInvalid, err)
	}
	return &env, nil
}

// typedError carries a wire-level typed failure code+message back to the
// client proxy for direct surfacing (spec.md §7 "surfaced directly").
type typedError struct {
	Code    string
	Message string
}

func (e *typedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func typedFailureFrom(env *Envelope) error {
	return &typedError{Code: env.CodeStr, Message: env.Message}
}

// FailureCode extracts the wire-level code from an error returned by Ping,
// Shutdown, or Run, for callers (the client proxy's retry loop) that need to
// branch on it without depending on this package's unexported error type.
func FailureCode(err error) (code string, ok bool) {
	var te *typedError
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}
