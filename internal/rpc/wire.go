// Package rpc implements the line-framed JSON transport (spec.md §4.6):
// exactly one request per localhost TCP connection, a 4 MiB line cap, and
// UTF-8-safe chunked run streaming.
package rpc

import "encoding/json"

// MaxLineBytes is the hard cap on any single wire line (spec.md §3, §4.6).
const MaxLineBytes = 4 * 1024 * 1024

// MaxChunkBytes bounds a single run_chunk payload (spec.md §4.6).
const MaxChunkBytes = 64 * 1024

// Kind is a request or response frame discriminator.
type Kind string

const (
	KindPing     Kind = "ping"
	KindShutdown Kind = "shutdown"
	KindRun      Kind = "run"

	KindPong     Kind = "pong"
	KindRunChunk Kind = "run_chunk"
	KindRunEnd   Kind = "run_end"
)

// Stream names a run_chunk's origin stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Request is the single wire-frame request (spec.md §3 "Wire frames").
type Request struct {
	Token string   `json:"token"`
	Kind  Kind     `json:"kind"`
	Argv  []string `json:"argv,omitempty"`
}

// Envelope decodes any single response line regardless of kind. Numeric
// Code is populated only for run_end; string CodeStr is populated only for
// a typed failure — callers branch on OK and Kind first.
type Envelope struct {
	OK      bool   `json:"ok"`
	Kind    Kind   `json:"kind,omitempty"`
	Stream  Stream `json:"stream,omitempty"`
	Data    string `json:"data,omitempty"`
	Code    int    `json:"-"`
	CodeStr string `json:"-"`
	Message string `json:"-"`
}

// UnmarshalJSON accepts both the run_end numeric `code` and the failure
// string `code` by decoding into a permissive shadow type first.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var shadow struct {
		OK      bool            `json:"ok"`
		Kind    Kind            `json:"kind,omitempty"`
		Stream  Stream          `json:"stream,omitempty"`
		Data    string          `json:"data,omitempty"`
		Code    json.RawMessage `json:"code,omitempty"`
		Message string          `json:"message,omitempty"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	e.OK, e.Kind, e.Stream, e.Data, e.Message = shadow.OK, shadow.Kind, shadow.Stream, shadow.Data, shadow.Message
	if len(shadow.Code) == 0 {
		return nil
	}
	if err := json.Unmarshal(shadow.Code, &e.Code); err == nil {
		return nil
	}
	return json.Unmarshal(shadow.Code, &e.CodeStr)
}

// pongResponse is `{ok:true, kind:"pong"}`.
func pongResponse() json.RawMessage {
	b, _ := json.Marshal(struct {
		OK   bool `json:"ok"`
		Kind Kind `json:"kind"`
	}{true, KindPong})
	return b
}

// shutdownResponse is `{ok:true, kind:"shutdown"}`.
func shutdownResponse() json.RawMessage {
	b, _ := json.Marshal(struct {
		OK   bool `json:"ok"`
		Kind Kind `json:"kind"`
	}{true, KindShutdown})
	return b
}

// runChunkResponse is `{ok:true, kind:"run_chunk", stream, data}`.
func runChunkResponse(stream Stream, data string) json.RawMessage {
	b, _ := json.Marshal(struct {
		OK     bool   `json:"ok"`
		Kind   Kind   `json:"kind"`
		Stream Stream `json:"stream"`
		Data   string `json:"data"`
	}{true, KindRunChunk, stream, data})
	return b
}

// runEndResponse is `{ok:true, kind:"run_end", code}`.
func runEndResponse(exitCode int) json.RawMessage {
	b, _ := json.Marshal(struct {
		OK   bool `json:"ok"`
		Kind Kind `json:"kind"`
		Code int  `json:"code"`
	}{true, KindRunEnd, exitCode})
	return b
}

// FailureResponse is `{ok:false, code, message, retryable?, phase?, recovery?, hints?, hintContext?}`.
type FailureResponse struct {
	OK          bool              `json:"ok"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Retryable   bool              `json:"retryable,omitempty"`
	Phase       string            `json:"phase,omitempty"`
	Recovery    string            `json:"recovery,omitempty"`
	Hints       []string          `json:"hints,omitempty"`
	HintContext map[string]string `json:"hintContext,omitempty"`
}

func newFailure(code, message string) json.RawMessage {
	b, _ := json.Marshal(FailureResponse{OK: false, Code: code, Message: message})
	return b
}
