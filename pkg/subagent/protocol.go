package subagent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/errkind"
)

// MaxEnvelopeBytes caps one framed IPC message, newline included.
const MaxEnvelopeBytes = 1 << 20

// Message type constants, parent to child.
const (
	TypeInit      = "init"
	TypeTask      = "task"
	TypeShutdown  = "shutdown"
	TypeLLMResult = "llm_result"
)

// Message type constants, child to parent.
const (
	TypeReady          = "ready"
	TypeTaskResult     = "task_result"
	TypeLLMRequest     = "llm_request"
	TypeWorkspaceWrite = "workspace_write"
)

// Envelope is one framed IPC message: a JSON document on a single line.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload tells the child who it is.
type InitPayload struct {
	Role         Role         `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	MaxLifetime  string       `json:"maxLifetime"` // duration string
}

// TaskPayload carries one unit of work.
type TaskPayload struct {
	TaskID string          `json:"taskId"`
	Task   json.RawMessage `json:"task"`
}

// TaskResultPayload answers one task.
type TaskResultPayload struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// LLMRequestPayload asks the parent to proxy an LLM call; the child never
// holds credentials.
type LLMRequestPayload struct {
	ReqID    string                  `json:"reqId"`
	Messages []broker.Message        `json:"messages"`
	Params   broker.CompletionParams `json:"params"`
}

// LLMResultPayload answers an llm_request.
type LLMResultPayload struct {
	ReqID   string `json:"reqId"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkspaceWritePayload asks the parent to write a file inside the jail.
type WorkspaceWritePayload struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// ShutdownPayload is the child's exit report.
type ShutdownPayload struct {
	TaskCount int `json:"taskCount"`
}

// frameWriter serializes envelopes onto a stream, one JSON document per
// line. Safe for concurrent use.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) write(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(raw)+1 > MaxEnvelopeBytes {
		return errkind.New(errkind.KindMessageTooLarge, "envelope of %d bytes exceeds the %d byte cap", len(raw)+1, MaxEnvelopeBytes)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (fw *frameWriter) send(msgType, id string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		raw = encoded
	}
	return fw.write(Envelope{Type: msgType, ID: id, Payload: raw})
}

// frameReader parses newline-delimited envelopes, enforcing the size cap.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxEnvelopeBytes)
	return &frameReader{scanner: scanner}
}

// next returns the following envelope. io.EOF signals a clean end of
// stream; an over-cap line surfaces as message_too_large.
func (fr *frameReader) next() (Envelope, error) {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return Envelope{}, errkind.New(errkind.KindMessageTooLarge, "IPC message exceeds the %d byte cap", MaxEnvelopeBytes)
			}
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}
	var env Envelope
	if err := json.Unmarshal(fr.scanner.Bytes(), &env); err != nil {
		return Envelope{}, errkind.New(errkind.KindFramingError, "malformed IPC message: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, errkind.New(errkind.KindFramingError, "IPC message has no type")
	}
	return env, nil
}
