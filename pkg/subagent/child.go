package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/errkind"
)

// TaskHandler executes one task inside a child process. The handler may use
// the Child to reach the parent-proxied LLM and workspace.
type TaskHandler func(ctx context.Context, child *Child, task json.RawMessage) (any, error)

// Child is the worker side of the IPC protocol. It reads parent frames from
// in, answers on out, and runs tasks through the configured handler.
type Child struct {
	reader  *frameReader
	writer  *frameWriter
	handler TaskHandler

	mu         sync.Mutex
	role       Role
	caps       []Capability
	taskCount  int
	llmWaiters map[string]chan LLMResultPayload
}

// NewChild wires a child over the given streams, normally stdin/stdout.
func NewChild(in io.Reader, out io.Writer, handler TaskHandler) *Child {
	return &Child{
		reader:     newFrameReader(in),
		writer:     newFrameWriter(out),
		handler:    handler,
		llmWaiters: make(map[string]chan LLMResultPayload),
	}
}

// Role returns the role assigned by init; empty before init arrives.
func (c *Child) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Has reports whether the parent granted capability in init.
func (c *Child) Has(capability Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, granted := range c.caps {
		if granted == capability {
			return true
		}
	}
	return false
}

// Run processes parent messages until shutdown or stream end. A shutdown
// message is acknowledged with the task count before returning.
func (c *Child) Run(ctx context.Context) error {
	for {
		env, err := c.reader.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch env.Type {
		case TypeInit:
			var payload InitPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return errkind.Wrap(errkind.KindFramingError, fmt.Errorf("decode init: %w", err))
			}
			c.mu.Lock()
			c.role = payload.Role
			c.caps = payload.Capabilities
			c.mu.Unlock()
			if err := c.writer.send(TypeReady, "", nil); err != nil {
				return err
			}

		case TypeTask:
			var payload TaskPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				return errkind.Wrap(errkind.KindFramingError, fmt.Errorf("decode task: %w", err))
			}
			// Tasks run off the read loop so llm_result frames can still be
			// consumed while a task is waiting on the parent.
			go c.runTask(ctx, payload)

		case TypeLLMResult:
			var payload LLMResultPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				continue
			}
			c.mu.Lock()
			waiter := c.llmWaiters[payload.ReqID]
			delete(c.llmWaiters, payload.ReqID)
			c.mu.Unlock()
			if waiter != nil {
				waiter <- payload
			}

		case TypeShutdown:
			c.mu.Lock()
			count := c.taskCount
			c.mu.Unlock()
			_ = c.writer.send(TypeShutdown, "", ShutdownPayload{TaskCount: count})
			return nil
		}
	}
}

func (c *Child) runTask(ctx context.Context, payload TaskPayload) {
	result := TaskResultPayload{TaskID: payload.TaskID}
	value, err := c.handler(ctx, c, payload.Task)
	if err != nil {
		result.Error = err.Error()
	} else if value != nil {
		encoded, encErr := json.Marshal(value)
		if encErr != nil {
			result.Error = encErr.Error()
		} else {
			result.Result = encoded
		}
	}

	c.mu.Lock()
	c.taskCount++
	c.mu.Unlock()
	_ = c.writer.send(TypeTaskResult, payload.TaskID, result)
}

// LLM asks the parent to run a completion with its credentials.
func (c *Child) LLM(ctx context.Context, messages []broker.Message, params broker.CompletionParams) (string, error) {
	reqID := uuid.NewString()
	waiter := make(chan LLMResultPayload, 1)
	c.mu.Lock()
	c.llmWaiters[reqID] = waiter
	c.mu.Unlock()

	err := c.writer.send(TypeLLMRequest, reqID, LLMRequestPayload{
		ReqID:    reqID,
		Messages: messages,
		Params:   params,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.llmWaiters, reqID)
		c.mu.Unlock()
		return "", err
	}

	select {
	case result := <-waiter:
		if result.Error != "" {
			return "", errkind.New(errkind.KindInternal, "llm request failed: %s", result.Error)
		}
		return result.Content, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.llmWaiters, reqID)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// WriteWorkspace asks the parent to write a file inside the jail. The parent
// never answers; a disallowed write is dropped there.
func (c *Child) WriteWorkspace(path string, content []byte) error {
	return c.writer.send(TypeWorkspaceWrite, "", WorkspaceWritePayload{Path: path, Content: content})
}
