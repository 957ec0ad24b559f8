package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/errkind"
)

// clientFrame is anything a client may send: a request or a cancellation.
type clientFrame struct {
	ID     string         `json:"id"`
	Method string         `json:"method,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Cancel bool           `json:"cancel,omitempty"`
}

// responseFrame answers one request.
type responseFrame struct {
	ID     string      `json:"id"`
	Result any         `json:"result,omitempty"`
	Error  *frameError `json:"error,omitempty"`
}

// frameError is the wire form of a taxonomy error.
type frameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toFrameError(err error) *frameError {
	return &frameError{Kind: string(errkind.KindOf(err)), Message: err.Error()}
}

// connection tracks the in-flight requests of one client.
type connection struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]bool // client correlation ids with a live dispatch
}

// handleConnection runs one client's read loop until the socket closes. On
// close, every request opened from this connection is cancelled.
func (s *Server) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &connection{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		inflight: make(map[string]bool),
	}
	s.logger.Debug("Client connected", "connection", c.id)
	defer func() {
		// Cancelling ctx tears down every dispatch started from this
		// connection; the dispatcher resolves their handlers.
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("Client disconnected", "connection", c.id)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || !validShape(frame) {
			ferr := errkind.New(errkind.KindFramingError, "unrecognized frame shape")
			c.write(ctx, responseFrame{ID: frame.ID, Error: toFrameError(ferr)})
			_ = conn.Close(websocket.StatusPolicyViolation, "framing error")
			return
		}

		if frame.Cancel {
			s.dispatcher.Cancel(c.dispatchID(frame.ID))
			continue
		}
		c.serve(ctx, frame)
	}
}

// validShape accepts exactly the two legal frames: a request or a cancel.
func validShape(frame clientFrame) bool {
	if frame.ID == "" {
		return false
	}
	if frame.Cancel {
		return frame.Method == "" && frame.Params == nil
	}
	return frame.Method != ""
}

// dispatchID qualifies a client correlation id with the connection identity,
// so two clients reusing the same id cannot collide in the RPC table.
func (c *connection) dispatchID(clientID string) string {
	return c.id + ":" + clientID
}

// serve runs one request in its own goroutine and writes the response.
func (c *connection) serve(ctx context.Context, frame clientFrame) {
	c.mu.Lock()
	if c.inflight[frame.ID] {
		c.mu.Unlock()
		err := errkind.New(errkind.KindInvalidParams, "correlation id %q is already in flight on this connection", frame.ID)
		c.write(ctx, responseFrame{ID: frame.ID, Error: toFrameError(err)})
		return
	}
	c.inflight[frame.ID] = true
	c.mu.Unlock()

	go func() {
		result, err := c.server.dispatcher.Dispatch(ctx, c.dispatchID(frame.ID), frame.Method, frame.Params)

		c.mu.Lock()
		delete(c.inflight, frame.ID)
		c.mu.Unlock()

		response := responseFrame{ID: frame.ID}
		if err != nil {
			response.Error = toFrameError(err)
		} else {
			response.Result = result
		}
		c.write(ctx, response)
	}()
}

// write sends one frame, serialized across the response goroutines.
func (c *connection) write(ctx context.Context, frame responseFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Error("Could not encode response frame", "connection", c.id, "error", err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		c.server.logger.Debug("Dropped response to closed client", "connection", c.id, "error", err)
	}
}
