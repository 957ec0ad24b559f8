package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/errkind"
)

func startGateway(t *testing.T, d *dispatch.Dispatcher) *Server {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0"}, d)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dialGateway(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readResponse(t *testing.T, conn *websocket.Conn) responseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame responseFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func newChatDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New()
	require.NoError(t, d.Register("chat", dispatch.Schema{"message": {Type: dispatch.TypeString}}, time.Second,
		func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"content": "hi"}, nil
		}))
	return d
}

func TestChatRoundTripAndIDReuse(t *testing.T) {
	s := startGateway(t, newChatDispatcher(t))
	conn := dialGateway(t, s)

	sendJSON(t, conn, map[string]any{"id": "r1", "method": "chat", "params": map[string]any{"message": "hello"}})
	frame := readResponse(t, conn)
	assert.Equal(t, "r1", frame.ID)
	require.Nil(t, frame.Error)
	result, ok := frame.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", result["content"])

	// r1 completed, so the id is free again.
	sendJSON(t, conn, map[string]any{"id": "r1", "method": "chat", "params": map[string]any{"message": "again"}})
	frame = readResponse(t, conn)
	assert.Equal(t, "r1", frame.ID)
	assert.Nil(t, frame.Error)
}

func TestUnknownMethodError(t *testing.T) {
	s := startGateway(t, newChatDispatcher(t))
	conn := dialGateway(t, s)

	sendJSON(t, conn, map[string]any{"id": "r1", "method": "bogus", "params": map[string]any{}})
	frame := readResponse(t, conn)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(errkind.KindUnknownMethod), frame.Error.Kind)
}

func TestClientCancellation(t *testing.T) {
	d := dispatch.New()
	started := make(chan struct{})
	require.NoError(t, d.Register("hang", nil, time.Minute, func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s := startGateway(t, d)
	conn := dialGateway(t, s)

	sendJSON(t, conn, map[string]any{"id": "r1", "method": "hang", "params": map[string]any{}})
	<-started
	sendJSON(t, conn, map[string]any{"id": "r1", "cancel": true})

	frame := readResponse(t, conn)
	assert.Equal(t, "r1", frame.ID)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(errkind.KindCancelled), frame.Error.Kind)
}

func TestFramingErrorClosesConnection(t *testing.T) {
	s := startGateway(t, newChatDispatcher(t))
	conn := dialGateway(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"no":"shape"}`)))

	frame := readResponse(t, conn)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(errkind.KindFramingError), frame.Error.Kind)

	// The server closes after a framing error.
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestConcurrentRequestsMultiplex(t *testing.T) {
	d := dispatch.New()
	require.NoError(t, d.Register("echo", nil, time.Second, func(_ context.Context, params map[string]any) (any, error) {
		return params["n"], nil
	}))
	s := startGateway(t, d)
	conn := dialGateway(t, s)

	const requests = 5
	for i := range requests {
		sendJSON(t, conn, map[string]any{
			"id": fmt.Sprintf("r%d", i), "method": "echo", "params": map[string]any{"n": float64(i)},
		})
	}

	got := make(map[string]float64, requests)
	for range requests {
		frame := readResponse(t, conn)
		require.Nil(t, frame.Error)
		got[frame.ID] = frame.Result.(float64)
	}
	for i := range requests {
		assert.Equal(t, float64(i), got[fmt.Sprintf("r%d", i)])
	}
}

func TestDuplicateLiveIDRejected(t *testing.T) {
	d := dispatch.New()
	started := make(chan struct{}, 2)
	require.NoError(t, d.Register("hang", nil, time.Minute, func(ctx context.Context, _ map[string]any) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s := startGateway(t, d)
	conn := dialGateway(t, s)

	sendJSON(t, conn, map[string]any{"id": "r1", "method": "hang", "params": map[string]any{}})
	<-started
	sendJSON(t, conn, map[string]any{"id": "r1", "method": "hang", "params": map[string]any{}})

	frame := readResponse(t, conn)
	assert.Equal(t, "r1", frame.ID)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(errkind.KindInvalidParams), frame.Error.Kind)
}

func TestHealthEndpoint(t *testing.T) {
	s := startGateway(t, newChatDispatcher(t))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
