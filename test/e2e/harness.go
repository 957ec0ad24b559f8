// Package e2e wires the full runtime stack — gateway, dispatcher, services,
// chat session, approval manager, queue — against scripted collaborators and
// drives it through the WebSocket client surface.
package e2e

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/approval"
	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/chat"
	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/gateway"
	"github.com/sentience-labs/warden/pkg/kvstore"
	"github.com/sentience-labs/warden/pkg/queue"
	"github.com/sentience-labs/warden/pkg/services"
)

// ScriptedLLM pops canned completions in order and records every request.
type ScriptedLLM struct {
	mu      sync.Mutex
	calls   []broker.CompletionRequest
	replies []string
}

// Add appends replies to the script.
func (l *ScriptedLLM) Add(replies ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies = append(l.replies, replies...)
}

func (l *ScriptedLLM) LLMComplete(_ context.Context, req broker.CompletionRequest) (*broker.CompletionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, req)
	if len(l.replies) == 0 {
		return &broker.CompletionResult{Content: "ok"}, nil
	}
	reply := l.replies[0]
	l.replies = l.replies[1:]
	return &broker.CompletionResult{Content: reply}, nil
}

// Calls returns a copy of the recorded requests.
func (l *ScriptedLLM) Calls() []broker.CompletionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]broker.CompletionRequest, len(l.calls))
	copy(out, l.calls)
	return out
}

// FakeChain records submissions and answers balances.
type FakeChain struct {
	mu        sync.Mutex
	submitted []*services.PreparedTx
}

func (f *FakeChain) PrepareSend(_ context.Context, to, amount, token string) (*services.PreparedTx, error) {
	return &services.PreparedTx{To: to, Value: big.NewInt(1000), Data: []byte("send:" + amount + token), Chain: "base"}, nil
}

func (f *FakeChain) PrepareSwap(_ context.Context, from, to, amount string) (*services.PreparedTx, error) {
	return &services.PreparedTx{To: "0xrouter", Value: big.NewInt(0), Data: []byte("swap"), Chain: "base"}, nil
}

func (f *FakeChain) PrepareDeploy(_ context.Context, req services.DeployRequest) (*services.PreparedTx, error) {
	return &services.PreparedTx{To: "0xfactory", Value: big.NewInt(0), Data: []byte("deploy:" + req.Template), Chain: "base"}, nil
}

func (f *FakeChain) Submit(_ context.Context, tx *services.PreparedTx, _ string) (*services.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	return &services.SubmitResult{TxHash: "0xe2ehash", Address: "0xe2edeployed"}, nil
}

func (f *FakeChain) Balance(_ context.Context, _, _ string) (string, error) {
	return "1.0 ETH", nil
}

func (f *FakeChain) Portfolio(_ context.Context, _ string) (map[string]any, error) {
	return map[string]any{"ETH": "1.0"}, nil
}

// SubmittedCount returns how many transactions reached the chain.
func (f *FakeChain) SubmittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// FakeSigner signs everything with a fixed signature.
type FakeSigner struct{}

func (FakeSigner) Address(context.Context) (string, error) { return "0xwarden", nil }
func (FakeSigner) SignMessage(context.Context, []byte) (string, error) {
	return "0xsignature", nil
}
func (FakeSigner) SignTypedData(context.Context, broker.SignTypedDataRequest) (string, error) {
	return "0xsignature", nil
}

// FakeSocial records posts.
type FakeSocial struct {
	mu    sync.Mutex
	posts []string
}

func (f *FakeSocial) Post(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return "post-e2e", nil
}

// Posts returns a copy of the published texts.
func (f *FakeSocial) Posts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.posts))
	copy(out, f.posts)
	return out
}

// App is one fully wired runtime instance on a loopback gateway.
type App struct {
	LLM        *ScriptedLLM
	Bus        *bus.Bus
	Store      kvstore.Store
	Chain      *FakeChain
	Social     *FakeSocial
	Session    *chat.Session
	Dispatcher *dispatch.Dispatcher
	Gateway    *gateway.Server
	Poller     *queue.Poller
}

// NewApp wires the stack the way cmd/warden does, with scripted externals.
// The approval manager auto-approves small transactions to whitelisted
// targets and has no owner sink.
func NewApp(t *testing.T) *App {
	t.Helper()

	llm := &ScriptedLLM{}
	events := bus.New()
	store := kvstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	approvals := approval.NewManager(store, nil, events, approval.Config{
		Whitelist:   []string{"0xrouter", "0xfactory", "0xfriend"},
		PerTxCapWei: big.NewInt(1_000_000),
		DailyCapWei: big.NewInt(100_000_000),
		TTL:         time.Minute,
	})

	chainClient := &FakeChain{}
	social := &FakeSocial{}
	svc := services.New(services.Config{Identity: "warden", OwnerID: "alice"}, services.Deps{
		LLM:       llm,
		Signer:    FakeSigner{},
		Approvals: approvals,
		Social:    social,
		Chain:     chainClient,
		Events:    events,
	})

	session := chat.NewSession(chat.Config{Identity: "warden"}, llm, svc, nil, events)
	svc.SetSession(session)

	dispatcher := dispatch.New()
	require.NoError(t, svc.RegisterAll(dispatcher))
	dispatcher.Seal()

	poller := queue.NewPoller(store, queue.Config{TaskDeadline: 5 * time.Second})
	svc.BindQueue(poller, dispatcher)

	server := gateway.New(gateway.Config{Addr: "127.0.0.1:0"}, dispatcher)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &App{
		LLM:        llm,
		Bus:        events,
		Store:      store,
		Chain:      chainClient,
		Social:     social,
		Session:    session,
		Dispatcher: dispatcher,
		Gateway:    server,
		Poller:     poller,
	}
}

// Client is a WebSocket gateway client.
type Client struct {
	t    *testing.T
	conn *websocket.Conn
}

// Dial opens a client connection to the app's gateway.
func (a *App) Dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+a.Gateway.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &Client{t: t, conn: conn}
}

// Response is one gateway response frame.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call sends one request and waits for its response.
func (c *Client) Call(id, method string, params map[string]any) Response {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))

	_, raw, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.Unmarshal(raw, &resp))
	return resp
}
