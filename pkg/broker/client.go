package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/version"
)

// Timeouts for broker IPC.
const (
	ConnectTimeout     = 10 * time.Second
	DefaultCallTimeout = 30 * time.Second
	reconnectBackoff   = 250 * time.Millisecond
)

// Config describes how to reach the broker process.
type Config struct {
	Command     string            // broker binary; empty means no broker (degraded from the start)
	Args        []string
	Env         map[string]string // extra env for the broker child, on top of the parent's
	CallTimeout time.Duration
}

// Client manages the single broker session. Safe for concurrent use.
// When the broker is unreachable the client runs degraded: every call
// returns broker_unavailable until a reconnection succeeds.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	caps    map[Capability]struct{}
	address string // cached from the first get_address

	// Serializes connection attempts so concurrent failing calls do not
	// spawn a herd of broker processes.
	reinitMu sync.Mutex
}

// NewClient creates a broker client. Call Start to launch and probe the
// broker.
func NewClient(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Client{
		cfg:    cfg,
		caps:   make(map[Capability]struct{}),
		logger: slog.Default(),
	}
}

// Start launches the broker process and probes its capabilities. An
// unreachable broker is not an error: the client enters degraded mode and
// reports it, and calls fail with broker_unavailable until reconnection.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Command == "" {
		c.logger.Warn("No broker configured, running degraded: signing, LLM, and embedding are unavailable")
		return nil
	}
	if err := c.connect(ctx); err != nil {
		c.logger.Warn("Broker unreachable at startup, running degraded", "error", err)
		return nil
	}
	return nil
}

// connect spawns the broker and performs the health handshake.
// Caller must not hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	c.reinitMu.Lock()
	defer c.reinitMu.Unlock()

	c.mu.RLock()
	connected := c.session != nil
	c.mu.RUnlock()
	if connected {
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	initCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := sdkClient.Connect(initCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	health, err := c.probeHealth(initCtx, session)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("broker health probe: %w", err)
	}

	caps := make(map[Capability]struct{}, len(health.Capabilities))
	for _, cap := range health.Capabilities {
		caps[cap] = struct{}{}
	}

	c.mu.Lock()
	c.session = session
	c.caps = caps
	c.mu.Unlock()

	c.logger.Info("Broker connected", "capabilities", health.Capabilities, "ready", health.Ready)
	return nil
}

// InjectSession installs an already-connected session, bypassing process
// spawn. Used by tests with in-memory transports; the health handshake still
// runs.
func (c *Client) InjectSession(ctx context.Context, session *mcpsdk.ClientSession) error {
	health, err := c.probeHealth(ctx, session)
	if err != nil {
		return fmt.Errorf("broker health probe: %w", err)
	}
	caps := make(map[Capability]struct{}, len(health.Capabilities))
	for _, cap := range health.Capabilities {
		caps[cap] = struct{}{}
	}
	c.mu.Lock()
	c.session = session
	c.caps = caps
	c.mu.Unlock()
	return nil
}

func (c *Client) probeHealth(ctx context.Context, session *mcpsdk.ClientSession) (*HealthResult, error) {
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: ToolHealth, Arguments: map[string]any{}})
	if err != nil {
		return nil, err
	}
	var health HealthResult
	if err := decodeResult(result, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Degraded reports whether the client currently has no broker session.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session == nil
}

// Capabilities returns the capability set from the last health handshake.
func (c *Client) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Capability, 0, len(c.caps))
	for cap := range c.caps {
		out = append(out, cap)
	}
	return out
}

// HasCapability reports whether the broker offers cap.
func (c *Client) HasCapability(cap Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.caps[cap]
	return ok
}

// LLMComplete runs one LLM completion through the broker.
func (c *Client) LLMComplete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if err := c.requireCapability(CapabilityLLM); err != nil {
		return nil, err
	}
	var result CompletionResult
	if err := c.call(ctx, ToolLLMComplete, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Embed produces an embedding vector for text. Absence of the embed
// capability means embeddings are unavailable, reported as
// capability_missing.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.requireCapability(CapabilityEmbed); err != nil {
		return nil, err
	}
	var result EmbedResult
	if err := c.call(ctx, ToolEmbed, EmbedRequest{Text: text}, &result); err != nil {
		return nil, err
	}
	return result.Vector, nil
}

// SignMessage signs raw message bytes (hex-encoded) with the broker key.
func (c *Client) SignMessage(ctx context.Context, messageHex string) (string, error) {
	if err := c.requireCapability(CapabilitySign); err != nil {
		return "", err
	}
	var result SignResult
	if err := c.call(ctx, ToolSignMessage, SignMessageRequest{Message: messageHex}, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

// SignTypedData signs an EIP-712 payload with the broker key.
func (c *Client) SignTypedData(ctx context.Context, req SignTypedDataRequest) (string, error) {
	if err := c.requireCapability(CapabilitySign); err != nil {
		return "", err
	}
	var result SignResult
	if err := c.call(ctx, ToolSignTypedData, req, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

// Address returns the broker key's address, cached after the first call.
func (c *Client) Address(ctx context.Context) (string, error) {
	c.mu.RLock()
	cached := c.address
	c.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	if err := c.requireCapability(CapabilitySign); err != nil {
		return "", err
	}
	var result AddressResult
	if err := c.call(ctx, ToolGetAddress, map[string]any{}, &result); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.address = result.Address
	c.mu.Unlock()
	return result.Address, nil
}

// Health re-probes the broker.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return nil, errkind.New(errkind.KindBrokerUnavailable, "no broker session")
	}
	return c.probeHealth(ctx, session)
}

// Close shuts down the broker session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.caps = make(map[Capability]struct{})
	return err
}

func (c *Client) requireCapability(cap Capability) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return errkind.New(errkind.KindBrokerUnavailable, "broker is not connected")
	}
	if _, ok := c.caps[cap]; !ok {
		return errkind.New(errkind.KindCapabilityMissing, "broker does not offer %q", cap)
	}
	return nil
}

// call invokes one broker tool and decodes its JSON text response into out.
// On a transport failure it drops the dead session, reconnects once, and
// retries; a second failure surfaces as broker_unavailable.
func (c *Client) call(ctx context.Context, tool string, args any, out any) error {
	err := c.callOnce(ctx, tool, args, out)
	if err == nil {
		return nil
	}
	// Only a lost session is worth a reconnect; typed refusals and decode
	// failures are returned as-is.
	var kerr *errkind.Error
	if errors.As(err, &kerr) && kerr.Kind != errkind.KindBrokerUnavailable {
		return err
	}

	// The session is gone; drop it and try a single reconnect.
	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.mu.Unlock()

	select {
	case <-time.After(reconnectBackoff):
	case <-ctx.Done():
		return errkind.Wrap(errkind.KindCancelled, ctx.Err())
	}

	if c.cfg.Command == "" {
		return errkind.New(errkind.KindBrokerUnavailable, "broker session lost and no command configured")
	}
	if cerr := c.connect(ctx); cerr != nil {
		c.logger.Warn("Broker reconnection failed", "error", cerr)
		return errkind.New(errkind.KindBrokerUnavailable, "broker unreachable: %v", cerr)
	}
	return c.callOnce(ctx, tool, args, out)
}

func (c *Client) callOnce(ctx context.Context, tool string, args any, out any) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return errkind.New(errkind.KindBrokerUnavailable, "broker is not connected")
	}

	arguments, err := toArguments(args)
	if err != nil {
		return fmt.Errorf("encode %s arguments: %w", tool, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindCancelled, ctx.Err())
		}
		return errkind.New(errkind.KindBrokerUnavailable, "broker call %s: %v", tool, err)
	}
	return decodeResult(result, out)
}

// toArguments converts a typed request into the map shape tool calls carry.
func toArguments(args any) (map[string]any, error) {
	if m, ok := args.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeResult unpacks the first text content of a tool result into out.
// Tool-level errors surface as internal errors; the broker reports expected
// failures inside its JSON payloads instead.
func decodeResult(result *mcpsdk.CallToolResult, out any) error {
	text := firstText(result)
	if result.IsError {
		return errkind.New(errkind.KindInternal, "broker tool error: %s", text)
	}
	if out == nil {
		return nil
	}
	if text == "" {
		return errkind.New(errkind.KindInternal, "broker returned no content")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errkind.New(errkind.KindInternal, "decode broker response: %v", err)
	}
	return nil
}

func firstText(result *mcpsdk.CallToolResult) string {
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
