// Package brokerd implements the secrets broker daemon. It is the only
// process that holds credentials: the signing key and provider API keys live
// in its environment, and the runtime reaches them exclusively through the
// tools this server exposes over stdio. No tool ever returns key material.
package brokerd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/version"
)

// Environment variables the broker reads at startup.
const (
	EnvSignerKey  = "SIGNER_PRIVATE_KEY"
	EnvWalletKey  = "WALLET_PRIVATE_KEY" // legacy alias for EnvSignerKey
	EnvLLMAPIKey  = "LLM_API_KEY"
	EnvLLMBaseURL = "LLM_BASE_URL"
	EnvLLMModel   = "LLM_MODEL"
	EnvEmbedModel = "EMBEDDING_MODEL"
)

// Defaults for provider settings.
const (
	DefaultLLMModel   = "gpt-4o-mini"
	DefaultEmbedModel = "text-embedding-3-small"
)

// Config holds everything the broker needs. It is populated from the
// environment and never leaves this process.
type Config struct {
	PrivateKeyHex string
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	EmbedModel    string
}

// FromEnv reads the broker configuration from the process environment.
func FromEnv() Config {
	key := os.Getenv(EnvSignerKey)
	if key == "" {
		key = os.Getenv(EnvWalletKey)
	}
	cfg := Config{
		PrivateKeyHex: key,
		LLMAPIKey:     os.Getenv(EnvLLMAPIKey),
		LLMBaseURL:    os.Getenv(EnvLLMBaseURL),
		LLMModel:      os.Getenv(EnvLLMModel),
		EmbedModel:    os.Getenv(EnvEmbedModel),
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = DefaultLLMModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	return cfg
}

// Server is the broker daemon.
type Server struct {
	signer *keySigner // nil when no key is configured
	llm    *llmProvider
	logger *slog.Logger
}

// New builds a Server from cfg. A missing key or API key narrows the
// capability set instead of failing; the runtime discovers what is available
// through the health tool.
func New(cfg Config) (*Server, error) {
	s := &Server{logger: slog.Default()}

	if cfg.PrivateKeyHex != "" {
		signer, err := newKeySigner(cfg.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		s.signer = signer
	}
	if cfg.LLMAPIKey != "" {
		s.llm = newLLMProvider(cfg)
	}
	return s, nil
}

// Capabilities reports what this broker instance can do.
func (s *Server) Capabilities() []broker.Capability {
	var caps []broker.Capability
	if s.llm != nil {
		caps = append(caps, broker.CapabilityLLM, broker.CapabilityEmbed)
	}
	if s.signer != nil {
		caps = append(caps, broker.CapabilitySign)
	}
	return caps
}

// emptySchema accepts any object; tool payloads are validated by the
// handlers themselves.
var emptySchema = json.RawMessage(`{"type":"object"}`)

// MCPServer assembles the tool surface.
func (s *Server) MCPServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName + "-broker",
		Version: version.GitCommit,
	}, nil)

	add := func(name string, handler mcpsdk.ToolHandler) {
		server.AddTool(&mcpsdk.Tool{Name: name, Description: name, InputSchema: emptySchema}, handler)
	}
	add(broker.ToolHealth, s.handleHealth)
	add(broker.ToolLLMComplete, s.handleLLMComplete)
	add(broker.ToolEmbed, s.handleEmbed)
	add(broker.ToolSignMessage, s.handleSignMessage)
	add(broker.ToolSignTypedData, s.handleSignTypedData)
	add(broker.ToolGetAddress, s.handleGetAddress)
	return server
}

// Run serves tool calls over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Broker serving", "capabilities", s.Capabilities())
	return s.MCPServer().Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) handleHealth(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	caps := s.Capabilities()
	return jsonResult(broker.HealthResult{Capabilities: caps, Ready: len(caps) > 0})
}

func (s *Server) handleLLMComplete(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.llm == nil {
		return errorResult("llm capability not configured")
	}
	var payload broker.CompletionRequest
	if err := decodeArguments(req, &payload); err != nil {
		return errorResult("bad llm_complete payload: %v", err)
	}
	result, err := s.llm.complete(ctx, payload)
	if err != nil {
		s.logger.Warn("Completion failed", "error", err)
		return errorResult("completion failed: %v", err)
	}
	return jsonResult(result)
}

func (s *Server) handleEmbed(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.llm == nil {
		return errorResult("embed capability not configured")
	}
	var payload broker.EmbedRequest
	if err := decodeArguments(req, &payload); err != nil {
		return errorResult("bad embed payload: %v", err)
	}
	vector, err := s.llm.embed(ctx, payload.Text)
	if err != nil {
		s.logger.Warn("Embedding failed", "error", err)
		return errorResult("embedding failed: %v", err)
	}
	return jsonResult(broker.EmbedResult{Vector: vector})
}

func (s *Server) handleSignMessage(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.signer == nil {
		return errorResult("sign capability not configured")
	}
	var payload broker.SignMessageRequest
	if err := decodeArguments(req, &payload); err != nil {
		return errorResult("bad sign_message payload: %v", err)
	}
	signature, err := s.signer.signMessage(payload.Message)
	if err != nil {
		return errorResult("sign failed: %v", err)
	}
	return jsonResult(broker.SignResult{Signature: signature})
}

func (s *Server) handleSignTypedData(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.signer == nil {
		return errorResult("sign capability not configured")
	}
	var payload broker.SignTypedDataRequest
	if err := decodeArguments(req, &payload); err != nil {
		return errorResult("bad sign_typed_data payload: %v", err)
	}
	signature, err := s.signer.signTypedData(payload)
	if err != nil {
		return errorResult("sign failed: %v", err)
	}
	return jsonResult(broker.SignResult{Signature: signature})
}

func (s *Server) handleGetAddress(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.signer == nil {
		return errorResult("sign capability not configured")
	}
	return jsonResult(broker.AddressResult{Address: s.signer.address()})
}

func decodeArguments(req *mcpsdk.CallToolRequest, out any) error {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func jsonResult(payload any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorResult("encode response: %v", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

func errorResult(format string, args ...any) (*mcpsdk.CallToolResult, error) {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf(format, args...)}},
	}, nil
}
