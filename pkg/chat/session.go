// Package chat holds the user-facing conversation state: a rolling history,
// a per-session thinking level, tool-intent extraction, and file-write block
// handling. The session talks to the LLM only through the secrets broker.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/thinking"
	"github.com/sentience-labs/warden/pkg/workspace"
)

// inboundPreviewBytes caps the message content carried on the bus.
const inboundPreviewBytes = 200

// DefaultHistoryExchanges bounds the rolling history to 2N entries.
const DefaultHistoryExchanges = 10

// DefaultCommandPrefix selects the thinking-level command grammar.
const DefaultCommandPrefix = "think"

// Completer is the slice of the broker client the session needs.
type Completer interface {
	LLMComplete(ctx context.Context, req broker.CompletionRequest) (*broker.CompletionResult, error)
}

// ToolHandlers are the deterministic handlers behind extracted tool intents.
// Implemented in the runtime wiring on top of the dispatcher.
type ToolHandlers interface {
	Send(ctx context.Context, intent SendIntent) (string, error)
	Swap(ctx context.Context, intent SwapIntent) (string, error)
	Deploy(ctx context.Context, intent DeployIntent) (string, error)
	Balance(ctx context.Context, intent BalanceIntent) (string, error)
}

// Config holds the session knobs.
type Config struct {
	Identity         string // prepended to every system prompt
	CommandPrefix    string // thinking-level command prefix, default "think"
	HistoryExchanges int    // N; history holds at most 2N entries
	OwnerOnly        bool
	OwnerID          string
}

func (c *Config) applyDefaults() {
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
	if c.HistoryExchanges <= 0 {
		c.HistoryExchanges = DefaultHistoryExchanges
	}
}

// Session is one conversation. Safe for concurrent use; turns are serialized.
type Session struct {
	cfg    Config
	llm    Completer
	tools  ToolHandlers
	jail   *workspace.Jail
	events *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	level   thinking.Level
	history []broker.Message
}

// NewSession builds a session at the default thinking level. tools and jail
// may be nil; the corresponding behaviors are then skipped.
func NewSession(cfg Config, llm Completer, tools ToolHandlers, jail *workspace.Jail, events *bus.Bus) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:    cfg,
		llm:    llm,
		tools:  tools,
		jail:   jail,
		events: events,
		logger: slog.Default().With("component", "chat"),
		level:  thinking.DefaultLevel,
	}
}

// Level returns the session's current thinking level.
func (s *Session) Level() thinking.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// SetLevel overrides the thinking level; invalid levels are ignored.
func (s *Session) SetLevel(level thinking.Level) {
	if !level.IsValid() {
		return
	}
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// RecentHistory returns up to max of the most recent history entries. Used by
// the planner loop to give the LLM conversational context.
func (s *Session) RecentHistory(max int) []broker.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history
	if max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	out := make([]broker.Message, len(entries))
	copy(out, entries)
	return out
}

// HandleMessage runs one conversation turn and returns the visible reply.
// An empty reply with a nil error means the message was dropped.
func (s *Session) HandleMessage(ctx context.Context, from, text string) (string, error) {
	s.publishInbound(from, text)

	if s.cfg.OwnerOnly && from != s.cfg.OwnerID {
		s.logger.Debug("Dropping message from non-owner", "from", from)
		return "", nil
	}

	// Level commands are handled locally and never reach the LLM.
	if level, ok := thinking.ParseCommand(s.cfg.CommandPrefix, text); ok {
		s.SetLevel(level)
		return fmt.Sprintf("Thinking level set to %s.", level), nil
	}

	if s.tools != nil {
		reply, handled, err := s.handleIntent(ctx, text)
		if err != nil {
			return "", err
		}
		if handled {
			s.remember(text, reply)
			return reply, nil
		}
	}

	reply, err := s.complete(ctx, text)
	if err != nil {
		return "", err
	}
	reply = s.applyFileBlocks(reply)
	s.remember(text, reply)
	return reply, nil
}

// publishInbound puts every inbound message on the observation bus with its
// content truncated.
func (s *Session) publishInbound(from, text string) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.TopicMessageInbound, map[string]any{
		"from":    from,
		"content": truncateBytes(text, inboundPreviewBytes),
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleIntent asks the extraction model for a tool intent and, when one is
// present with all required fields literally stated, invokes its handler.
// handled is false when the message is ordinary conversation.
func (s *Session) handleIntent(ctx context.Context, text string) (reply string, handled bool, err error) {
	result, err := s.llm.LLMComplete(ctx, broker.CompletionRequest{
		Messages: []broker.Message{
			{Role: "system", Content: intentExtractionPrompt},
			{Role: "user", Content: text},
		},
		Params: broker.CompletionParams{Temperature: 0, MaxTokens: 256},
	})
	if err != nil {
		// Extraction is best effort; fall back to plain conversation.
		s.logger.Warn("Intent extraction failed, treating as conversation", "error", err)
		return "", false, nil
	}

	intent, missing := parseIntent(result.Content)
	if intent.Kind == IntentNone {
		return "", false, nil
	}
	if len(missing) > 0 {
		// Never infer a value; name exactly what is absent.
		return fmt.Sprintf("I can't run %s yet: please state %s explicitly in your message.",
			intent.Kind, strings.Join(missing, ", ")), true, nil
	}

	switch intent.Kind {
	case IntentSend:
		reply, err = s.tools.Send(ctx, *intent.Send)
	case IntentSwap:
		reply, err = s.tools.Swap(ctx, *intent.Swap)
	case IntentDeploy:
		reply, err = s.tools.Deploy(ctx, *intent.Deploy)
	case IntentBalance:
		reply, err = s.tools.Balance(ctx, *intent.Balance)
	default:
		return "", false, nil
	}
	if err != nil {
		return "", true, errkind.Wrap(errkind.KindOf(err), err)
	}
	return reply, true, nil
}

// complete runs a plain conversation turn at the session's thinking level.
func (s *Session) complete(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	level := s.level
	messages := make([]broker.Message, 0, len(s.history)+2)
	params := thinking.ParamsFor(level)
	system := s.cfg.Identity
	if params.SystemSuffix != "" {
		system = strings.TrimSpace(system + "\n\n" + params.SystemSuffix)
	}
	messages = append(messages, broker.Message{Role: "system", Content: system})
	messages = append(messages, s.history...)
	messages = append(messages, broker.Message{Role: "user", Content: text})
	s.mu.Unlock()

	result, err := s.llm.LLMComplete(ctx, broker.CompletionRequest{
		Messages: messages,
		Params: broker.CompletionParams{
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// applyFileBlocks writes each file-write block in reply through the workspace
// jail and returns the visible reply with the framing stripped and written
// files mentioned. Failed writes are logged and the block is dropped.
func (s *Session) applyFileBlocks(reply string) string {
	if s.jail == nil {
		return reply
	}
	blocks, visible := extractFileBlocks(reply)
	if len(blocks) == 0 {
		return reply
	}
	var written []string
	for _, block := range blocks {
		if _, err := s.jail.WriteFile(block.Path, []byte(block.Content)); err != nil {
			s.logger.Warn("Dropping file-write block", "path", block.Path, "error", err)
			continue
		}
		written = append(written, block.Path)
	}
	if len(written) > 0 {
		visible = strings.TrimSpace(visible + "\n\n(wrote " + strings.Join(written, ", ") + ")")
	}
	return visible
}

// remember appends one exchange and trims the history to 2N entries.
func (s *Session) remember(userText, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		broker.Message{Role: "user", Content: userText},
		broker.Message{Role: "assistant", Content: reply},
	)
	limit := 2 * s.cfg.HistoryExchanges
	if len(s.history) > limit {
		s.history = append([]broker.Message(nil), s.history[len(s.history)-limit:]...)
	}
}

// truncateBytes cuts s to at most max bytes, backing off to a rune boundary.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

const intentExtractionPrompt = `Decide whether the user's message asks for exactly one of these operations: send, swap, deploy, balance. Respond with a single JSON object and nothing else.

Shapes:
{"intent":"send","to":"<address>","amount":"<amount>","token":"<symbol>"}
{"intent":"swap","fromToken":"<symbol>","toToken":"<symbol>","amount":"<amount>"}
{"intent":"deploy","template":"<template>","name":"<name>","symbol":"<symbol>"}
{"intent":"balance","token":"<symbol or empty>"}
{"intent":"none"}

Copy field values verbatim from the message. If the message does not state a value, leave that field as an empty string; never guess or invent one. If the message is ordinary conversation, answer {"intent":"none"}.`
