package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
)

const (
	postTimeout  = 10 * time.Second
	pollInterval = 5 * time.Second
	historyLimit = 50
)

// SlackSink posts approval prompts to a Slack channel and polls the channel
// for "approve <id>" / "reject <id>" replies.
type SlackSink struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger

	decisions chan Decision
	seen      map[string]struct{} // message timestamps already handled
	oldest    string
	mu        sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSlackSink creates the sink and starts its reply poller.
func NewSlackSink(token, channelID string, opts ...goslack.Option) *SlackSink {
	s := &SlackSink{
		api:       goslack.New(token, opts...),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-sink"),
		decisions: make(chan Decision, 16),
		seen:      make(map[string]struct{}),
		oldest:    fmt.Sprintf("%d", time.Now().Unix()),
		stop:      make(chan struct{}),
	}
	go s.pollLoop()
	return s
}

// Notify posts the prompt as a block message.
func (s *SlackSink) Notify(ctx context.Context, prompt Prompt) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	text := fmt.Sprintf(
		"*Approval required* `%s`\n• operation: `%s`\n• to: `%s`\n• value: `%s` wei\n• data: `%s`\n• expires in: %s\n\nReply `approve %s` or `reject %s`.",
		prompt.ApprovalID, prompt.Operation, prompt.To, prompt.Value,
		prompt.DataDigest, prompt.TTLRemaining.Round(time.Second),
		prompt.ApprovalID, prompt.ApprovalID,
	)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// Decisions yields owner replies found by the poller.
func (s *SlackSink) Decisions() <-chan Decision { return s.decisions }

// Close stops the poller and closes the decision stream.
func (s *SlackSink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *SlackSink) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer close(s.decisions)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce scans recent channel history for decision replies.
func (s *SlackSink) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	s.mu.Lock()
	oldest := s.oldest
	s.mu.Unlock()

	history, err := s.api.GetConversationHistoryContext(ctx, &goslack.GetConversationHistoryParameters{
		ChannelID: s.channelID,
		Oldest:    oldest,
		Limit:     historyLimit,
	})
	if err != nil {
		s.logger.Warn("Failed to read channel history", "error", err)
		return
	}

	for _, msg := range history.Messages {
		s.mu.Lock()
		_, handled := s.seen[msg.Timestamp]
		if !handled {
			s.seen[msg.Timestamp] = struct{}{}
		}
		s.mu.Unlock()
		if handled {
			continue
		}
		if decision, ok := parseDecision(msg.Text); ok {
			select {
			case s.decisions <- decision:
			default:
				s.logger.Warn("Decision buffer full, dropping", "approval_id", decision.ApprovalID)
			}
		}
	}
}

// parseDecision matches "approve <id>" or "reject <id>".
func parseDecision(text string) (Decision, bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) != 2 {
		return Decision{}, false
	}
	switch fields[0] {
	case "approve":
		return Decision{ApprovalID: fields[1], Approve: true}, true
	case "reject":
		return Decision{ApprovalID: fields[1], Approve: false}, true
	default:
		return Decision{}, false
	}
}
