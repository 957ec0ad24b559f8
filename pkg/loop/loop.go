// Package loop runs the periodic planner: each tick it snapshots recent bus
// activity, asks the LLM for one structured decision, and executes at most one
// action through the dispatcher. A failed tick is abandoned, never retried.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/thinking"
)

// Defaults.
const (
	DefaultInterval     = 60 * time.Second
	DefaultSnapshotSize = 32
	historyEntries      = 6
)

// Completer is the slice of the broker client the planner needs.
type Completer interface {
	LLMComplete(ctx context.Context, req broker.CompletionRequest) (*broker.CompletionResult, error)
}

// Dispatcher executes planner actions on the shared correlation pathway.
type Dispatcher interface {
	Dispatch(ctx context.Context, correlationID, method string, params map[string]any) (any, error)
}

// ChatContext supplies recent conversation turns for the planner prompt.
type ChatContext interface {
	RecentHistory(max int) []broker.Message
}

// decisionKind is the closed set of planner decisions.
type decisionKind string

const (
	decisionPost     decisionKind = "post"
	decisionSkill    decisionKind = "skill"
	decisionDispatch decisionKind = "dispatch"
	decisionNoop     decisionKind = "noop"
)

// decision is the planner model's parsed output.
type decision struct {
	Action decisionKind   `json:"action"`
	Text   string         `json:"text,omitempty"`   // post
	Skill  string         `json:"skill,omitempty"`  // skill
	Query  string         `json:"query,omitempty"`  // skill
	Method string         `json:"method,omitempty"` // dispatch
	Params map[string]any `json:"params,omitempty"` // dispatch
}

// Config holds the loop knobs. Topics lists the bus topics the loop observes;
// empty means the default observation set.
type Config struct {
	Interval     time.Duration
	SnapshotSize int
	Identity     string
	Topics       []bus.Topic
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SnapshotSize <= 0 {
		c.SnapshotSize = DefaultSnapshotSize
	}
	if len(c.Topics) == 0 {
		c.Topics = []bus.Topic{
			bus.TopicMessageInbound,
			bus.TopicSkillExecuted,
			bus.TopicAgentExit,
			bus.TopicApprovalResolved,
		}
	}
}

// Loop is the periodic planner. Start and Stop are idempotent.
type Loop struct {
	cfg        Config
	llm        Completer
	dispatcher Dispatcher
	chat       ChatContext
	events     *bus.Bus
	logger     *slog.Logger

	mu      sync.Mutex
	level   thinking.Level
	subs    []*bus.Subscription
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a stopped loop. chat may be nil.
func New(cfg Config, llm Completer, dispatcher Dispatcher, chat ChatContext, events *bus.Bus) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:        cfg,
		llm:        llm,
		dispatcher: dispatcher,
		chat:       chat,
		events:     events,
		logger:     slog.Default().With("component", "loop"),
		level:      thinking.DefaultLevel,
	}
}

// SetThinkingLevel changes the level used for planner calls; invalid levels
// are ignored.
func (l *Loop) SetThinkingLevel(level thinking.Level) {
	if !level.IsValid() {
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Start subscribes to the observed topics and begins ticking. Calling Start
// on a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	for _, topic := range l.cfg.Topics {
		l.subs = append(l.subs, l.events.Subscribe(topic, l.cfg.SnapshotSize))
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.stopped = make(chan struct{})
	go l.run(ctx, l.stopped)
	l.logger.Info("Planner loop started", "interval", l.cfg.Interval)
}

// Stop cancels the ticker and removes the loop's subscriptions. Blocks until
// the running tick, if any, has finished.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	stopped := l.stopped
	subs := l.subs
	l.cancel = nil
	l.stopped = nil
	l.subs = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	for _, sub := range subs {
		l.events.Unsubscribe(sub)
	}
	l.logger.Info("Planner loop stopped")
}

func (l *Loop) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one planner cycle. Any failure abandons the tick; the next tick
// proceeds normally.
func (l *Loop) Tick(ctx context.Context) {
	tickID := "loop-" + uuid.NewString()
	snapshot := l.snapshot()

	d, err := l.plan(ctx, snapshot)
	if err != nil {
		l.logger.Warn("Tick abandoned, planner call failed", "tick", tickID, "error", err)
		return
	}

	l.publishTick(tickID, d.Action)
	if d.Action == decisionNoop {
		return
	}
	if err := l.execute(ctx, tickID, d); err != nil {
		l.logger.Warn("Tick abandoned, action failed", "tick", tickID, "action", d.Action, "error", err)
	}
}

// snapshot drains up to SnapshotSize recent events across the loop's
// subscriptions without blocking.
func (l *Loop) snapshot() []bus.Event {
	l.mu.Lock()
	subs := l.subs
	l.mu.Unlock()

	var events []bus.Event
	remaining := l.cfg.SnapshotSize
	for _, sub := range subs {
		if remaining <= 0 {
			break
		}
		drained := sub.Drain(remaining)
		events = append(events, drained...)
		remaining -= len(drained)
	}
	return events
}

// plan asks the LLM for one decision at the current thinking level.
// Unparseable output is a noop, not an error.
func (l *Loop) plan(ctx context.Context, snapshot []bus.Event) (decision, error) {
	l.mu.Lock()
	level := l.level
	l.mu.Unlock()
	params := thinking.ParamsFor(level)

	result, err := l.llm.LLMComplete(ctx, broker.CompletionRequest{
		Messages: l.promptMessages(snapshot, params.SystemSuffix),
		Params: broker.CompletionParams{
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		},
	})
	if err != nil {
		return decision{}, err
	}

	d, ok := parseDecision(result.Content)
	if !ok {
		l.logger.Warn("Planner output not parseable, treating as noop", "output", truncate(result.Content, 120))
		return decision{Action: decisionNoop}, nil
	}
	return d, nil
}

func (l *Loop) promptMessages(snapshot []bus.Event, suffix string) []broker.Message {
	system := strings.TrimSpace(l.cfg.Identity + "\n\n" + plannerPrompt)
	if suffix != "" {
		system += "\n\n" + suffix
	}

	var b strings.Builder
	if len(snapshot) == 0 {
		b.WriteString("No recent activity.\n")
	} else {
		b.WriteString("Recent activity:\n")
		for _, evt := range snapshot {
			payload, _ := json.Marshal(evt.Payload)
			fmt.Fprintf(&b, "- [%s] %s %s\n", evt.PublishedAt.Format(time.RFC3339), evt.Topic, truncate(string(payload), 160))
		}
	}
	if l.chat != nil {
		if history := l.chat.RecentHistory(historyEntries); len(history) > 0 {
			b.WriteString("\nRecent conversation:\n")
			for _, msg := range history {
				fmt.Fprintf(&b, "- %s: %s\n", msg.Role, truncate(msg.Content, 160))
			}
		}
	}
	b.WriteString("\nDecide the single next action.")

	return []broker.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

// execute performs at most one action through the dispatcher.
func (l *Loop) execute(ctx context.Context, tickID string, d decision) error {
	switch d.Action {
	case decisionPost:
		_, err := l.dispatcher.Dispatch(ctx, tickID, "post", map[string]any{"text": d.Text})
		return err
	case decisionSkill:
		_, err := l.dispatcher.Dispatch(ctx, tickID, "skill", map[string]any{"skillName": d.Skill, "query": d.Query})
		return err
	case decisionDispatch:
		_, err := l.dispatcher.Dispatch(ctx, tickID, d.Method, d.Params)
		return err
	default:
		return nil
	}
}

func (l *Loop) publishTick(tickID string, action decisionKind) {
	l.events.Publish(bus.TopicLoopTick, map[string]any{
		"tick":   tickID,
		"action": string(action),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

// parseDecision validates the model output against the closed decision set.
func parseDecision(output string) (decision, bool) {
	output = strings.TrimSpace(output)
	if start := strings.Index(output, "{"); start > 0 {
		output = output[start:]
	}
	if end := strings.LastIndex(output, "}"); end >= 0 {
		output = output[:end+1]
	}

	var d decision
	if err := json.Unmarshal([]byte(output), &d); err != nil {
		return decision{}, false
	}
	switch d.Action {
	case decisionPost:
		return d, d.Text != ""
	case decisionSkill:
		return d, d.Skill != ""
	case decisionDispatch:
		return d, d.Method != ""
	case decisionNoop:
		return d, true
	default:
		return decision{}, false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

const plannerPrompt = `You are the autonomous planner. Given recent activity, choose exactly one next action and respond with a single JSON object:

{"action":"post","text":"<message to post>"}
{"action":"skill","skill":"<skill name>","query":"<input>"}
{"action":"dispatch","method":"<method>","params":{...}}
{"action":"noop"}

Prefer noop unless the recent activity clearly calls for an action.`
