// Package services implements the dispatcher method surface: the seven
// methods exposed through the gateway, the deterministic tool handlers behind
// chat intents, and the queue-task bindings. Every on-chain effect follows
// prepare, approval gate, sign, submit — in that order.
package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/approval"
	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/chat"
	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/queue"
	"github.com/sentience-labs/warden/pkg/signer"
	"github.com/sentience-labs/warden/pkg/skills"
	"github.com/sentience-labs/warden/pkg/subagent"
	"github.com/sentience-labs/warden/pkg/thinking"
)

// Method deadlines. Deploy covers a full approval TTL plus submission.
const (
	chatDeadline     = 60 * time.Second
	deployDeadline   = 11 * time.Minute
	researchDeadline = 90 * time.Second
)

// Completer is the slice of the broker client the handlers need.
type Completer interface {
	LLMComplete(ctx context.Context, req broker.CompletionRequest) (*broker.CompletionResult, error)
}

// URLValidator gates browser navigation targets; the network-safety fetcher
// implements it.
type URLValidator interface {
	IsBrowserNavigationAllowed(ctx context.Context, rawURL string) error
}

// ChatSession is the slice of the chat session the chat method needs.
type ChatSession interface {
	HandleMessage(ctx context.Context, from, text string) (string, error)
	SetLevel(level thinking.Level)
}

// Config holds the handler knobs.
type Config struct {
	Identity string
	OwnerID  string
}

// Deps are the collaborators behind the method surface. Any of them may be
// nil; the corresponding methods then refuse with capability_missing.
type Deps struct {
	LLM       Completer
	Signer    signer.Signer
	Approvals *approval.Manager
	Social    SocialClient
	Chain     ChainClient
	Browser   BrowserDriver
	Validator URLValidator
	Skills    *skills.Registry
	Agents    *subagent.Supervisor
	Session   ChatSession
	Events    *bus.Bus
}

// Services is the method-surface implementation.
type Services struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New builds the service layer.
func New(cfg Config, deps Deps) *Services {
	return &Services{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "services"),
	}
}

// SetSession installs the chat session after construction. The session needs
// the services as its tool handlers, so the two are wired in two steps.
func (s *Services) SetSession(session ChatSession) {
	s.deps.Session = session
}

// RegisterAll registers the seven gateway methods on the dispatcher.
func (s *Services) RegisterAll(d *dispatch.Dispatcher) error {
	registrations := []struct {
		name     string
		schema   dispatch.Schema
		deadline time.Duration
		handler  dispatch.Handler
	}{
		{"post", dispatch.Schema{
			"text": {Type: dispatch.TypeString, Optional: true},
		}, 0, s.handlePost},
		{"chat", dispatch.Schema{
			"message":       {Type: dispatch.TypeString, Optional: true},
			"prompt":        {Type: dispatch.TypeString, Optional: true},
			"thinkingLevel": {Type: dispatch.TypeString, Optional: true},
			"from":          {Type: dispatch.TypeString, Optional: true},
		}, chatDeadline, s.handleChat},
		{"deploy", dispatch.Schema{
			"template": {Type: dispatch.TypeString},
			"params":   {Type: dispatch.TypeObject, Optional: true},
		}, deployDeadline, s.handleDeploy},
		{"defi", dispatch.Schema{
			"query": {Type: dispatch.TypeString},
		}, 0, s.handleDefi},
		{"research", dispatch.Schema{
			"token":   {Type: dispatch.TypeString, Optional: true},
			"address": {Type: dispatch.TypeString, Optional: true},
		}, researchDeadline, s.handleResearch},
		{"skill", dispatch.Schema{
			"skillName": {Type: dispatch.TypeString, Optional: true},
			"query":     {Type: dispatch.TypeString, Optional: true},
			"input":     {Type: dispatch.TypeObject, Optional: true},
		}, 0, s.handleSkill},
		{"browser", dispatch.Schema{
			"action":   {Type: dispatch.TypeString},
			"url":      {Type: dispatch.TypeString, Optional: true},
			"selector": {Type: dispatch.TypeString, Optional: true},
			"value":    {Type: dispatch.TypeString, Optional: true},
			"script":   {Type: dispatch.TypeString, Optional: true},
		}, 0, s.handleBrowser},
	}
	for _, r := range registrations {
		if err := d.Register(r.name, r.schema, r.deadline, r.handler); err != nil {
			return fmt.Errorf("register %s: %w", r.name, err)
		}
	}
	return nil
}

// BindQueue maps each queue task type onto its dispatcher method, so queued
// work shares the correlation pathway with gateway requests.
func (s *Services) BindQueue(p *queue.Poller, d *dispatch.Dispatcher) {
	bindings := map[queue.Type]string{
		queue.TypeDefiQuery:       "defi",
		queue.TypeContractDeploy:  "deploy",
		queue.TypeTokenResearch:   "research",
		queue.TypeContentGenerate: "post",
		queue.TypeScamCheck:       "research",
	}
	for taskType, method := range bindings {
		p.Register(taskType, func(ctx context.Context, params map[string]any) (any, error) {
			return d.Dispatch(ctx, "queue-"+uuid.NewString(), method, params)
		})
	}
}

func (s *Services) handlePost(ctx context.Context, params map[string]any) (any, error) {
	if s.deps.Social == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "no social client configured")
	}
	text := str(params, "text")
	if text == "" {
		if s.deps.LLM == nil {
			return nil, errkind.New(errkind.KindInvalidParams, "post needs text when no model is available")
		}
		result, err := s.deps.LLM.LLMComplete(ctx, broker.CompletionRequest{
			Messages: []broker.Message{
				{Role: "system", Content: s.cfg.Identity},
				{Role: "user", Content: "Write one short social post about something currently worth sharing. Output only the post text."},
			},
			Params: broker.CompletionParams{Temperature: 0.9, MaxTokens: 280},
		})
		if err != nil {
			return nil, err
		}
		text = result.Content
	}
	postID, err := s.deps.Social.Post(ctx, text)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Posted", "post_id", postID)
	return map[string]any{"post_id": postID}, nil
}

func (s *Services) handleChat(ctx context.Context, params map[string]any) (any, error) {
	if s.deps.Session == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "no chat session configured")
	}
	text := str(params, "message")
	if text == "" {
		text = str(params, "prompt")
	}
	if text == "" {
		return nil, errkind.New(errkind.KindInvalidParams, "chat needs a message or prompt")
	}
	if level := thinking.Level(str(params, "thinkingLevel")); level != "" {
		if !level.IsValid() {
			return nil, errkind.New(errkind.KindInvalidParams, "unknown thinking level %q", level)
		}
		s.deps.Session.SetLevel(level)
	}
	from := str(params, "from")
	if from == "" {
		from = s.cfg.OwnerID
	}
	content, err := s.deps.Session.HandleMessage(ctx, from, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content}, nil
}

func (s *Services) handleDeploy(ctx context.Context, params map[string]any) (any, error) {
	if s.deps.Chain == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "no chain client configured")
	}
	deployParams, _ := params["params"].(map[string]any)
	req := DeployRequest{
		Template: str(params, "template"),
		Name:     str(deployParams, "name"),
		Symbol:   str(deployParams, "symbol"),
		Params:   deployParams,
	}
	tx, err := s.deps.Chain.PrepareDeploy(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := s.executeTx(ctx, "deploy", tx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": result.Address, "txHash": result.TxHash}, nil
}

func (s *Services) handleDefi(ctx context.Context, params map[string]any) (any, error) {
	query := str(params, "query")
	portfolio := map[string]any{}
	if s.deps.Chain != nil && s.deps.Signer != nil {
		address, err := s.deps.Signer.Address(ctx)
		if err == nil {
			if p, perr := s.deps.Chain.Portfolio(ctx, address); perr == nil {
				portfolio = p
			} else {
				s.logger.Warn("Portfolio read failed", "error", perr)
			}
		}
	}
	return map[string]any{
		"query":     query,
		"portfolio": portfolio,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Services) handleResearch(ctx context.Context, params map[string]any) (any, error) {
	subject := str(params, "token")
	if subject == "" {
		subject = str(params, "address")
	}
	if subject == "" {
		return nil, errkind.New(errkind.KindInvalidParams, "research needs a token or address")
	}
	prompt := "Research " + subject + ": purpose, team, liquidity, risks, and anything a cautious holder should know."

	analysis, err := s.research(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"analysis":  analysis,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// research prefers a research sub-agent; without a supervisor it falls back
// to a direct completion.
func (s *Services) research(ctx context.Context, prompt string) (string, error) {
	if s.deps.Agents != nil {
		analysis, err := s.researchViaAgent(ctx, prompt)
		if err == nil {
			return analysis, nil
		}
		s.logger.Warn("Sub-agent research failed, falling back to direct completion", "error", err)
	}
	if s.deps.LLM == nil {
		return "", errkind.New(errkind.KindCapabilityMissing, "no research path available")
	}
	result, err := s.deps.LLM.LLMComplete(ctx, broker.CompletionRequest{
		Messages: []broker.Message{
			{Role: "system", Content: "You research topics in depth and cite what you used."},
			{Role: "user", Content: prompt},
		},
		Params: broker.CompletionParams{Temperature: 0.4, MaxTokens: 2048},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (s *Services) researchViaAgent(ctx context.Context, prompt string) (string, error) {
	agentID := ""
	for _, record := range s.deps.Agents.List() {
		if record.Role == subagent.RoleResearch && record.State == subagent.StateIdle {
			agentID = record.ID
			break
		}
	}
	if agentID == "" {
		record, err := s.deps.Agents.Spawn(ctx, subagent.RoleResearch)
		if err != nil {
			return "", err
		}
		agentID = record.ID
	}

	task, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", err
	}
	raw, err := s.deps.Agents.SendTask(ctx, agentID, task, 0)
	if err != nil {
		return "", err
	}
	var result struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode agent result: %w", err)
	}
	return result.Content, nil
}

func (s *Services) handleSkill(ctx context.Context, params map[string]any) (any, error) {
	if s.deps.Skills == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "no skill registry configured")
	}
	input, _ := params["input"].(map[string]any)

	if name := str(params, "skillName"); name != "" {
		return s.deps.Skills.Execute(ctx, name, input)
	}
	query := str(params, "query")
	if query == "" {
		return nil, errkind.New(errkind.KindInvalidParams, "skill needs a skillName or query")
	}
	skill, err := s.deps.Skills.FindAndLoad(ctx, query)
	if err != nil {
		return nil, err
	}
	if skill == nil {
		return nil, errkind.New(errkind.KindInvalidParams, "no skill matches %q", query)
	}
	return s.deps.Skills.Execute(ctx, skill.Info().Name, input)
}

func (s *Services) handleBrowser(ctx context.Context, params map[string]any) (any, error) {
	if s.deps.Browser == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "no browser driver configured")
	}
	action := str(params, "action")
	switch action {
	case "navigate":
		rawURL := str(params, "url")
		if rawURL == "" {
			return nil, errkind.New(errkind.KindInvalidParams, "navigate needs a url")
		}
		// Every navigation target passes network safety first.
		if s.deps.Validator != nil {
			if err := s.deps.Validator.IsBrowserNavigationAllowed(ctx, rawURL); err != nil {
				return nil, err
			}
		}
		if err := s.deps.Browser.Navigate(ctx, rawURL); err != nil {
			return nil, err
		}
		return map[string]any{"status": "navigated", "url": rawURL}, nil
	case "snapshot":
		snapshot, err := s.deps.Browser.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if s.deps.Events != nil {
			s.deps.Events.Publish(bus.TopicBrowserSnapshot, map[string]any{
				"size": len(snapshot),
				"at":   time.Now().UTC().Format(time.RFC3339),
			})
		}
		return map[string]any{"snapshot": snapshot}, nil
	case "screenshot":
		data, err := s.deps.Browser.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": base64.StdEncoding.EncodeToString(data)}, nil
	case "click":
		if err := s.deps.Browser.Click(ctx, str(params, "selector")); err != nil {
			return nil, err
		}
		return status("clicked"), nil
	case "fill":
		if err := s.deps.Browser.Fill(ctx, str(params, "selector"), str(params, "value")); err != nil {
			return nil, err
		}
		return status("filled"), nil
	case "eval":
		value, err := s.deps.Browser.Eval(ctx, str(params, "script"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil
	case "extract":
		value, err := s.deps.Browser.Extract(ctx, str(params, "selector"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil
	default:
		return nil, errkind.New(errkind.KindInvalidParams, "unknown browser action %q", action)
	}
}

// executeTx runs the gated on-chain pathway: approval, then sign, then
// submit, then mark executed.
func (s *Services) executeTx(ctx context.Context, operation string, tx *PreparedTx) (*SubmitResult, error) {
	if s.deps.Approvals == nil || s.deps.Signer == nil {
		return nil, errkind.New(errkind.KindCapabilityMissing, "on-chain operations need an approval manager and a signer")
	}
	record, err := s.deps.Approvals.Submit(ctx, approval.Intent{
		Operation: operation,
		To:        tx.To,
		Value:     tx.Value,
		Data:      tx.Data,
		Chain:     tx.Chain,
		Creator:   s.cfg.OwnerID,
	})
	if err != nil {
		return nil, err
	}
	outcome, err := s.deps.Approvals.Await(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if err := outcome.Err(); err != nil {
		return nil, err
	}

	signature, err := s.deps.Signer.SignMessage(ctx, tx.Data)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.Chain.Submit(ctx, tx, signature)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Approvals.MarkExecuted(ctx, record.ID); err != nil {
		s.logger.Warn("Could not mark approval executed", "approval", record.ID, "error", err)
	}
	s.logger.Info("Transaction submitted", "operation", operation, "tx", result.TxHash)
	return result, nil
}

// Send implements the chat send intent.
func (s *Services) Send(ctx context.Context, intent chat.SendIntent) (string, error) {
	if s.deps.Chain == nil {
		return "", errkind.New(errkind.KindCapabilityMissing, "no chain client configured")
	}
	tx, err := s.deps.Chain.PrepareSend(ctx, intent.To, intent.Amount, intent.Token)
	if err != nil {
		return "", err
	}
	result, err := s.executeTx(ctx, "send", tx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Sent %s %s to %s (tx %s).", intent.Amount, intent.Token, intent.To, result.TxHash), nil
}

// Swap implements the chat swap intent.
func (s *Services) Swap(ctx context.Context, intent chat.SwapIntent) (string, error) {
	if s.deps.Chain == nil {
		return "", errkind.New(errkind.KindCapabilityMissing, "no chain client configured")
	}
	tx, err := s.deps.Chain.PrepareSwap(ctx, intent.FromToken, intent.ToToken, intent.Amount)
	if err != nil {
		return "", err
	}
	result, err := s.executeTx(ctx, "swap", tx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Swapped %s %s for %s (tx %s).", intent.Amount, intent.FromToken, intent.ToToken, result.TxHash), nil
}

// Deploy implements the chat deploy intent.
func (s *Services) Deploy(ctx context.Context, intent chat.DeployIntent) (string, error) {
	if s.deps.Chain == nil {
		return "", errkind.New(errkind.KindCapabilityMissing, "no chain client configured")
	}
	tx, err := s.deps.Chain.PrepareDeploy(ctx, DeployRequest{
		Template: intent.Template,
		Name:     intent.Name,
		Symbol:   intent.Symbol,
	})
	if err != nil {
		return "", err
	}
	result, err := s.executeTx(ctx, "deploy", tx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deployed %s at %s (tx %s).", intent.Name, result.Address, result.TxHash), nil
}

// Balance implements the chat balance intent.
func (s *Services) Balance(ctx context.Context, intent chat.BalanceIntent) (string, error) {
	if s.deps.Chain == nil || s.deps.Signer == nil {
		return "", errkind.New(errkind.KindCapabilityMissing, "no chain client configured")
	}
	address, err := s.deps.Signer.Address(ctx)
	if err != nil {
		return "", err
	}
	balance, err := s.deps.Chain.Balance(ctx, address, intent.Token)
	if err != nil {
		return "", err
	}
	if intent.Token == "" {
		return fmt.Sprintf("Balance: %s.", balance), nil
	}
	return fmt.Sprintf("Balance: %s %s.", balance, intent.Token), nil
}

func status(s string) map[string]any {
	return map[string]any{"status": s}
}

func str(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}
