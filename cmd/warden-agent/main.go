// warden-agent is the sub-agent worker binary. It is spawned by the warden
// supervisor, speaks the framed sub-agent protocol on stdin/stdout, and owns
// no credentials: LLM calls and workspace writes are requests to the parent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/subagent"
)

// agentTask is the payload the runtime sends to workers of any role.
type agentTask struct {
	Prompt string `json:"prompt"`
	Output string `json:"output,omitempty"` // optional workspace path for the result
}

func main() {
	// stdout carries IPC frames; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	child := subagent.NewChild(os.Stdin, os.Stdout, handleTask)
	if err := child.Run(ctx); err != nil {
		logger.Error("Agent terminated abnormally", "error", err)
		os.Exit(1)
	}
}

// handleTask answers one task with a completion proxied through the parent,
// optionally writing the result into the workspace.
func handleTask(ctx context.Context, child *subagent.Child, raw json.RawMessage) (any, error) {
	var task agentTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if task.Prompt == "" {
		return nil, fmt.Errorf("task has no prompt")
	}
	if !child.Has(subagent.CapabilityLLM) {
		return nil, fmt.Errorf("role %s cannot run completions", child.Role())
	}

	content, err := child.LLM(ctx, []broker.Message{
		{Role: "system", Content: rolePrompt(child.Role())},
		{Role: "user", Content: task.Prompt},
	}, broker.CompletionParams{Temperature: 0.7, MaxTokens: 2048})
	if err != nil {
		return nil, err
	}

	if task.Output != "" && child.Has(subagent.CapabilityWorkspaceWrite) {
		if err := child.WriteWorkspace(task.Output, []byte(content)); err != nil {
			return nil, fmt.Errorf("write result: %w", err)
		}
	}
	return map[string]string{"content": content}, nil
}

func rolePrompt(role subagent.Role) string {
	switch role {
	case subagent.RoleNewsCurator:
		return "You curate crypto and tech news. Be factual and terse."
	case subagent.RoleDefiMonitor:
		return "You monitor DeFi positions and markets. Report numbers precisely."
	case subagent.RoleContentCreator:
		return "You draft social content. Keep the configured voice."
	case subagent.RoleResearch:
		return "You research topics in depth and cite what you used."
	default:
		return "You are a task worker."
	}
}
