// Package notify carries approval prompts to the human owner and their
// decisions back. The core does not assume a specific chat platform: the
// approval manager talks to a Sink, and deployments choose the
// implementation (Slack, or an in-process channel pair in tests).
package notify

import (
	"context"
	"time"
)

// Prompt is the compact approval summary shown to the owner. It carries a
// digest of the calldata, never the payload itself.
type Prompt struct {
	ApprovalID   string
	Operation    string
	To           string
	Value        string // wei, decimal
	DataDigest   string
	TTLRemaining time.Duration
}

// Decision is the owner's reply to a prompt.
type Decision struct {
	ApprovalID string
	Approve    bool
}

// Sink delivers prompts out-of-band and surfaces decisions as they arrive.
type Sink interface {
	// Notify sends one prompt. Failure to deliver does not resolve the
	// approval; it just means the owner never saw it and the TTL decides.
	Notify(ctx context.Context, prompt Prompt) error
	// Decisions yields owner replies. The channel is closed when the sink
	// shuts down.
	Decisions() <-chan Decision
}
