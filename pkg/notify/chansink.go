package notify

import "context"

// ChanSink is an in-process Sink backed by channels. Tests and embedded
// deployments use it to script owner decisions.
type ChanSink struct {
	prompts   chan Prompt
	decisions chan Decision
}

// NewChanSink creates a sink with the given buffer size on both directions.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{
		prompts:   make(chan Prompt, buffer),
		decisions: make(chan Decision, buffer),
	}
}

// Notify queues the prompt; a full buffer drops it, matching the best-effort
// delivery contract.
func (s *ChanSink) Notify(_ context.Context, prompt Prompt) error {
	select {
	case s.prompts <- prompt:
	default:
	}
	return nil
}

// Decisions yields scripted decisions.
func (s *ChanSink) Decisions() <-chan Decision { return s.decisions }

// Prompts exposes delivered prompts to the test.
func (s *ChanSink) Prompts() <-chan Prompt { return s.prompts }

// Decide scripts one owner decision.
func (s *ChanSink) Decide(approvalID string, approve bool) {
	s.decisions <- Decision{ApprovalID: approvalID, Approve: approve}
}

// Close shuts the decision stream.
func (s *ChanSink) Close() { close(s.decisions) }
