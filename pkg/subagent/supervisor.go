// Package subagent supervises worker child processes. Each worker runs a
// single role with a fixed capability set and lifetime ceiling, speaks a
// newline-delimited JSON protocol over stdin/stdout, and never holds
// credentials: LLM calls are proxied through the parent, and file writes go
// through the parent's workspace jail.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/metrics"
	"github.com/sentience-labs/warden/pkg/workspace"
)

// Defaults for the supervisor's enforcement knobs.
const (
	DefaultMaxAgents       = 4
	DefaultStartupTimeout  = 10 * time.Second
	DefaultTaskTimeout     = 60 * time.Second
	DefaultStopGrace       = 5 * time.Second
	DefaultExitedRetention = 60 * time.Second
)

// State is a sub-agent lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateError    State = "error"
)

// Record is the supervisor's view of one sub-agent. Snapshots are returned
// by value; the supervisor exclusively owns the live record.
type Record struct {
	ID            string
	Role          Role
	Capabilities  []Capability
	State         State
	SpawnedAt     time.Time
	CurrentTaskID string
	TaskCount     int
	MaxLifetime   time.Duration
	ExitCode      int // meaningful once State is exited
}

// LLMProxy is the slice of the broker client used to answer llm_request
// messages on the children's behalf.
type LLMProxy interface {
	LLMComplete(ctx context.Context, req broker.CompletionRequest) (*broker.CompletionResult, error)
}

// Config holds the supervisor knobs. Command is the child binary; zero
// durations and counts fall back to the defaults above.
type Config struct {
	Command         string
	Args            []string
	ExtraEnv        []string // appended to the minimal child environment
	MaxAgents       int
	StartupTimeout  time.Duration
	TaskTimeout     time.Duration
	StopGrace       time.Duration
	ExitedRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = DefaultMaxAgents
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ExitedRetention <= 0 {
		c.ExitedRetention = DefaultExitedRetention
	}
}

// agent is the live state behind one Record. Field access is serialized by
// the supervisor's table lock; the IPC reader is the only goroutine that
// consumes the child's stdout.
type agent struct {
	record Record
	cmd    *exec.Cmd
	writer *frameWriter

	ready    chan struct{} // closed on the child's ready message
	exited   chan struct{} // closed once the process has been reaped
	stopOnce sync.Once

	// waiter receives the result for record.CurrentTaskID; nil when no
	// caller is waiting (a late result is then discarded).
	waiter chan TaskResultPayload

	lifetime   *time.Timer
	exitReason string
	shutdown   *ShutdownPayload
}

// Supervisor owns the sub-agent table.
type Supervisor struct {
	cfg    Config
	jail   *workspace.Jail
	llm    LLMProxy
	events *bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*agent
	closed bool
}

// New builds a Supervisor. llm and events may be nil, which disables LLM
// proxying and bus announcements respectively.
func New(cfg Config, jail *workspace.Jail, llm LLMProxy, events *bus.Bus) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		jail:   jail,
		llm:    llm,
		events: events,
		logger: slog.Default().With("component", "subagent"),
		agents: make(map[string]*agent),
	}
}

// Spawn starts a child for role, sends init, and waits for ready. The
// returned record is in state idle on success. The child is killed and the
// spawn fails with startup_timeout if ready does not arrive in time.
func (s *Supervisor) Spawn(ctx context.Context, role Role) (Record, error) {
	if !role.IsValid() {
		return Record{}, errkind.New(errkind.KindUnknownRole, "role %q is not in the role whitelist", role)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record{}, errkind.New(errkind.KindShuttingDown, "supervisor is shutting down")
	}
	if s.activeLocked() >= s.cfg.MaxAgents {
		s.mu.Unlock()
		return Record{}, errkind.New(errkind.KindCapacityExceeded, "sub-agent cap of %d reached", s.cfg.MaxAgents)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	// The child gets no inherited environment beyond the bare process
	// basics; credentials live in the parent and the broker only.
	cmd.Env = append(minimalEnv(), s.cfg.ExtraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return Record{}, errkind.Wrap(errkind.KindInternal, fmt.Errorf("open child stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return Record{}, errkind.Wrap(errkind.KindInternal, fmt.Errorf("open child stdout: %w", err))
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return Record{}, errkind.Wrap(errkind.KindInternal, fmt.Errorf("start sub-agent process: %w", err))
	}

	a := &agent{
		record: Record{
			ID:           uuid.NewString(),
			Role:         role,
			Capabilities: role.Capabilities(),
			State:        StateStarting,
			SpawnedAt:    time.Now(),
			MaxLifetime:  role.MaxLifetime(),
		},
		cmd:    cmd,
		writer: newFrameWriter(stdin),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.agents[a.record.ID] = a
	s.mu.Unlock()

	go s.readLoop(a, stdout)
	go s.reap(a)

	initPayload := InitPayload{
		Role:         role,
		Capabilities: a.record.Capabilities,
		MaxLifetime:  a.record.MaxLifetime.String(),
	}
	if err := a.writer.send(TypeInit, "", initPayload); err != nil {
		s.fail(a, "init_failed")
		return Record{}, errkind.Wrap(errkind.KindInternal, fmt.Errorf("send init to sub-agent: %w", err))
	}

	startup := time.NewTimer(s.cfg.StartupTimeout)
	defer startup.Stop()
	select {
	case <-a.ready:
	case <-startup.C:
		s.fail(a, "startup_timeout")
		return Record{}, errkind.New(errkind.KindStartupTimeout, "sub-agent %s (%s) did not report ready within %s", a.record.ID, role, s.cfg.StartupTimeout)
	case <-a.exited:
		return Record{}, errkind.New(errkind.KindWorkerExited, "sub-agent %s (%s) exited before ready", a.record.ID, role)
	case <-ctx.Done():
		s.fail(a, "spawn_cancelled")
		return Record{}, errkind.Wrap(errkind.KindCancelled, fmt.Errorf("spawn of %s cancelled: %w", role, ctx.Err()))
	}

	s.mu.Lock()
	a.record.State = StateIdle
	// The lifetime ceiling is absolute; when it fires the child is stopped
	// regardless of what it is doing.
	a.lifetime = time.AfterFunc(a.record.MaxLifetime, func() {
		s.noteExitReason(a, "lifetime")
		_ = s.Stop(a.record.ID)
	})
	record := a.record
	s.mu.Unlock()

	s.publish(bus.TopicAgentReady, record)
	s.logger.Info("Sub-agent ready", "agent", record.ID, "role", role)
	return record, nil
}

// SendTask delivers one task to an idle sub-agent and waits for its result.
// On deadline expiry the caller gets task_timeout while the supervisor keeps
// the child marked busy; a result arriving later is discarded.
func (s *Supervisor) SendTask(ctx context.Context, agentID string, task json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	if deadline <= 0 {
		deadline = s.cfg.TaskTimeout
	}

	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.New(errkind.KindInvalidParams, "no sub-agent %s", agentID)
	}
	switch a.record.State {
	case StateIdle, StateBusy:
	default:
		s.mu.Unlock()
		return nil, errkind.New(errkind.KindWorkerExited, "sub-agent %s is %s", agentID, a.record.State)
	}
	if a.record.CurrentTaskID != "" {
		s.mu.Unlock()
		return nil, errkind.New(errkind.KindCapacityExceeded, "sub-agent %s already has a task in flight", agentID)
	}

	taskID := uuid.NewString()
	waiter := make(chan TaskResultPayload, 1)
	a.record.State = StateBusy
	a.record.CurrentTaskID = taskID
	a.waiter = waiter
	writer := a.writer
	s.mu.Unlock()

	if err := writer.send(TypeTask, taskID, TaskPayload{TaskID: taskID, Task: task}); err != nil {
		s.fail(a, "ipc_failure")
		return nil, errkind.Wrap(errkind.KindInternal, fmt.Errorf("send task to sub-agent %s: %w", agentID, err))
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case result := <-waiter:
		if result.Error != "" {
			return nil, errkind.New(errkind.KindInternal, "sub-agent task failed: %s", result.Error)
		}
		return result.Result, nil
	case <-timer.C:
		// Detach the waiter; the state stays busy so nothing else is routed
		// to this child until it actually answers or dies.
		s.mu.Lock()
		a.waiter = nil
		s.mu.Unlock()
		return nil, errkind.New(errkind.KindTaskTimeout, "sub-agent %s did not answer task within %s", agentID, deadline)
	case <-a.exited:
		return nil, errkind.New(errkind.KindWorkerExited, "sub-agent %s exited with task in flight", agentID)
	case <-ctx.Done():
		s.mu.Lock()
		a.waiter = nil
		s.mu.Unlock()
		return nil, errkind.Wrap(errkind.KindCancelled, fmt.Errorf("task to sub-agent %s cancelled: %w", agentID, ctx.Err()))
	}
}

// Stop asks the sub-agent to shut down and kills it after the grace period.
// Safe to call repeatedly and on already-exited agents.
func (s *Supervisor) Stop(agentID string) error {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if a.record.State == StateExited {
		s.mu.Unlock()
		return nil
	}
	a.record.State = StateStopping
	s.mu.Unlock()

	a.stopOnce.Do(func() {
		s.noteExitReason(a, "stopped")
		_ = a.writer.send(TypeShutdown, "", nil)
		select {
		case <-a.exited:
		case <-time.After(s.cfg.StopGrace):
			_ = a.cmd.Process.Kill()
			<-a.exited
		}
	})
	return nil
}

// Close stops every live sub-agent and refuses further spawns.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Stop(id)
	}
}

// Get returns a snapshot of one sub-agent record.
func (s *Supervisor) Get(agentID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return Record{}, false
	}
	return a.record, true
}

// List returns snapshots of all retained records.
func (s *Supervisor) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.record)
	}
	return out
}

// activeLocked counts agents that occupy a concurrency slot.
func (s *Supervisor) activeLocked() int {
	n := 0
	for _, a := range s.agents {
		switch a.record.State {
		case StateExited, StateError:
		default:
			n++
		}
	}
	return n
}

// readLoop is the single consumer of one child's stdout.
func (s *Supervisor) readLoop(a *agent, stdout io.Reader) {
	reader := newFrameReader(stdout)
	for {
		env, err := reader.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errkind.KindOf(err) == errkind.KindFramingError {
				s.logger.Warn("Dropping malformed sub-agent message", "agent", a.record.ID, "error", err)
				continue
			}
			// Oversized frames and read failures poison the stream; the
			// child cannot be trusted past this point.
			s.logger.Error("Sub-agent IPC failure", "agent", a.record.ID, "error", err)
			s.fail(a, "ipc_failure")
			return
		}
		s.handleChildMessage(a, env)
	}
}

func (s *Supervisor) handleChildMessage(a *agent, env Envelope) {
	switch env.Type {
	case TypeReady:
		s.mu.Lock()
		if a.record.State == StateStarting {
			close(a.ready)
		}
		s.mu.Unlock()

	case TypeTaskResult:
		var payload TaskResultPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn("Dropping malformed task result", "agent", a.record.ID, "error", err)
			return
		}
		s.mu.Lock()
		a.record.TaskCount++
		matched := payload.TaskID == a.record.CurrentTaskID
		waiter := a.waiter
		if matched {
			a.record.CurrentTaskID = ""
			a.waiter = nil
			if a.record.State == StateBusy {
				a.record.State = StateIdle
			}
		}
		s.mu.Unlock()
		if matched && waiter != nil {
			waiter <- payload
		} else if !matched {
			s.logger.Debug("Discarding unsolicited task result", "agent", a.record.ID, "task", payload.TaskID)
		}

	case TypeLLMRequest:
		var payload LLMRequestPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn("Dropping malformed LLM request", "agent", a.record.ID, "error", err)
			return
		}
		if !a.record.Role.Has(CapabilityLLM) || s.llm == nil {
			s.dropViolation(a, "capability_violation", "llm_request")
			return
		}
		go s.proxyLLM(a, payload)

	case TypeWorkspaceWrite:
		var payload WorkspaceWritePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn("Dropping malformed workspace write", "agent", a.record.ID, "error", err)
			return
		}
		if !a.record.Role.Has(CapabilityWorkspaceWrite) || s.jail == nil {
			s.dropViolation(a, "capability_violation", "workspace_write")
			return
		}
		// Jail failures (escape attempts, oversize content) are dropped with
		// no reply to the child; the jail records escape metrics itself.
		if _, err := s.jail.WriteFile(payload.Path, payload.Content); err != nil {
			s.logger.Warn("Dropped sub-agent workspace write", "agent", a.record.ID, "path", payload.Path, "error", err)
			return
		}

	case TypeShutdown:
		var payload ShutdownPayload
		_ = json.Unmarshal(env.Payload, &payload)
		s.mu.Lock()
		a.shutdown = &payload
		s.mu.Unlock()
		s.publish(bus.TopicAgentShutdown, a.record)

	default:
		s.logger.Warn("Dropping unknown sub-agent message type", "agent", a.record.ID, "type", env.Type)
	}
}

// proxyLLM answers one llm_request with the parent's broker credentials.
func (s *Supervisor) proxyLLM(a *agent, payload LLMRequestPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	result := LLMResultPayload{ReqID: payload.ReqID}
	completion, err := s.llm.LLMComplete(ctx, broker.CompletionRequest{
		Messages: payload.Messages,
		Params:   payload.Params,
	})
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Content = completion.Content
	}
	if err := a.writer.send(TypeLLMResult, payload.ReqID, result); err != nil {
		s.logger.Warn("Could not deliver LLM result to sub-agent", "agent", a.record.ID, "error", err)
	}
}

// dropViolation records a capability violation without answering the child.
func (s *Supervisor) dropViolation(a *agent, kind, msgType string) {
	metrics.IntegrityViolations.WithLabelValues(kind).Inc()
	s.logger.Warn("Dropped sub-agent message exercising an absent capability",
		"agent", a.record.ID, "role", a.record.Role, "message", msgType)
}

// fail kills the child after a supervisor-side IPC failure and parks the
// record in the absorbing error state.
func (s *Supervisor) fail(a *agent, reason string) {
	s.noteExitReason(a, reason)
	s.mu.Lock()
	if a.record.State != StateExited {
		a.record.State = StateError
	}
	s.mu.Unlock()
	_ = a.cmd.Process.Kill()
}

// reap waits for the child process and finalizes its record.
func (s *Supervisor) reap(a *agent) {
	err := a.cmd.Wait()

	s.mu.Lock()
	wasError := a.record.State == StateError
	if !wasError {
		a.record.State = StateExited
	}
	a.record.CurrentTaskID = ""
	a.record.ExitCode = a.cmd.ProcessState.ExitCode()
	if a.lifetime != nil {
		a.lifetime.Stop()
	}
	a.waiter = nil
	reason := a.exitReason
	if reason == "" {
		reason = "exit"
		if err != nil || a.record.ExitCode != 0 {
			reason = "crash"
		}
		a.exitReason = reason
	}
	record := a.record
	s.mu.Unlock()

	close(a.exited)
	metrics.SubAgentExits.WithLabelValues(string(record.Role), reason).Inc()
	s.publish(bus.TopicAgentExit, record)
	s.logger.Info("Sub-agent exited", "agent", record.ID, "role", record.Role, "reason", reason, "code", record.ExitCode)

	// Keep the terminal record visible for a while, then purge it.
	time.AfterFunc(s.cfg.ExitedRetention, func() {
		s.mu.Lock()
		delete(s.agents, record.ID)
		s.mu.Unlock()
	})
}

func (s *Supervisor) publish(topic bus.Topic, record Record) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, map[string]any{
		"agent": record.ID,
		"role":  string(record.Role),
		"state": string(record.State),
	})
}

// noteExitReason records the first cause of termination; later causes are
// consequences, not reasons.
func (s *Supervisor) noteExitReason(a *agent, reason string) {
	s.mu.Lock()
	if a.exitReason == "" {
		a.exitReason = reason
	}
	s.mu.Unlock()
}

// minimalEnv is the entire environment a child inherits.
func minimalEnv() []string {
	env := make([]string, 0, 3)
	for _, name := range []string{"PATH", "HOME", "TMPDIR"} {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}
