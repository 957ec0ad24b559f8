package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/broker"
	"github.com/sentience-labs/warden/pkg/bus"
	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/workspace"
)

// TestHelperAgentProcess is not a test: it is the child binary, re-executing
// the test binary with the agent protocol on stdin/stdout.
func TestHelperAgentProcess(t *testing.T) {
	if os.Getenv("WARDEN_AGENT_HELPER") != "1" {
		return
	}
	if os.Getenv("WARDEN_AGENT_MUTE") == "1" {
		// Simulate a hung worker that never reports ready.
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	child := NewChild(os.Stdin, os.Stdout, helperTaskHandler)
	if err := child.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "helper agent:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// helperTaskHandler executes scripted test tasks.
func helperTaskHandler(ctx context.Context, child *Child, task json.RawMessage) (any, error) {
	var op struct {
		Op      string `json:"op"`
		Text    string `json:"text"`
		Millis  int    `json:"millis"`
		Path    string `json:"path"`
		Content string `json:"content"`
		EnvName string `json:"envName"`
	}
	if err := json.Unmarshal(task, &op); err != nil {
		return nil, err
	}

	switch op.Op {
	case "echo":
		return map[string]string{"echo": op.Text}, nil
	case "sleep":
		time.Sleep(time.Duration(op.Millis) * time.Millisecond)
		return map[string]bool{"slept": true}, nil
	case "write":
		if err := child.WriteWorkspace(op.Path, []byte(op.Content)); err != nil {
			return nil, err
		}
		return map[string]bool{"sent": true}, nil
	case "llm":
		content, err := child.LLM(ctx, []broker.Message{{Role: "user", Content: op.Text}}, broker.CompletionParams{})
		if err != nil {
			return nil, err
		}
		return map[string]string{"content": content}, nil
	case "env":
		_, present := os.LookupEnv(op.EnvName)
		return map[string]bool{"present": present}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) LLMComplete(_ context.Context, _ broker.CompletionRequest) (*broker.CompletionResult, error) {
	return &broker.CompletionResult{Content: f.reply}, nil
}

func newSupervisor(t *testing.T, cfg Config, llm LLMProxy, events *bus.Bus) (*Supervisor, *workspace.Jail) {
	t.Helper()
	jail, err := workspace.New(t.TempDir(), 50*1024)
	require.NoError(t, err)

	cfg.Command = os.Args[0]
	cfg.Args = []string{"-test.run=^TestHelperAgentProcess$"}
	cfg.ExtraEnv = append([]string{"WARDEN_AGENT_HELPER=1"}, cfg.ExtraEnv...)
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}

	s := New(cfg, jail, llm, events)
	t.Cleanup(s.Close)
	return s, jail
}

func taskJSON(t *testing.T, op map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	return raw
}

func TestSpawnAndRunTask(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicAgentReady, 4)
	defer events.Unsubscribe(sub)

	s, _ := newSupervisor(t, Config{}, nil, events)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, record.State)
	assert.Equal(t, RoleResearch, record.Role)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, ok := sub.Receive(rctx)
	assert.True(t, ok, "ready event not published")

	result, err := s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "echo", "text": "hi"}), 5*time.Second)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "hi", decoded["echo"])

	current, ok := s.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateIdle, current.State)
	assert.Equal(t, 1, current.TaskCount)
	assert.Empty(t, current.CurrentTaskID)
}

func TestSpawnUnknownRole(t *testing.T) {
	s, _ := newSupervisor(t, Config{}, nil, nil)

	_, err := s.Spawn(context.Background(), Role("janitor"))
	require.Error(t, err)
	assert.Equal(t, errkind.KindUnknownRole, errkind.KindOf(err))
}

func TestConcurrencyCap(t *testing.T) {
	s, _ := newSupervisor(t, Config{MaxAgents: 1}, nil, nil)
	ctx := context.Background()

	_, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	_, err = s.Spawn(ctx, RoleNewsCurator)
	require.Error(t, err)
	assert.Equal(t, errkind.KindCapacityExceeded, errkind.KindOf(err))
}

func TestStartupTimeout(t *testing.T) {
	s, _ := newSupervisor(t, Config{
		StartupTimeout: 300 * time.Millisecond,
		ExtraEnv:       []string{"WARDEN_AGENT_MUTE=1"},
	}, nil, nil)

	start := time.Now()
	_, err := s.Spawn(context.Background(), RoleResearch)
	require.Error(t, err)
	assert.Equal(t, errkind.KindStartupTimeout, errkind.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTaskTimeoutLeavesBusyAndDiscardsLateResult(t *testing.T) {
	s, _ := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "sleep", "millis": 500}), 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errkind.KindTaskTimeout, errkind.KindOf(err))

	// The child is still working, so the supervisor's view stays busy.
	current, ok := s.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateBusy, current.State)

	// Once the late result arrives it is discarded and the child is idle
	// again and usable.
	require.Eventually(t, func() bool {
		current, ok := s.Get(record.ID)
		return ok && current.State == StateIdle
	}, 3*time.Second, 50*time.Millisecond)

	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "echo", "text": "again"}), 5*time.Second)
	assert.NoError(t, err)
}

func TestTaskExclusivity(t *testing.T) {
	s, _ := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "sleep", "millis": 400}), 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		current, ok := s.Get(record.ID)
		return ok && current.State == StateBusy
	}, time.Second, 10*time.Millisecond)

	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "echo"}), time.Second)
	require.Error(t, err)
	assert.Equal(t, errkind.KindCapacityExceeded, errkind.KindOf(err))
	<-done
}

func TestWorkspaceWriteThroughJail(t *testing.T) {
	s, jail := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleContentCreator)
	require.NoError(t, err)

	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{
		"op": "write", "path": "notes/draft.md", "content": "hello",
	}), 5*time.Second)
	require.NoError(t, err)

	target := filepath.Join(jail.Root(), "notes", "draft.md")
	require.Eventually(t, func() bool {
		content, err := os.ReadFile(target)
		return err == nil && string(content) == "hello"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWorkspaceEscapeSilentlyDropped(t *testing.T) {
	s, jail := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleContentCreator)
	require.NoError(t, err)

	// The child reports success (it only sent the frame); the parent must
	// drop the write without telling it.
	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{
		"op": "write", "path": "../escape.txt", "content": "nope",
	}), 5*time.Second)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(jail.Root()), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr), "escaped file must not exist")

	// The child is unaffected and keeps working.
	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "echo", "text": "still here"}), 5*time.Second)
	assert.NoError(t, err)
}

func TestWorkspaceWriteWithoutCapabilityDropped(t *testing.T) {
	s, jail := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	// news-curator has no workspace-write capability.
	record, err := s.Spawn(ctx, RoleNewsCurator)
	require.NoError(t, err)

	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{
		"op": "write", "path": "report.md", "content": "x",
	}), 5*time.Second)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	_, statErr := os.Stat(filepath.Join(jail.Root(), "report.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLLMRequestProxied(t *testing.T) {
	s, _ := newSupervisor(t, Config{}, &fakeLLM{reply: "the answer"}, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	result, err := s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "llm", "text": "question"}), 5*time.Second)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "the answer", decoded["content"])
}

func TestChildEnvironmentIsMinimal(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "do-not-leak")

	s, _ := newSupervisor(t, Config{}, nil, nil)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	result, err := s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{
		"op": "env", "envName": "WARDEN_TEST_SECRET",
	}), 5*time.Second)
	require.NoError(t, err)
	var decoded map[string]bool
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.False(t, decoded["present"], "sensitive variable leaked into the child")
}

func TestStopIsIdempotent(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicAgentExit, 4)
	defer events.Unsubscribe(sub)

	s, _ := newSupervisor(t, Config{}, nil, events)
	ctx := context.Background()

	record, err := s.Spawn(ctx, RoleResearch)
	require.NoError(t, err)

	require.NoError(t, s.Stop(record.ID))
	require.NoError(t, s.Stop(record.ID))
	require.NoError(t, s.Stop("no-such-agent"))

	current, ok := s.Get(record.ID)
	require.True(t, ok, "exited record retained")
	assert.Equal(t, StateExited, current.State)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, got := sub.Receive(rctx)
	assert.True(t, got, "exit event not published")

	// A stopped agent refuses tasks.
	_, err = s.SendTask(ctx, record.ID, taskJSON(t, map[string]any{"op": "echo"}), time.Second)
	require.Error(t, err)
	assert.Equal(t, errkind.KindWorkerExited, errkind.KindOf(err))
}

func TestCloseRefusesNewSpawns(t *testing.T) {
	s, _ := newSupervisor(t, Config{}, nil, nil)

	_, err := s.Spawn(context.Background(), RoleResearch)
	require.NoError(t, err)

	s.Close()

	_, err = s.Spawn(context.Background(), RoleDefiMonitor)
	require.Error(t, err)
	assert.Equal(t, errkind.KindShuttingDown, errkind.KindOf(err))
}
