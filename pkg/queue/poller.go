package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/kvstore"
)

// Poller defaults.
const (
	DefaultInterval     = 5 * time.Second
	DefaultBatch        = 3
	DefaultTaskDeadline = 4 * time.Second
	DefaultRetention    = time.Hour
)

// Handler executes one claimed task.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Config holds the poller knobs.
type Config struct {
	Interval     time.Duration
	Batch        int
	TaskDeadline time.Duration
	Retention    time.Duration // TTL of completed and failed records
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = DefaultTaskDeadline
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

// Poller claims and executes queue tasks. Handlers are registered per task
// type before Run; in the full runtime they dispatch through the request
// dispatcher so queue tasks share the correlation pathway.
type Poller struct {
	store    kvstore.Store
	cfg      Config
	logger   *slog.Logger
	handlers map[Type]Handler

	mu      sync.Mutex
	polling bool
}

// NewPoller builds a poller over store.
func NewPoller(store kvstore.Store, cfg Config) *Poller {
	cfg.applyDefaults()
	return &Poller{
		store:    store,
		cfg:      cfg,
		logger:   slog.Default().With("component", "queue"),
		handlers: make(map[Type]Handler),
	}
}

// Register binds a handler to a task type. Unknown types at execution time
// fail immediately, so every valid type should be bound at startup.
func (p *Poller) Register(taskType Type, handler Handler) {
	p.handlers[taskType] = handler
}

// Run polls on the configured cadence until ctx is cancelled. A tick that
// lands while a cycle is still in flight is skipped.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.polling {
				p.mu.Unlock()
				p.logger.Debug("Skipping poll tick, previous cycle still running")
				continue
			}
			p.polling = true
			p.mu.Unlock()

			go func() {
				defer func() {
					p.mu.Lock()
					p.polling = false
					p.mu.Unlock()
				}()
				p.PollOnce(ctx)
			}()
		}
	}
}

// PollOnce runs one claim-execute-writeback cycle over at most one batch.
func (p *Poller) PollOnce(ctx context.Context) {
	ids := p.pendingBatch(ctx)
	for _, id := range ids {
		task, claimed := p.claim(ctx, id)
		if !claimed {
			continue
		}
		p.execute(ctx, task)
	}
}

// pendingBatch reads up to Batch ids from the pending queue.
func (p *Poller) pendingBatch(ctx context.Context) []string {
	raw, found, err := p.store.Get(ctx, PendingKey)
	if err != nil {
		p.logger.Warn("Could not read pending queue", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		p.logger.Warn("Pending queue is malformed", "error", err)
		return nil
	}
	if len(ids) > p.cfg.Batch {
		ids = ids[:p.cfg.Batch]
	}
	return ids
}

// claim CAS-transitions a pending task to processing. Any other claimant
// winning the race, or a non-pending status, means skip.
func (p *Poller) claim(ctx context.Context, id string) (Task, bool) {
	raw, found, err := p.store.Get(ctx, taskKey(id))
	if err != nil {
		p.logger.Warn("Could not read task record", "task", id, "error", err)
		return Task{}, false
	}
	if !found {
		// Dangling pending entry; the record expired or was removed.
		_ = removePending(ctx, p.store, id)
		return Task{}, false
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		p.logger.Warn("Task record is malformed", "task", id, "error", err)
		_ = removePending(ctx, p.store, id)
		return Task{}, false
	}
	if task.Status != StatusPending {
		return Task{}, false
	}

	task.Status = StatusProcessing
	task.ClaimedAt = time.Now()
	next, err := json.Marshal(task)
	if err != nil {
		p.logger.Warn("Could not encode task claim", "task", id, "error", err)
		return Task{}, false
	}
	if err := p.store.CompareAndSet(ctx, taskKey(id), raw, next, 0); err != nil {
		if !errors.Is(err, kvstore.ErrCASConflict) {
			p.logger.Warn("Could not claim task", "task", id, "error", err)
		}
		return Task{}, false
	}
	return task, true
}

// execute runs the task's handler under its deadline and writes the result
// back. The task is never retried here.
func (p *Poller) execute(ctx context.Context, task Task) {
	var result any
	var taskErr *TaskError

	handler, bound := p.handlers[task.Type]
	switch {
	case !task.Type.IsValid() || !bound:
		taskErr = &TaskError{
			Kind:    string(errkind.KindInvalidParams),
			Message: "unknown task type " + string(task.Type),
		}
	default:
		tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskDeadline)
		value, err := handler(tctx, task.Params)
		cancel()
		switch {
		case err == nil:
			result = value
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			taskErr = &TaskError{
				Kind:    string(errkind.KindTaskTimeout),
				Message: "task exceeded its deadline of " + p.cfg.TaskDeadline.String(),
			}
		default:
			taskErr = &TaskError{Kind: string(errkind.KindOf(err)), Message: err.Error()}
		}
	}

	task.CompletedAt = time.Now()
	task.Result = result
	task.Error = taskErr
	if taskErr == nil {
		task.Status = StatusCompleted
	} else {
		task.Status = StatusFailed
	}

	raw, err := json.Marshal(task)
	if err != nil {
		p.logger.Error("Could not encode task result", "task", task.ID, "error", err)
		return
	}
	if err := p.store.Set(ctx, taskKey(task.ID), raw, p.cfg.Retention); err != nil {
		p.logger.Error("Could not persist task result", "task", task.ID, "error", err)
		return
	}
	if err := removePending(ctx, p.store, task.ID); err != nil {
		p.logger.Warn("Could not remove task from pending queue", "task", task.ID, "error", err)
	}

	p.logger.Info("Queue task finished", "task", task.ID, "type", task.Type, "status", task.Status)
}

// Get returns a task record by id.
func Get(ctx context.Context, store kvstore.Store, id string) (Task, bool, error) {
	raw, found, err := store.Get(ctx, taskKey(id))
	if err != nil || !found {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}
