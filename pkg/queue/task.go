// Package queue polls the external task queue stored in the key/value
// collaborator and executes claimed tasks through registered handlers. A
// task is claimed with a compare-and-set on its record, so any number of
// logical pollers execute it exactly once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/kvstore"
)

// Storage keys shared by producers and the poller.
const (
	PendingKey = "tasks:pending"
	taskPrefix = "task:"
)

// Type is a queue task type. The set is closed; unknown types fail
// immediately.
type Type string

const (
	TypeDefiQuery       Type = "defi-query"
	TypeContractDeploy  Type = "contract-deploy"
	TypeTokenResearch   Type = "token-research"
	TypeContentGenerate Type = "content-generate"
	TypeScamCheck       Type = "scam-check"
)

// IsValid checks if the type is one of the known values.
func (t Type) IsValid() bool {
	switch t {
	case TypeDefiQuery, TypeContractDeploy, TypeTokenResearch, TypeContentGenerate, TypeScamCheck:
		return true
	}
	return false
}

// Status is a task lifecycle state. Transitions are strictly forward:
// pending → processing → completed or failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskError is the persisted failure of a task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is one queue record, stored under task:<id>.
type Task struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	ClaimedAt   time.Time      `json:"claimedAt,omitzero"`
	CompletedAt time.Time      `json:"completedAt,omitzero"`
	Result      any            `json:"result,omitempty"`
	Error       *TaskError     `json:"error,omitempty"`
}

func taskKey(id string) string { return taskPrefix + id }

// Enqueue persists a new pending task and appends its id to the pending
// queue. Returns the task id.
func Enqueue(ctx context.Context, store kvstore.Store, taskType Type, params map[string]any) (string, error) {
	task := Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := store.Set(ctx, taskKey(task.ID), raw, 0); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	if err := appendPending(ctx, store, task.ID); err != nil {
		return "", err
	}
	return task.ID, nil
}

// appendPending adds id to the pending list with a CAS loop.
func appendPending(ctx context.Context, store kvstore.Store, id string) error {
	for {
		current, found, err := store.Get(ctx, PendingKey)
		if err != nil {
			return fmt.Errorf("read pending queue: %w", err)
		}
		var ids []string
		var expected []byte
		if found {
			if err := json.Unmarshal(current, &ids); err != nil {
				return fmt.Errorf("decode pending queue: %w", err)
			}
			expected = current
		}
		next, err := json.Marshal(append(ids, id))
		if err != nil {
			return fmt.Errorf("encode pending queue: %w", err)
		}
		err = store.CompareAndSet(ctx, PendingKey, expected, next, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvstore.ErrCASConflict) {
			return fmt.Errorf("update pending queue: %w", err)
		}
	}
}

// removePending drops id from the pending list with a CAS loop.
func removePending(ctx context.Context, store kvstore.Store, id string) error {
	for {
		current, found, err := store.Get(ctx, PendingKey)
		if err != nil {
			return fmt.Errorf("read pending queue: %w", err)
		}
		if !found {
			return nil
		}
		var ids []string
		if err := json.Unmarshal(current, &ids); err != nil {
			return fmt.Errorf("decode pending queue: %w", err)
		}
		filtered := ids[:0:0]
		for _, existing := range ids {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == len(ids) {
			return nil
		}
		next, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("encode pending queue: %w", err)
		}
		err = store.CompareAndSet(ctx, PendingKey, current, next, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvstore.ErrCASConflict) {
			return fmt.Errorf("update pending queue: %w", err)
		}
	}
}
