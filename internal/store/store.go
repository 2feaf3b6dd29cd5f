// Package store implements the State Store (spec §4.2): abstract
// persistence of TaskState, Subtask and TaskDataBin records keyed by
// (branch, pipeline, task), with two concrete back-ends — a local
// embedded store (bbolt) and a remote key-value store (DynamoDB).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kapten-dev/kapten/internal/model"
)

// StoreError wraps any back-end failure. The core never retries on it —
// retrying is the runtime binding's responsibility (spec §4.2, §7).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ErrNotFound marks a missing record inside LocalStore's internal lookups;
// the exported GetTask and GetTaskData return (nil, nil) instead.
var ErrNotFound = errors.New("store: not found")

// EndOptions parameterizes set_task_ended (spec §4.2).
type EndOptions struct {
	Result         any
	ResultHash     string
	OutputsVersion string
	Status         model.Status
	SubsetMode     bool
}

// Store is the abstract State Store surface both back-ends implement.
type Store interface {
	// CreateTask idempotently overwrites the task record, splitting data
	// into bins if provided.
	CreateTask(ctx context.Context, pipeline, task string, state model.TaskState, data any) error

	// UpdateTask merges the non-zero fields of partial into the existing record.
	UpdateTask(ctx context.Context, pipeline, task string, partial model.TaskState) error

	// GetTask fetches the record and, if includeData, concatenates its bins.
	// In subset mode, prefers SUBSETBIN and falls back to TASKDATABIN.
	GetTask(ctx context.Context, pipeline, task string, includeData, subsetMode bool) (*model.TaskState, error)

	// GetTaskData returns the decoded list or scalar across bins.
	GetTaskData(ctx context.Context, pipeline, task string, subsetMode bool) (any, error)

	// CreateSubtasks writes subtask bins for keys; indices are contiguous from 0.
	CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error

	// GetSubtasks returns all subtasks of task.
	GetSubtasks(ctx context.Context, pipeline, task string) ([]model.Subtask, error)

	// SetSubtaskStarted marks index's start time within its bin.
	SetSubtaskStarted(ctx context.Context, pipeline, task string, index int) error

	// SetSubtaskEnded marks index's end time and output hash within its bin.
	SetSubtaskEnded(ctx context.Context, pipeline, task string, index int, outputHash string) error

	// SetTaskEnded finalizes a task per opts (spec §4.2).
	SetTaskEnded(ctx context.Context, pipeline, task string, opts EndOptions) error

	// ResetSubsetOfSubtasks may be a no-op (spec §4.2 explicitly allows this).
	ResetSubsetOfSubtasks(ctx context.Context, pipeline, task string, subset []string) error

	// ClearSubset deletes only SUBSETBIN, leaving the full-run task record
	// and its TASKDATABIN/SUBTASKBIN untouched (cache engine pre-run hygiene
	// for a "run" decision taken in subset mode).
	ClearSubset(ctx context.Context, pipeline, task string) error

	// DeleteTask deletes all bins (subtask, data, subset) then the task record.
	DeleteTask(ctx context.Context, pipeline, task string) error

	Close() error
}
