// Package model defines the wire-level data shapes shared by the state
// store, cache engine, executor and map driver: TaskState, Subtask and
// the derived fingerprint fields computed from them.
package model

import "time"

// Status is the terminal (or non-terminal) state of a TaskState.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusIncomplete Status = "INCOMPLETE"
)

// TaskState is the persisted record for one (branch, pipeline, task).
type TaskState struct {
	ECSTaskID         string            `json:"ecs_task_id,omitempty" dynamodbav:"ecs_task_id,omitempty"`
	PyCodeHashes      []FileHash        `json:"py_code_hashes,omitempty" dynamodbav:"py_code_hashes,omitempty"`
	RCodeHashes       []FileHash        `json:"r_code_hashes,omitempty" dynamodbav:"r_code_hashes,omitempty"`
	InputHashes       map[string]string `json:"input_hashes,omitempty" dynamodbav:"input_hashes,omitempty"`
	InputDataHashes   map[string]string `json:"input_data_hashes,omitempty" dynamodbav:"input_data_hashes,omitempty"`
	OutputsVersion    *string           `json:"outputs_version,omitempty" dynamodbav:"outputs_version,omitempty"`
	OutputDataVersion string            `json:"output_data_version,omitempty" dynamodbav:"output_data_version,omitempty"`
	Data              any               `json:"data,omitempty" dynamodbav:"-"`
	Status            Status            `json:"status,omitempty" dynamodbav:"status,omitempty"`
	StartTime         *time.Time        `json:"start_time,omitempty" dynamodbav:"start_time,unixtime,omitempty"`
	EndTime           *time.Time        `json:"end_time,omitempty" dynamodbav:"end_time,unixtime,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at" dynamodbav:"updated_at,unixtime"`
}

// FileHash is one entry of a fingerprint tree: a source or output file path
// paired with the hash of its contents. Kept ordered (sorted by Path) by
// whoever constructs the slice — the Hasher contract requires this for
// fingerprint stability (spec §4.1).
type FileHash struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// PyCodeVersion is the fingerprint of PyCodeHashes, or the empty string
// when the task has no recorded Python file hashes.
func (t TaskState) PyCodeVersion(fp func(any) string) string {
	if len(t.PyCodeHashes) == 0 {
		return ""
	}
	return fp(t.PyCodeHashes)
}

// RCodeVersion is the fingerprint of RCodeHashes.
func (t TaskState) RCodeVersion(fp func(any) string) string {
	if len(t.RCodeHashes) == 0 {
		return ""
	}
	return fp(t.RCodeHashes)
}

// InputsVersion is the fingerprint of InputHashes.
func (t TaskState) InputsVersion(fp func(any) string) string {
	if len(t.InputHashes) == 0 {
		return ""
	}
	return fp(t.InputHashes)
}

// InputDataVersionDerived is the fingerprint of InputDataHashes.
func (t TaskState) InputDataVersionDerived(fp func(any) string) string {
	if len(t.InputDataHashes) == 0 {
		return ""
	}
	return fp(t.InputDataHashes)
}

// Subtask is one element of a mapped task's fan-out.
type Subtask struct {
	Index      int        `json:"i"`
	Key        string     `json:"key"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	OutputHash string     `json:"outputHash,omitempty"`
}

// Finished reports whether the subtask has reached a terminal state.
func (s Subtask) Finished() bool { return s.EndTime != nil }

// BinType identifies which side-channel a TaskDataBin belongs to.
type BinType string

const (
	BinTaskData BinType = "TASKDATABIN"
	BinSubset   BinType = "SUBSETBIN"
	BinSubtask  BinType = "SUBTASKBIN"
)

// BinSize is the maximum cardinality of a single bin (spec §3, §4.2).
const BinSize = 2000

// DDBMaxBatchSize bounds a single batched bin deletion against the remote backend.
const DDBMaxBatchSize = 25
