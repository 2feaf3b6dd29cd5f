package store

import (
	"testing"
	"time"

	"github.com/kapten-dev/kapten/internal/model"
)

// These cover only the pure helpers (key formatting, buildUpdateTaskExpr,
// joinComma): exercising CreateTask/
// GetTask/etc. against RemoteStore needs a live or mocked DynamoDB client,
// which the corpus has no established fixture for.

func newTestRemoteStore() *RemoteStore {
	return &RemoteStore{tableName: "kapten", storageKey: "main"}
}

func TestRemoteStorePartitionKey(t *testing.T) {
	s := newTestRemoteStore()
	if got, want := s.pk(), "BRANCH#main"; got != want {
		t.Fatalf("pk() = %q, want %q", got, want)
	}
}

func TestRemoteStoreTaskSortKey(t *testing.T) {
	s := newTestRemoteStore()
	if got, want := s.taskSK("p1", "fetch"), "PIPELINE#p1#TASK#fetch"; got != want {
		t.Fatalf("taskSK() = %q, want %q", got, want)
	}
}

func TestRemoteStoreBinSortKeys(t *testing.T) {
	s := newTestRemoteStore()
	if got, want := s.binSKPrefix("p1", "fetch", model.BinTaskData), "PIPELINE#p1#TASK#fetch#TASKDATABIN#"; got != want {
		t.Fatalf("binSKPrefix() = %q, want %q", got, want)
	}
	if got, want := s.binSK("p1", "fetch", model.BinSubtask, 3), "PIPELINE#p1#TASK#fetch#SUBTASKBIN#3"; got != want {
		t.Fatalf("binSK() = %q, want %q", got, want)
	}
}

func TestBuildUpdateTaskExprWritesFinalizeFields(t *testing.T) {
	now := time.Now().UTC()
	outputsVersion := "ov-1"
	partial := model.TaskState{
		PyCodeHashes:      []model.FileHash{{Path: "t1.py", Hash: "h1"}},
		RCodeHashes:       []model.FileHash{{Path: "t1.R", Hash: "h2"}},
		InputHashes:       map[string]string{"dep": "ih1"},
		InputDataHashes:   map[string]string{"dep": "dh1"},
		OutputsVersion:    &outputsVersion,
		OutputDataVersion: "odv-1",
		Status:            model.StatusSuccess,
		StartTime:         &now,
		EndTime:           &now,
	}

	u, err := buildUpdateTaskExpr(partial)
	if err != nil {
		t.Fatalf("buildUpdateTaskExpr: %v", err)
	}

	for _, field := range []string{
		"py_code_hashes", "r_code_hashes", "input_hashes", "input_data_hashes",
		"outputs_version", "output_data_version", "status", "start_time", "end_time",
	} {
		nameKey, valKey := "#"+field, ":"+field
		if _, ok := u.names[nameKey]; !ok {
			t.Fatalf("ExpressionAttributeNames missing %q (field %q never persisted)", nameKey, field)
		}
		if _, ok := u.values[valKey]; !ok {
			t.Fatalf("ExpressionAttributeValues missing %q (field %q never persisted)", valKey, field)
		}
	}
}

func TestBuildUpdateTaskExprOmitsZeroFields(t *testing.T) {
	u, err := buildUpdateTaskExpr(model.TaskState{})
	if err != nil {
		t.Fatalf("buildUpdateTaskExpr: %v", err)
	}
	for _, field := range []string{"py_code_hashes", "r_code_hashes", "input_hashes", "input_data_hashes", "status", "start_time", "end_time"} {
		if _, ok := u.names["#"+field]; ok {
			t.Fatalf("zero-value field %q should not appear in the update expression", field)
		}
	}
	if _, ok := u.names["#updated_at"]; !ok {
		t.Fatalf("UpdatedAt must always be written")
	}
}

func TestJoinComma(t *testing.T) {
	if got := joinComma(nil); got != "" {
		t.Fatalf("joinComma(nil) = %q, want empty", got)
	}
	if got, want := joinComma([]string{"a"}), "a"; got != want {
		t.Fatalf("joinComma(single) = %q, want %q", got, want)
	}
	if got, want := joinComma([]string{"a", "b", "c"}), "a, b, c"; got != want {
		t.Fatalf("joinComma(multiple) = %q, want %q", got, want)
	}
}
