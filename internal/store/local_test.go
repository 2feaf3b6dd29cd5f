package store

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kapten-dev/kapten/internal/model"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kapten.db")
	mp := noopmetric.MeterProvider{}
	s, err := OpenLocal(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)

	if err := s.CreateTask(ctx, "pipeline1", "fetch", model.TaskState{Status: model.StatusIncomplete}, nil); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask(ctx, "pipeline1", "fetch", false, false)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || got.Status != model.StatusIncomplete {
		t.Fatalf("GetTask = %+v", got)
	}
}

func TestGetTaskMissingReturnsNilNoError(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	got, err := s.GetTask(ctx, "pipeline1", "ghost", false, false)
	if err != nil || got != nil {
		t.Fatalf("GetTask(missing) = (%v,%v), want (nil,nil)", got, err)
	}
}

func TestUpdateTaskMergesFields(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	if err := s.CreateTask(ctx, "p", "t", model.TaskState{Status: model.StatusIncomplete}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTask(ctx, "p", "t", model.TaskState{Status: model.StatusSuccess}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := s.GetTask(ctx, "p", "t", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusSuccess {
		t.Fatalf("merged status = %v, want SUCCESS", got.Status)
	}
}

func TestCreateAndGetSubtasks(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	keys := []string{"a", "b", "c"}
	if err := s.CreateSubtasks(ctx, "p", "mapped", keys); err != nil {
		t.Fatalf("CreateSubtasks: %v", err)
	}
	subs, err := s.GetSubtasks(ctx, "p", "mapped")
	if err != nil {
		t.Fatalf("GetSubtasks: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("got %d subtasks, want 3", len(subs))
	}
	for i, sub := range subs {
		if sub.Index != i || sub.Key != keys[i] {
			t.Fatalf("subtask[%d] = %+v", i, sub)
		}
		if sub.Finished() {
			t.Fatalf("fresh subtask[%d] reported finished", i)
		}
	}
}

func TestSetSubtaskStartedAndEnded(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	if err := s.CreateSubtasks(ctx, "p", "mapped", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSubtaskStarted(ctx, "p", "mapped", 1); err != nil {
		t.Fatalf("SetSubtaskStarted: %v", err)
	}
	if err := s.SetSubtaskEnded(ctx, "p", "mapped", 1, "outhash"); err != nil {
		t.Fatalf("SetSubtaskEnded: %v", err)
	}
	subs, err := s.GetSubtasks(ctx, "p", "mapped")
	if err != nil {
		t.Fatal(err)
	}
	if !subs[1].Finished() || subs[1].OutputHash != "outhash" {
		t.Fatalf("subtask[1] = %+v", subs[1])
	}
	if subs[0].Finished() {
		t.Fatalf("subtask[0] should remain unfinished")
	}
}

func TestClearSubsetLeavesTaskRecordIntact(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	if err := s.CreateTask(ctx, "p", "t", model.TaskState{Status: model.StatusSuccess}, []any{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskEnded(ctx, "p", "t", EndOptions{Result: []any{"subset-data"}, SubsetMode: true}); err != nil {
		t.Fatalf("SetTaskEnded(subset): %v", err)
	}
	if err := s.ClearSubset(ctx, "p", "t"); err != nil {
		t.Fatalf("ClearSubset: %v", err)
	}
	got, err := s.GetTask(ctx, "p", "t", false, false)
	if err != nil || got == nil || got.Status != model.StatusSuccess {
		t.Fatalf("task record disturbed by ClearSubset: (%+v,%v)", got, err)
	}
}

func TestDeleteTaskRemovesRecordAndBins(t *testing.T) {
	ctx := context.Background()
	s := newTestLocalStore(t)
	if err := s.CreateTask(ctx, "p", "t", model.TaskState{Status: model.StatusSuccess}, []any{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, "p", "t"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	got, err := s.GetTask(ctx, "p", "t", false, false)
	if err != nil || got != nil {
		t.Fatalf("GetTask after delete = (%+v,%v), want (nil,nil)", got, err)
	}
}
