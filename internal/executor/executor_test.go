package executor

import (
	"context"
	"testing"
	"time"

	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/store"
)

// fakeStore is a minimal in-memory store.Store good enough to exercise the
// Executor without a real back-end.
type fakeStore struct {
	tasks     map[string]model.TaskState
	data      map[string]any
	subtasks  map[string][]model.Subtask
	endedOpts []store.EndOptions
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    map[string]model.TaskState{},
		data:     map[string]any{},
		subtasks: map[string][]model.Subtask{},
	}
}

func key(pipeline, task string) string { return pipeline + "/" + task }

func (f *fakeStore) CreateTask(ctx context.Context, pipeline, task string, state model.TaskState, data any) error {
	f.tasks[key(pipeline, task)] = state
	if data != nil {
		f.data[key(pipeline, task)] = data
	}
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, pipeline, task string, partial model.TaskState) error {
	existing := f.tasks[key(pipeline, task)]
	if partial.Status != "" {
		existing.Status = partial.Status
	}
	if partial.EndTime != nil {
		existing.EndTime = partial.EndTime
	}
	f.tasks[key(pipeline, task)] = existing
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, pipeline, task string, includeData, subsetMode bool) (*model.TaskState, error) {
	ts, ok := f.tasks[key(pipeline, task)]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (f *fakeStore) GetTaskData(ctx context.Context, pipeline, task string, subsetMode bool) (any, error) {
	return f.data[key(pipeline, task)], nil
}

func (f *fakeStore) CreateSubtasks(ctx context.Context, pipeline, task string, keys []string) error {
	subs := make([]model.Subtask, len(keys))
	for i, k := range keys {
		subs[i] = model.Subtask{Index: i, Key: k}
	}
	f.subtasks[key(pipeline, task)] = subs
	return nil
}

func (f *fakeStore) GetSubtasks(ctx context.Context, pipeline, task string) ([]model.Subtask, error) {
	return f.subtasks[key(pipeline, task)], nil
}

func (f *fakeStore) SetSubtaskStarted(ctx context.Context, pipeline, task string, index int) error {
	subs := f.subtasks[key(pipeline, task)]
	now := time.Now().UTC()
	for i := range subs {
		if subs[i].Index == index {
			subs[i].StartTime = &now
		}
	}
	return nil
}

func (f *fakeStore) SetSubtaskEnded(ctx context.Context, pipeline, task string, index int, outputHash string) error {
	subs := f.subtasks[key(pipeline, task)]
	now := time.Now().UTC()
	for i := range subs {
		if subs[i].Index == index {
			subs[i].EndTime = &now
			subs[i].OutputHash = outputHash
		}
	}
	return nil
}

func (f *fakeStore) SetTaskEnded(ctx context.Context, pipeline, task string, opts store.EndOptions) error {
	f.endedOpts = append(f.endedOpts, opts)
	ts := f.tasks[key(pipeline, task)]
	ts.Status = opts.Status
	f.tasks[key(pipeline, task)] = ts
	if opts.Result != nil {
		f.data[key(pipeline, task)] = opts.Result
	}
	return nil
}

func (f *fakeStore) ResetSubsetOfSubtasks(ctx context.Context, pipeline, task string, subset []string) error {
	return nil
}

func (f *fakeStore) ClearSubset(ctx context.Context, pipeline, task string) error { return nil }

func (f *fakeStore) DeleteTask(ctx context.Context, pipeline, task string) error {
	delete(f.tasks, key(pipeline, task))
	delete(f.data, key(pipeline, task))
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestExecutor(t *testing.T, st *fakeStore, reg *registry.Registry, funcs map[string]PyFunc) *Executor {
	t.Helper()
	return New(Deps{
		Store:      st,
		Hasher:     hasher.New(nil, nil, t.TempDir()),
		Registry:   reg,
		Funcs:      funcs,
		ScratchDir: t.TempDir(),
	})
}

func TestRunSingleInvokesRegisteredPyFunc(t *testing.T) {
	reg := registry.New(registry.Settings{}, map[string]registry.Task{
		"greet": {PyScript: "greet.py"},
	}, map[string]registry.Graph{
		"main": {Tasks: map[string][]string{"greet": nil}},
	}, nil)

	st := newFakeStore()
	called := false
	exec := newTestExecutor(t, st, reg, map[string]PyFunc{
		"greet": func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return "hello " + args["name"].(string), nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := exec.RunSingle(ctx, "p1", "main", "greet", map[string]any{"name": "ada"}, false)
	if err != nil {
		t.Fatalf("RunSingle: %v", err)
	}
	if !called {
		t.Fatalf("python function was not invoked")
	}
	if result != "hello ada" {
		t.Fatalf("result = %v", result)
	}
	if len(st.endedOpts) != 1 || st.endedOpts[0].Status != "" {
		// SetTaskEnded here only carries Result/ResultHash; status comes from
		// the cache engine's finalize step, not the executor.
		t.Fatalf("SetTaskEnded calls = %+v, want one call with empty Status", st.endedOpts)
	}
}

func TestRunSingleUnknownFunction(t *testing.T) {
	reg := registry.New(registry.Settings{}, map[string]registry.Task{
		"mystery": {},
	}, map[string]registry.Graph{
		"main": {Tasks: map[string][]string{"mystery": nil}},
	}, nil)
	st := newFakeStore()
	exec := newTestExecutor(t, st, reg, map[string]PyFunc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := exec.RunSingle(ctx, "p1", "main", "mystery", nil, false); err == nil {
		t.Fatalf("expected error for unregistered function")
	}
}

func TestResolveInputsOnlyCollectsCachedDeps(t *testing.T) {
	reg := registry.New(registry.Settings{}, map[string]registry.Task{
		"upstream_cached": {CacheResult: true},
		"upstream_plain":  {CacheResult: false},
		"downstream":      {Args: map[string]registry.ArgRef{"data": {Ref: "upstream_cached"}}},
	}, nil, nil)

	st := newFakeStore()
	st.data[key("p1", "upstream_cached")] = "cached-value"

	exec := newTestExecutor(t, st, reg, nil)
	downstream, err := reg.Task("downstream")
	if err != nil {
		t.Fatal(err)
	}
	args, err := exec.resolveInputs(context.Background(), "p1", downstream, []string{"upstream_cached", "upstream_plain"})
	if err != nil {
		t.Fatalf("resolveInputs: %v", err)
	}
	if len(args) != 1 {
		t.Fatalf("args = %v, want exactly the cached dep", args)
	}
	if args["data"] != "cached-value" {
		t.Fatalf("args[data] = %v, want cached-value (aliased)", args["data"])
	}
}

func TestRunSubtaskMarksSubtaskFinished(t *testing.T) {
	reg := registry.New(registry.Settings{}, map[string]registry.Task{
		"mapped": {PyScript: "mapped.py"},
	}, nil, nil)
	st := newFakeStore()
	st.subtasks[key("p1", "mapped")] = []model.Subtask{{Index: 0, Key: "k0"}}

	exec := newTestExecutor(t, st, reg, map[string]PyFunc{
		"mapped": func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	})
	task, _ := reg.Task("mapped")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := exec.RunSubtask(ctx, "p1", "mapped", task, 0, nil, map[string]any{}); err != nil {
		t.Fatalf("RunSubtask: %v", err)
	}
	subs := st.subtasks[key("p1", "mapped")]
	if !subs[0].Finished() {
		t.Fatalf("subtask not marked finished")
	}
}
