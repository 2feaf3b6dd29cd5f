package mapdriver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/kapten-dev/kapten/internal/executor"
	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/runtimebinding"
	"github.com/kapten-dev/kapten/internal/store"
)

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kapten.db")
	mp := noopmetric.MeterProvider{}
	s, err := store.OpenLocal(path, mp.Meter("test"))
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, bundleSize, groupSize int) (*Driver, *store.LocalStore, *sync.Map) {
	t.Helper()
	reg := registry.New(registry.Settings{}, map[string]registry.Task{
		"items": {CacheResult: true},
		"process": {
			MapOver:      "items",
			IterableItem: "item",
			PyScript:     "process.py",
			BundleSize:   bundleSize,
			GroupSize:    groupSize,
		},
	}, nil, nil)

	st := newTestStore(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, "p1", "items", model.TaskState{Status: model.StatusSuccess}, []any{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}

	seen := &sync.Map{}
	exec := executor.New(executor.Deps{
		Store:      st,
		Hasher:     hasher.New(nil, nil, t.TempDir()),
		Registry:   reg,
		ScratchDir: t.TempDir(),
		Funcs: map[string]executor.PyFunc{
			"process": func(ctx context.Context, args map[string]any) (any, error) {
				seen.Store(args["item"], true)
				return nil, nil
			},
		},
	})

	driver := New(Deps{
		Store:    st,
		Hasher:   hasher.New(nil, nil, t.TempDir()),
		Registry: reg,
		Exec:     exec,
		Binding:  runtimebinding.NewLocal(4),
	})
	return driver, st, seen
}

func TestRunFansOutOverAllItems(t *testing.T) {
	driver, _, seen := newFixture(t, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := driver.Run(ctx, "p1", "main", "process", nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", status)
	}
	for _, item := range []string{"a", "b", "c"} {
		if _, ok := seen.Load(item); !ok {
			t.Fatalf("item %q never dispatched", item)
		}
	}
}

func TestRunWithBundling(t *testing.T) {
	driver, st, seen := newFixture(t, 2, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := driver.Run(ctx, "p1", "main", "process", nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", status)
	}
	for _, item := range []string{"a", "b", "c"} {
		if _, ok := seen.Load(item); !ok {
			t.Fatalf("item %q never dispatched", item)
		}
	}
	subs, err := st.GetSubtasks(ctx, "p1", "process")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range subs {
		if !s.Finished() {
			t.Fatalf("subtask %+v not finished", s)
		}
	}
}

func TestRunResumesOnlyUnfinishedSubtasks(t *testing.T) {
	driver, st, seen := newFixture(t, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.CreateSubtasks(ctx, "p1", "process", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSubtaskStarted(ctx, "p1", "process", 0); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSubtaskEnded(ctx, "p1", "process", 0, "hash-a"); err != nil {
		t.Fatal(err)
	}

	status, err := driver.Run(ctx, "p1", "main", "process", nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", status)
	}
	if _, ok := seen.Load("a"); ok {
		t.Fatalf("already-finished index 0 (%q) was re-dispatched", "a")
	}
	for _, item := range []string{"b", "c"} {
		if _, ok := seen.Load(item); !ok {
			t.Fatalf("item %q never dispatched", item)
		}
	}
}

func TestBundleIndicesChunking(t *testing.T) {
	got := bundleIndices([]int{0, 1, 2, 3, 4}, 2)
	want := [][]int{{0, 1}, {2, 3}, {4}}
	if len(got) != len(want) {
		t.Fatalf("got %v bundles, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("bundle %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBundleIndicesNoBundling(t *testing.T) {
	got := bundleIndices([]int{0, 1, 2}, 0)
	if len(got) != 3 {
		t.Fatalf("got %d bundles, want 3 (one per index)", len(got))
	}
}
