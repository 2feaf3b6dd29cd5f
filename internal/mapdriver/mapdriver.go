// Package mapdriver implements the Map Driver (spec §4.6): fan-out
// construction and dispatch of a mapped task's subtasks, with optional
// bundling and wave-sized dispatch, and the terminal-status rollup.
// Grounded on dag_engine.go's worker-pool/wave dispatch pattern, retargeted
// from generic DAG nodes onto one mapped task's subtasks, dispatching through
// internal/runtimebinding rather than owning its own goroutine pool.
package mapdriver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapten-dev/kapten/internal/executor"
	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/runtimebinding"
	"github.com/kapten-dev/kapten/internal/store"
)

// BundleError aggregates the per-element failures of one bundle (spec §4.6
// step 3): a bundle only fails as a whole once every element has had a
// chance to run.
type BundleError struct {
	Errors []error
}

func (e *BundleError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("bundle: %d element(s) failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Deps bundles the Map Driver's collaborators.
type Deps struct {
	Store    store.Store
	Hasher   *hasher.Hasher
	Registry *registry.Registry
	Exec     *executor.Executor
	Binding  runtimebinding.Binding
}

// Driver runs the fan-out for one mapped task.
type Driver struct {
	deps   Deps
	tracer trace.Tracer
}

func New(deps Deps) *Driver {
	return &Driver{deps: deps, tracer: otel.Tracer("kapten/mapdriver")}
}

// subtaskPlan is one subtask's identity and resolved argument vector,
// computed once up front regardless of which indices end up dispatched.
type subtaskPlan struct {
	key  string
	args map[string]any
}

// Run executes the fan-out for taskName and returns the rolled-up terminal
// status (spec §4.6 step 6). subsetKeys is non-nil only in subset mode.
func (d *Driver) Run(ctx context.Context, pipeline, graphName, taskName string, subsetKeys []string, subsetMode bool) (model.Status, error) {
	ctx, span := d.tracer.Start(ctx, "mapdriver.run",
		trace.WithAttributes(attribute.String("pipeline", pipeline), attribute.String("task", taskName)))
	defer span.End()

	task, err := d.deps.Registry.Task(taskName)
	if err != nil {
		return "", err
	}

	plans, err := d.buildPlans(ctx, pipeline, graphName, task)
	if err != nil {
		return "", err
	}

	dispatchIdx, err := d.resolveDispatchSet(ctx, pipeline, taskName, plans, subsetKeys, subsetMode)
	if err != nil {
		return "", err
	}

	bundles := bundleIndices(dispatchIdx, task.BundleSize)
	if err := d.dispatchWaves(ctx, pipeline, taskName, task, plans, bundles); err != nil {
		return "", err
	}

	return d.rollup(ctx, pipeline, taskName, subsetMode)
}

// buildPlans resolves the upstream value list (spec §4.6 step 1) into one
// subtaskPlan per element, in upstream order.
func (d *Driver) buildPlans(ctx context.Context, pipeline, graphName string, task registry.Task) ([]subtaskPlan, error) {
	mapKeys := task.MapOverKeys()
	if len(mapKeys) == 0 {
		return nil, fmt.Errorf("mapdriver: task %s has no map_over", task.MapOver)
	}

	lists := make([][]any, len(mapKeys))
	for i, dep := range mapKeys {
		depTask, err := d.deps.Registry.Task(dep)
		if err != nil {
			return nil, err
		}
		if !depTask.CacheResult {
			continue
		}
		data, err := d.deps.Store.GetTaskData(ctx, pipeline, dep, false)
		if err != nil {
			return nil, err
		}
		items, ok := data.([]any)
		if !ok {
			return nil, fmt.Errorf("mapdriver: dependency %s did not produce a list", dep)
		}
		lists[i] = items
	}

	n := 0
	for _, l := range lists {
		if len(l) > n {
			n = len(l)
		}
	}

	plans := make([]subtaskPlan, n)
	for i := 0; i < n; i++ {
		args := make(map[string]any, len(mapKeys))
		keyParts := make([]string, len(mapKeys))
		for j, dep := range mapKeys {
			var val any
			if i < len(lists[j]) {
				val = lists[j][i]
			}
			alias := dep
			if len(mapKeys) == 1 && task.IterableItem != "" {
				alias = task.IterableItem
			}
			args[alias] = val
			keyParts[j] = fmt.Sprintf("%v", val)
		}
		plans[i] = subtaskPlan{key: strings.Join(keyParts, ","), args: args}
	}
	return plans, nil
}

// resolveDispatchSet implements spec §4.6 step 2: subset mode clears and
// recreates only the requested slice; an existing partially-finished
// fan-out resumes only its unfinished indices; otherwise a fresh bin is created.
func (d *Driver) resolveDispatchSet(ctx context.Context, pipeline, taskName string, plans []subtaskPlan, subsetKeys []string, subsetMode bool) ([]int, error) {
	if subsetMode {
		want := map[string]bool{}
		for _, k := range subsetKeys {
			want[k] = true
		}
		var keys []string
		var idx []int
		for i, p := range plans {
			if want[p.key] {
				keys = append(keys, p.key)
				idx = append(idx, i)
			}
		}
		if err := d.deps.Store.ResetSubsetOfSubtasks(ctx, pipeline, taskName, keys); err != nil {
			return nil, err
		}
		if err := d.deps.Store.CreateSubtasks(ctx, pipeline, taskName, keys); err != nil {
			return nil, err
		}
		return idx, nil
	}

	existing, err := d.deps.Store.GetSubtasks(ctx, pipeline, taskName)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		var idx []int
		for _, st := range existing {
			if !st.Finished() {
				idx = append(idx, st.Index)
			}
		}
		return idx, nil
	}

	keys := make([]string, len(plans))
	for i, p := range plans {
		keys[i] = p.key
	}
	if err := d.deps.Store.CreateSubtasks(ctx, pipeline, taskName, keys); err != nil {
		return nil, err
	}
	idx := make([]int, len(plans))
	for i := range plans {
		idx[i] = i
	}
	return idx, nil
}

// bundleIndices chunks indices into groups of size (spec §4.6 step 3); a
// bundleSize of 0 or 1 dispatches every index independently.
func bundleIndices(indices []int, bundleSize int) [][]int {
	if bundleSize <= 1 {
		out := make([][]int, len(indices))
		for i, idx := range indices {
			out[i] = []int{idx}
		}
		return out
	}
	var out [][]int
	for i := 0; i < len(indices); i += bundleSize {
		end := i + bundleSize
		if end > len(indices) {
			end = len(indices)
		}
		out = append(out, indices[i:end])
	}
	return out
}

// dispatchWaves implements spec §4.6 step 4: successive waves of group_size
// bundles, waiting for each wave before launching the next.
func (d *Driver) dispatchWaves(ctx context.Context, pipeline, taskName string, task registry.Task, plans []subtaskPlan, bundles [][]int) error {
	waveSize := task.GroupSize
	if waveSize <= 0 {
		waveSize = len(bundles)
	}
	if waveSize == 0 {
		return nil
	}

	fn := d.bundleFunc(pipeline, taskName, task, plans)
	for start := 0; start < len(bundles); start += waveSize {
		end := start + waveSize
		if end > len(bundles) {
			end = len(bundles)
		}
		wave := bundles[start:end]
		argSets := make([]map[string]any, len(wave))
		for i, b := range wave {
			argSets[i] = map[string]any{"__indices": b}
		}
		futures := d.deps.Binding.Dispatch(ctx, fn, task.Tags, argSets)
		for _, f := range futures {
			if _, err := f.Wait(ctx); err != nil {
				var bundleErr *BundleError
				if !errors.As(err, &bundleErr) {
					return err
				}
				// Per-element failures inside a bundle don't abort the wave;
				// unfinished indices simply remain INCOMPLETE for the next submit.
			}
		}
	}
	return nil
}

// bundleFunc returns the TaskFunc a bundle's indices are run through: a
// single worker iterates them sequentially, aggregating per-element errors.
func (d *Driver) bundleFunc(pipeline, taskName string, task registry.Task, plans []subtaskPlan) runtimebinding.TaskFunc {
	return func(ctx context.Context, bundleArgs map[string]any) (any, error) {
		indices := bundleArgs["__indices"].([]int)
		var errs []error
		for _, idx := range indices {
			plan := plans[idx]
			env := make(map[string]string, len(plan.args))
			for k, v := range plan.args {
				env[k] = fmt.Sprintf("%v", v)
			}
			if _, err := d.deps.Exec.RunSubtask(ctx, pipeline, taskName, task, idx, env, plan.args); err != nil {
				errs = append(errs, fmt.Errorf("index %d: %w", idx, err))
			}
		}
		if len(errs) > 0 {
			return nil, &BundleError{Errors: errs}
		}
		return nil, nil
	}
}

// rollup implements spec §4.6 step 6.
func (d *Driver) rollup(ctx context.Context, pipeline, taskName string, subsetMode bool) (model.Status, error) {
	subtasks, err := d.deps.Store.GetSubtasks(ctx, pipeline, taskName)
	if err != nil {
		return "", err
	}
	total := len(subtasks)
	finished := 0
	sort.Slice(subtasks, func(i, j int) bool { return subtasks[i].Index < subtasks[j].Index })
	hashes := make([]string, 0, total)
	for _, st := range subtasks {
		if st.Finished() {
			finished++
			hashes = append(hashes, st.OutputHash)
		}
	}

	switch {
	case total > 0 && finished == total:
		ov := hasher.Fingerprint(hashes)
		err := d.deps.Store.SetTaskEnded(ctx, pipeline, taskName, store.EndOptions{
			OutputsVersion: ov,
			Status:         model.StatusSuccess,
			SubsetMode:     subsetMode,
		})
		return model.StatusSuccess, err
	case finished == 0:
		err := d.deps.Store.SetTaskEnded(ctx, pipeline, taskName, store.EndOptions{
			Status:     model.StatusFailure,
			SubsetMode: subsetMode,
		})
		return model.StatusFailure, err
	default:
		if subsetMode {
			// Leave the full-run cache untouched; subset dispatches never
			// flip the parent task's terminal status.
			return model.StatusIncomplete, nil
		}
		err := d.deps.Store.SetTaskEnded(ctx, pipeline, taskName, store.EndOptions{
			Status:     model.StatusIncomplete,
			SubsetMode: false,
		})
		return model.StatusIncomplete, err
	}
}
