// Package runtimebinding implements the Runtime Binding (spec §4.7): the
// abstraction the cache engine and map driver dispatch through, hiding
// whether a task body runs in-process or inside a separately scheduled
// deployment. Grounded on task_executor.go's TaskExecutor interface (one
// seam per execution mode) and dag_engine.go's worker-pool dispatch, but
// retargeted at Kapten's task/subtask domain instead of a generic DAG node.
package runtimebinding

import (
	"context"
	"sync"
)

// TaskFunc is one task or subtask body: given resolved keyword arguments,
// produce a result or fail.
type TaskFunc func(ctx context.Context, args map[string]any) (any, error)

// Unmapped marks a value that must not be vectorized when passed to a
// mapped dispatch (spec §4.7 `unmapped(value)`): every subtask in the
// batch receives the same value rather than one element of a per-index list.
type Unmapped struct{ Value any }

// Future is a single dispatched call's eventual outcome.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Wait blocks until the future settles or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports "pending", "success" or "failure".
func (f *Future) State() string {
	select {
	case <-f.done:
		if f.err != nil {
			return "failure"
		}
		return "success"
	default:
		return "pending"
	}
}

// Binding is the interface to any concrete workflow runner (spec §4.7).
type Binding interface {
	// RunDeployment launches a task in a separately scheduled deployment and
	// blocks until its terminal state is known. Returns an error on non-success.
	RunDeployment(ctx context.Context, name string, parameters map[string]any, jobVariables map[string]any) (any, error)

	// RunInline runs fn in-process, with cooperative suspension allowed at
	// any blocking call fn itself makes against ctx.
	RunInline(ctx context.Context, fn TaskFunc, args map[string]any) (any, error)

	// Dispatch is the fan-out primitive backing task(fn, tags).map(**vectors):
	// fn is invoked once per entry of argSets. The caller builds each
	// argument map itself (the map driver passes one map per bundle holding
	// its subtask indices); Dispatch does no vectorizing and no Unmapped
	// handling. Local and RemoteBinding accept tags but do not use them.
	Dispatch(ctx context.Context, fn TaskFunc, tags []string, argSets []map[string]any) []*Future
}

// Local is the degenerate implementation named in spec §4.7: no external
// scheduler. RunInline runs in the calling goroutine; Dispatch runs its
// entries on up to MaxConcurrency goroutines and returns only after all of
// them finish, so its "futures" are already-settled results.
type Local struct {
	// MaxConcurrency bounds how many argSets entries run at once inside a
	// single Dispatch call. Zero means unbounded (len(argSets) goroutines).
	MaxConcurrency int
}

func NewLocal(maxConcurrency int) *Local {
	return &Local{MaxConcurrency: maxConcurrency}
}

func (l *Local) RunDeployment(ctx context.Context, name string, parameters map[string]any, jobVariables map[string]any) (any, error) {
	// The degenerate binding has no separate deployment tier; a deployment
	// call runs nothing and fails with the merged parameter/job-variable set.
	merged := make(map[string]any, len(parameters)+len(jobVariables))
	for k, v := range parameters {
		merged[k] = v
	}
	for k, v := range jobVariables {
		merged[k] = v
	}
	return nil, &UnboundDeploymentError{Name: name, Parameters: merged}
}

// UnboundDeploymentError is returned by Local.RunDeployment: the degenerate
// binding has no deployment tier, so any task requiring one must be run
// through a RemoteBinding instead.
type UnboundDeploymentError struct {
	Name       string
	Parameters map[string]any
}

func (e *UnboundDeploymentError) Error() string {
	return "runtimebinding: local binding cannot run deployment " + e.Name
}

func (l *Local) RunInline(ctx context.Context, fn TaskFunc, args map[string]any) (any, error) {
	return fn(ctx, args)
}

func (l *Local) Dispatch(ctx context.Context, fn TaskFunc, tags []string, argSets []map[string]any) []*Future {
	futures := make([]*Future, len(argSets))
	for i := range futures {
		futures[i] = newFuture()
	}

	limit := l.MaxConcurrency
	if limit <= 0 || limit > len(argSets) {
		limit = len(argSets)
	}
	if limit == 0 {
		return futures
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, args := range argSets {
		i, args := i, args
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			value, err := fn(ctx, args)
			futures[i].resolve(value, err)
		}()
	}
	wg.Wait()
	return futures
}
