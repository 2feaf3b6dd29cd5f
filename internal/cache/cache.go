// Package cache implements the Cache Engine (spec §4.4): the decision core
// that classifies a submitted task against its cached state, performs
// pre-run hygiene, delegates launch to the runtime binding, and finalizes
// the cached record once execution settles. Grounded on
// original_source/kapten/caching/submit.py for the classification cascade
// and original_source/caching/client/DbClientDDB.py's set_task_ended for
// the finalize write shape.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapten-dev/kapten/internal/eventbus"
	"github.com/kapten-dev/kapten/internal/executor"
	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/mapdriver"
	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/runtimebinding"
	"github.com/kapten-dev/kapten/internal/store"
)

// Decision is the outcome of classify: run from scratch, resume an
// INCOMPLETE fan-out, or skip because the cache is already current.
type Decision struct {
	Action string // "run", "resume", "skip"
	Reason string
}

// Deps bundles the Cache Engine's collaborators.
type Deps struct {
	Store     store.Store
	Hasher    *hasher.Hasher
	Registry  *registry.Registry
	Exec      *executor.Executor
	MapDriver *mapdriver.Driver
	Binding   runtimebinding.Binding
	Events    *eventbus.Publisher

	// TaskList, when non-empty, restricts submit/check_cache to these task
	// names; anything else is a silent no-op (SPEC_FULL §C.1, grounded on
	// original_source/util/submit.py's allowlist filter).
	TaskList []string
}

// Engine is the decision core driving one task's submit lifecycle.
type Engine struct {
	deps   Deps
	tracer trace.Tracer
}

func New(deps Deps) *Engine {
	return &Engine{deps: deps, tracer: otel.Tracer("kapten/cache")}
}

func (e *Engine) allowed(taskName string) bool {
	if len(e.deps.TaskList) == 0 {
		return true
	}
	for _, t := range e.deps.TaskList {
		if t == taskName {
			return true
		}
	}
	return false
}

// SubmitRequest parameterizes one Submit call.
type SubmitRequest struct {
	Pipeline    string
	Graph       string
	Task        string
	Parameters  map[string]any
	IgnoreCache bool
	SubsetMode  bool
	SubsetKeys  []string
}

// Submit is the Cache Engine's entry point (spec §4.4).
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (model.Status, error) {
	runID := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "cache.submit",
		trace.WithAttributes(
			attribute.String("pipeline", req.Pipeline),
			attribute.String("task", req.Task),
			attribute.String("run_id", runID),
		))
	defer span.End()

	if !e.allowed(req.Task) {
		slog.Info("task not in task_list, skipping", "task", req.Task)
		return "", nil
	}

	task, err := e.deps.Registry.Task(req.Task)
	if err != nil {
		return "", err
	}

	cached, err := e.deps.Store.GetTask(ctx, req.Pipeline, req.Task, false, req.SubsetMode)
	if err != nil {
		return "", err
	}

	decision, err := e.classify(ctx, req, task, cached)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("decision", decision.Action), attribute.String("reason", decision.Reason))
	slog.Info("cache decision", "task", req.Task, "decision", decision.Action, "reason", decision.Reason)

	if decision.Action == "skip" {
		return cached.Status, nil
	}

	if err := e.preRunHygiene(ctx, req, decision); err != nil {
		return "", err
	}

	status, runErr := e.launch(ctx, req, task, decision)
	if runErr != nil {
		// spec §7 TaskRunError: the State Store retains the initial
		// INCOMPLETE record with no end_time; a later submit matches it as
		// status INCOMPLETE (resume), not "Not finished", and launches it
		// again. Never finalize here.
		return status, runErr
	}

	if finErr := e.finalize(ctx, req, task, status); finErr != nil {
		return status, finErr
	}

	e.publishEvent(ctx, req, status, decision.Reason)

	return status, runErr
}

// classify implements the 11-row decision table (spec §4.4). Stops at the
// first matching row.
func (e *Engine) classify(ctx context.Context, req SubmitRequest, task registry.Task, cached *model.TaskState) (Decision, error) {
	if cached == nil {
		return Decision{"run", "No cached state"}, nil
	}
	if req.IgnoreCache {
		return Decision{"run", "ignore_cache is set"}, nil
	}
	if req.SubsetMode {
		return Decision{"run", "Subset mode"}, nil
	}
	if cached.Status == model.StatusFailure {
		return Decision{"run", "Task previously failed all subtasks"}, nil
	}

	if task.IsRScript() {
		rHashes, err := e.deps.Hasher.HashR(task, req.Task, nil)
		if err != nil && !errors.Is(err, hasher.ErrMissingSource) {
			return Decision{}, err
		}
		if err == nil {
			fresh := hasher.Fingerprint(rHashes)
			if fresh != cached.RCodeVersion(hasher.Fingerprint) {
				return Decision{"run", "R code changed"}, nil
			}
		}
	}

	pyHashes, err := e.deps.Hasher.HashPy(task, req.Task)
	if err != nil && !errors.Is(err, hasher.ErrMissingSource) {
		return Decision{}, err
	}
	if err == nil {
		fresh := hasher.Fingerprint(pyHashes)
		if fresh != cached.PyCodeVersion(hasher.Fingerprint) {
			return Decision{"run", "Python code changed"}, nil
		}
	}

	deps, err := e.deps.Registry.Dependencies(req.Graph, req.Task)
	if err != nil {
		return Decision{}, err
	}

	inputHashes, err := e.upstreamOutputsVersions(ctx, req.Pipeline, deps)
	if err != nil {
		return Decision{}, err
	}
	if versionOf(inputHashes) != cached.InputsVersion(hasher.Fingerprint) {
		return Decision{"run", "Inputs changed"}, nil
	}

	dataHashes, err := e.upstreamDataVersions(ctx, req.Pipeline, deps)
	if err != nil {
		return Decision{}, err
	}
	if versionOf(dataHashes) != cached.InputDataVersionDerived(hasher.Fingerprint) {
		return Decision{"run", "Data changed"}, nil
	}

	if cached.Status == model.StatusIncomplete {
		return Decision{"resume", "INCOMPLETE"}, nil
	}
	if cached.EndTime == nil {
		return Decision{"run", "Not finished"}, nil
	}
	return Decision{"skip", ""}, nil
}

// versionOf mirrors model.TaskState's derived *_version fields: empty input
// fingerprints identically on both the cached and freshly-computed sides.
func versionOf(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	return hasher.Fingerprint(m)
}

func (e *Engine) upstreamOutputsVersions(ctx context.Context, pipeline string, deps []string) (map[string]string, error) {
	out := map[string]string{}
	for _, dep := range deps {
		ts, err := e.deps.Store.GetTask(ctx, pipeline, dep, false, false)
		if err != nil {
			return nil, err
		}
		if ts != nil && ts.OutputsVersion != nil {
			out[dep] = *ts.OutputsVersion
		}
	}
	return out, nil
}

func (e *Engine) upstreamDataVersions(ctx context.Context, pipeline string, deps []string) (map[string]string, error) {
	out := map[string]string{}
	for _, dep := range deps {
		ts, err := e.deps.Store.GetTask(ctx, pipeline, dep, false, false)
		if err != nil {
			return nil, err
		}
		if ts != nil && ts.OutputDataVersion != "" {
			out[dep] = ts.OutputDataVersion
		}
	}
	return out, nil
}

// preRunHygiene implements spec §4.4's pre-run rules.
func (e *Engine) preRunHygiene(ctx context.Context, req SubmitRequest, decision Decision) error {
	switch {
	case decision.Action == "run" && req.SubsetMode:
		return e.deps.Store.ClearSubset(ctx, req.Pipeline, req.Task)
	case decision.Action == "run":
		return e.deps.Store.DeleteTask(ctx, req.Pipeline, req.Task)
	case decision.Action == "resume":
		// Mapped tasks keep their existing subtask records; nothing to clear.
		return nil
	}
	return nil
}

// launch delegates to the runtime binding (spec §4.4 "Launch"), dispatching
// through the mapped or unmapped path depending on the task's declaration.
func (e *Engine) launch(ctx context.Context, req SubmitRequest, task registry.Task, decision Decision) (model.Status, error) {
	if task.IsMapped() {
		status, err := e.deps.MapDriver.Run(ctx, req.Pipeline, req.Graph, req.Task, req.SubsetKeys, req.SubsetMode)
		return status, err
	}

	result, err := e.deps.Binding.RunInline(ctx, func(ctx context.Context, args map[string]any) (any, error) {
		return e.deps.Exec.RunSingle(ctx, req.Pipeline, req.Graph, req.Task, args, req.SubsetMode)
	}, req.Parameters)
	if err != nil {
		return model.StatusFailure, err
	}
	_ = result
	return model.StatusSuccess, nil
}

// finalize recomputes every hash fresh (deliberately not trusting any
// in-memory state from submit — finalize may run in a different process)
// and commits the terminal record (spec §4.4 "Post-run finalize"). Callers
// must only reach this on a successful launch; a TaskRunError leaves the
// initial INCOMPLETE record untouched (spec §7).
func (e *Engine) finalize(ctx context.Context, req SubmitRequest, task registry.Task, status model.Status) error {
	if status == "" {
		return nil
	}

	partial := model.TaskState{Status: status}
	now := time.Now().UTC()
	partial.EndTime = &now

	if pyHashes, err := e.deps.Hasher.HashPy(task, req.Task); err == nil {
		partial.PyCodeHashes = pyHashes
	}
	if task.IsRScript() {
		if rHashes, err := e.deps.Hasher.HashR(task, req.Task, nil); err == nil {
			partial.RCodeHashes = rHashes
		}
	}

	deps, err := e.deps.Registry.Dependencies(req.Graph, req.Task)
	if err == nil {
		if ih, err := e.upstreamOutputsVersions(ctx, req.Pipeline, deps); err == nil {
			partial.InputHashes = ih
		}
		if dh, err := e.upstreamDataVersions(ctx, req.Pipeline, deps); err == nil {
			partial.InputDataHashes = dh
		}
	}

	if !task.IsMapped() {
		fingerprint, notYetProduced, err := e.deps.Hasher.HashTaskOutputs(task)
		if err != nil {
			return err
		}
		if !notYetProduced && fingerprint != "" {
			partial.OutputsVersion = &fingerprint
		}
	}

	return e.deps.Store.UpdateTask(ctx, req.Pipeline, req.Task, partial)
}

func (e *Engine) publishEvent(ctx context.Context, req SubmitRequest, status model.Status, reason string) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, eventbus.Event{
		Pipeline: req.Pipeline,
		Task:     req.Task,
		Status:   string(status),
		Reason:   reason,
	}); err != nil {
		slog.Warn("event publish failed", "task", req.Task, "error", err)
	}
}
