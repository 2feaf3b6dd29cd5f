// Package executor implements the single-task Executor (spec §4.5): input
// resolution, Python/R dispatch, and post-completion hashing for both a
// standalone task invocation and one subtask of a mapped parent. Grounded
// on task_executor.go's TaskExecutor seam and plugins.go's PythonPlugin
// (external-process invocation with context-cancellation kill, stdout/
// stderr capture) for the R dispatch path.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/store"
)

// PyFunc is one Python-side task body, resolved from the in-process
// function namespace by name (spec §4.5 step 3).
type PyFunc func(ctx context.Context, args map[string]any) (any, error)

// ErrUnknownFunction is returned when a task names a Python function this
// process never registered.
var ErrUnknownFunction = errors.New("executor: unknown python function")

// Deps bundles the Executor's collaborators.
type Deps struct {
	Store      store.Store
	Hasher     *hasher.Hasher
	Registry   *registry.Registry
	Funcs      map[string]PyFunc
	RTasksDir  string
	ScratchDir string
	RInterpreter string // defaults to "Rscript"
}

// Executor runs one task or subtask body and persists its immediate result.
type Executor struct {
	deps   Deps
	tracer trace.Tracer
}

func New(deps Deps) *Executor {
	if deps.RInterpreter == "" {
		deps.RInterpreter = "Rscript"
	}
	return &Executor{deps: deps, tracer: otel.Tracer("kapten/executor")}
}

// RunSingle executes a non-mapped task invocation end to end (spec §4.5,
// the "single task" branches of steps 1, 3 and 4).
func (e *Executor) RunSingle(ctx context.Context, pipeline, graphName, taskName string, params map[string]any, subsetMode bool) (any, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run_single",
		trace.WithAttributes(attribute.String("pipeline", pipeline), attribute.String("task", taskName)))
	defer span.End()

	task, err := e.deps.Registry.Task(taskName)
	if err != nil {
		return nil, err
	}

	startTime := time.Now().UTC()
	initial := model.TaskState{StartTime: &startTime, Status: model.StatusIncomplete}
	if ecsID, err := fetchECSTaskID(ctx); err == nil && ecsID != "" {
		initial.ECSTaskID = ecsID
	}
	if err := e.deps.Store.CreateTask(ctx, pipeline, taskName, initial, nil); err != nil {
		return nil, err
	}

	slog.Info("task started",
		"pipeline", pipeline, "task", taskName,
		"metrics_url", buildMetricsURL(pipeline, taskName))

	deps, err := e.deps.Registry.Dependencies(graphName, taskName)
	if err != nil {
		return nil, err
	}
	args, err := e.resolveInputs(ctx, pipeline, task, deps)
	if err != nil {
		return nil, err
	}
	for k, v := range params {
		args[k] = v
	}

	result, err := e.invoke(ctx, task, taskName, args, nil, pipeline)
	if err != nil {
		return nil, fmt.Errorf("executor: task %s: %w", taskName, err)
	}

	if result != nil {
		if err := e.deps.Store.SetTaskEnded(ctx, pipeline, taskName, store.EndOptions{
			Result:     result,
			ResultHash: hasher.Fingerprint(result),
			SubsetMode: subsetMode,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RunSubtask executes one element of a mapped task's fan-out (spec §4.5,
// the subtask branches of steps 1 and 4).
func (e *Executor) RunSubtask(ctx context.Context, pipeline, taskName string, task registry.Task, index int, env map[string]string, args map[string]any) (outputHash string, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.run_subtask",
		trace.WithAttributes(attribute.String("pipeline", pipeline), attribute.String("task", taskName), attribute.Int("index", index)))
	defer span.End()

	if err := e.deps.Store.SetSubtaskStarted(ctx, pipeline, taskName, index); err != nil {
		return "", err
	}

	idx := index
	if _, err := e.invoke(ctx, task, taskName, args, &idx, pipeline); err != nil {
		return "", fmt.Errorf("executor: subtask %s[%d]: %w", taskName, index, err)
	}

	fingerprint, notYetProduced, err := e.deps.Hasher.HashSubtaskOutputs(task, env)
	if err != nil {
		return "", err
	}
	if notYetProduced {
		slog.Warn("subtask produced no declared outputs", "task", taskName, "index", index)
	}

	if err := e.deps.Store.SetSubtaskEnded(ctx, pipeline, taskName, index, fingerprint); err != nil {
		return "", err
	}
	return fingerprint, nil
}

// resolveInputs reads each graph dependency's cached data field — only for
// upstream tasks with cache_result=true — and renames it to the downstream
// task's argument alias where one is declared (spec §4.5 step 2).
func (e *Executor) resolveInputs(ctx context.Context, pipeline string, task registry.Task, deps []string) (map[string]any, error) {
	out := make(map[string]any, len(deps))
	for _, dep := range deps {
		depTask, err := e.deps.Registry.Task(dep)
		if err != nil {
			return nil, err
		}
		if !depTask.CacheResult {
			continue
		}
		data, err := e.deps.Store.GetTaskData(ctx, pipeline, dep, false)
		if err != nil {
			return nil, err
		}
		out[aliasFor(task, dep)] = data
	}
	return out, nil
}

// aliasFor returns the argument name task expects the value of dep under,
// per an `args: {alias: {ref: dep}}` declaration, defaulting to dep's own name.
func aliasFor(task registry.Task, dep string) string {
	for alias, ref := range task.Args {
		if ref.Ref == dep {
			return alias
		}
	}
	return dep
}

func (e *Executor) invoke(ctx context.Context, task registry.Task, taskName string, args map[string]any, subtaskIndex *int, pipeline string) (any, error) {
	if task.IsRScript() {
		return nil, e.invokeR(ctx, task, taskName, args, subtaskIndex, pipeline)
	}
	return e.invokePy(ctx, task, taskName, args)
}

func (e *Executor) invokePy(ctx context.Context, task registry.Task, taskName string, args map[string]any) (any, error) {
	name := task.PyScript
	if name == "" {
		name = taskName
	}
	name = trimExt(name, ".py")

	fn, ok := e.deps.Funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn(ctx, args)
}

func (e *Executor) invokeR(ctx context.Context, task registry.Task, taskName string, args map[string]any, subtaskIndex *int, pipeline string) error {
	env := stringEnv(args)

	scriptName := task.RScript
	if scriptName == "" {
		scriptName = taskName + ".R"
	}
	scriptPath := filepath.Join(e.deps.RTasksDir, hasher.ExpandEnv(scriptName, env))

	cmdArgs := make([]string, 0, len(task.PrefixArgs)+1+len(task.CliArgs))
	cmdArgs = append(cmdArgs, task.PrefixArgs...)
	cmdArgs = append(cmdArgs, scriptPath)
	cmdArgs = append(cmdArgs, task.CliArgs...)

	cmd := exec.CommandContext(ctx, e.deps.RInterpreter, cmdArgs...)
	cmd.Env = append(os.Environ(), envPairs(env)...)

	logPath := e.logPath(task, pipeline, taskName, subtaskIndex)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("executor: open log %s: %w", logPath, err)
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("r script %s failed, log at %s: %w", scriptPath, logPath, err)
	}
	return nil
}

// logPath honors the task's custom `logs` attribute (SPEC_FULL §C.2) when
// set, falling back to a scratch-root path scoped by pipeline/task(/index).
func (e *Executor) logPath(task registry.Task, pipeline, taskName string, index *int) string {
	if task.Logs != "" {
		if index != nil {
			return fmt.Sprintf("%s.%d.log", task.Logs, *index)
		}
		return task.Logs
	}
	name := taskName
	if index != nil {
		name = fmt.Sprintf("%s_%d", taskName, *index)
	}
	return filepath.Join(e.deps.ScratchDir, pipeline, name+".log")
}

func stringEnv(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			if b, err := json.Marshal(v); err == nil {
				out[k] = string(b)
			} else {
				out[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	return out
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("KAPTEN_ARG_%s=%s", k, env[k]))
	}
	return out
}

func trimExt(name, ext string) string {
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}

// fetchECSTaskID enriches task start records with the ECS task ARN when
// running inside an ECS task with the v4 metadata endpoint available
// (SPEC_FULL §C.3; original_source fetch_ecs_task_id).
func fetchECSTaskID(ctx context.Context) (string, error) {
	base := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if base == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/task", nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		TaskARN string `json:"TaskARN"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.TaskARN, nil
}

// buildMetricsURL surfaces a dashboard deep link for this task run via
// logging only — it is never persisted to TaskState (SPEC_FULL §C.4).
func buildMetricsURL(pipeline, taskName string) string {
	base := os.Getenv("KAPTEN_METRICS_DASHBOARD_URL")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s?pipeline=%s&task=%s", base, pipeline, taskName)
}
