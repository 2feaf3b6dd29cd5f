// Package registry implements the Task Registry (spec §4.3): an immutable
// view over the parsed pipeline configuration, with lookup helpers for
// per-task attributes and per-graph dependency maps. Grounded on
// original_source/kapten/util/pipeline_config.py and
// original_source/util/read_tasks_config.py for the shape of tasks.yaml.
package registry

import (
	"fmt"
)

// ErrUnknownTask is returned when a dependency or lookup names a task that
// isn't present in the registry.
type ErrUnknownTask struct{ Name string }

func (e ErrUnknownTask) Error() string { return fmt.Sprintf("registry: unknown task %q", e.Name) }

// ErrUnknownGraph is returned when a graph name isn't present in the registry.
type ErrUnknownGraph struct{ Name string }

func (e ErrUnknownGraph) Error() string { return fmt.Sprintf("registry: unknown graph %q", e.Name) }

// ArgRef names an upstream task whose output should be renamed to the
// surrounding alias when passed to the downstream task ({alias: {ref: upstream}}).
type ArgRef struct {
	Ref string `yaml:"ref"`
}

// Task is the full set of per-task attributes addressable from tasks.yaml.
type Task struct {
	PyScript    string            `yaml:"py_script"`
	RScript     string            `yaml:"r_script"`
	File        string            `yaml:"file"`
	Args        map[string]ArgRef `yaml:"args"`
	CliArgs     []string          `yaml:"cli_args"`
	PrefixArgs  []string          `yaml:"prefix_args"`
	Outputs     []string          `yaml:"outputs"`
	MapOver     string            `yaml:"map_over"`
	IterableItem string           `yaml:"iterable_item"`
	CacheResult bool              `yaml:"cache_result"`
	MainFlow    bool              `yaml:"main_flow"`
	BundleSize  int               `yaml:"bundle_size"`
	GroupSize   int               `yaml:"group_size"`
	Tags        []string          `yaml:"tags"`
	DaskWorker  string            `yaml:"dask_worker"`
	AWSVars     []string          `yaml:"aws_vars"`
	Logs        string            `yaml:"logs"`
}

// IsRScript reports whether this task invokes the external R interpreter
// rather than an in-process Python function.
func (t Task) IsRScript() bool { return t.RScript != "" }

// IsMapped reports whether this task fans out over map_over.
func (t Task) IsMapped() bool { return t.MapOver != "" }

// MapOverKeys splits a comma-joined map_over declaration into its
// constituent dependency keys (spec §9 "comma-joined map keys").
func (t Task) MapOverKeys() []string {
	return splitNonEmpty(t.MapOver, ',')
}

// Settings holds the global runtime configuration block (spec §6).
type Settings struct {
	PyTasksDir   string `yaml:"py-tasks-dir"`
	RTasksDir    string `yaml:"r-tasks-dir"`
	FlowsDir     string `yaml:"flows-dir"`
	FlowType     string `yaml:"flow-type"`
	DB           string `yaml:"db"`
	StorageKey   string `yaml:"storage-key"`
	Branch       string `yaml:"branch"`
}

// Graph is a named dependency map: task name -> list of upstream task names.
type Graph struct {
	Tasks map[string][]string
}

// Registry is the immutable, parsed view of a pipeline configuration.
type Registry struct {
	Settings Settings
	tasks    map[string]Task
	graphs   map[string]Graph
	config   map[string]any
}

// New constructs a Registry from already-parsed tasks/graphs/config maps.
// Dependency values that were a bare string or absent in the source YAML
// must already be normalized to []string by the caller (internal/config).
func New(settings Settings, tasks map[string]Task, graphs map[string]Graph, config map[string]any) *Registry {
	return &Registry{Settings: settings, tasks: tasks, graphs: graphs, config: config}
}

// Task looks up a task's attributes by name.
func (r *Registry) Task(name string) (Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, ErrUnknownTask{Name: name}
	}
	return t, nil
}

// TaskNames returns all registered task names, order unspecified.
func (r *Registry) TaskNames() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// Dependencies returns the normalized dependency list for task within graph.
func (r *Registry) Dependencies(graphName, taskName string) ([]string, error) {
	g, ok := r.graphs[graphName]
	if !ok {
		return nil, ErrUnknownGraph{Name: graphName}
	}
	if _, ok := r.tasks[taskName]; !ok {
		return nil, ErrUnknownTask{Name: taskName}
	}
	return g.Tasks[taskName], nil
}

// ConfigValue looks up a raw entry from the free-form `config:` block
// (already resolved by internal/config: includes merged, callables parsed).
func (r *Registry) ConfigValue(key string) (any, bool) {
	v, ok := r.config[key]
	return v, ok
}

func splitNonEmpty(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
