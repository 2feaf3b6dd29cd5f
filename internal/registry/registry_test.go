package registry

import "testing"

func newTestRegistry() *Registry {
	tasks := map[string]Task{
		"fetch":   {PyScript: "fetch.py"},
		"clean":   {PyScript: "clean.py"},
		"analyze": {RScript: "analyze.R"},
	}
	graphs := map[string]Graph{
		"main": {Tasks: map[string][]string{
			"fetch":   nil,
			"clean":   {"fetch"},
			"analyze": {"clean"},
		}},
	}
	return New(Settings{}, tasks, graphs, map[string]any{"k": "v"})
}

func TestTaskLookup(t *testing.T) {
	r := newTestRegistry()
	task, err := r.Task("clean")
	if err != nil {
		t.Fatalf("Task(clean): %v", err)
	}
	if task.PyScript != "clean.py" {
		t.Fatalf("task.PyScript = %q", task.PyScript)
	}
}

func TestTaskLookupUnknown(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Task("ghost"); err == nil {
		t.Fatalf("expected ErrUnknownTask")
	} else if _, ok := err.(ErrUnknownTask); !ok {
		t.Fatalf("error type = %T, want ErrUnknownTask", err)
	}
}

func TestDependencies(t *testing.T) {
	r := newTestRegistry()
	deps, err := r.Dependencies("main", "analyze")
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "clean" {
		t.Fatalf("Dependencies(analyze) = %v", deps)
	}
}

func TestDependenciesUnknownGraph(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Dependencies("ghost-graph", "fetch"); err == nil {
		t.Fatalf("expected ErrUnknownGraph")
	}
}

func TestIsRScriptAndIsMapped(t *testing.T) {
	r := newTestRegistry()
	analyze, _ := r.Task("analyze")
	if !analyze.IsRScript() {
		t.Fatalf("analyze should be an R task")
	}
	fetch, _ := r.Task("fetch")
	if fetch.IsRScript() {
		t.Fatalf("fetch should not be an R task")
	}

	mapped := Task{MapOver: "region,year"}
	if !mapped.IsMapped() {
		t.Fatalf("task with map_over should be mapped")
	}
	if got := mapped.MapOverKeys(); len(got) != 2 || got[0] != "region" || got[1] != "year" {
		t.Fatalf("MapOverKeys = %v", got)
	}
}

func TestConfigValue(t *testing.T) {
	r := newTestRegistry()
	v, ok := r.ConfigValue("k")
	if !ok || v != "v" {
		t.Fatalf("ConfigValue(k) = (%v,%v)", v, ok)
	}
	if _, ok := r.ConfigValue("missing"); ok {
		t.Fatalf("ConfigValue(missing) reported present")
	}
}
