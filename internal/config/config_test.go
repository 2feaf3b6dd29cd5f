package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasicPipeline(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tasks.yaml", `
settings:
  py-tasks-dir: py
  db: sqlite
tasks:
  fetch:
    py_script: fetch.py
  clean:
    py_script: clean.py
graphs:
  main:
    tasks:
      fetch: null
      clean: fetch
`)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Settings.PyTasksDir != "py" {
		t.Fatalf("PyTasksDir = %q", reg.Settings.PyTasksDir)
	}
	deps, err := reg.Dependencies("main", "clean")
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "fetch" {
		t.Fatalf("clean deps = %v", deps)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
tasks:
  base_task:
    py_script: base.py
`)
	path := writeFile(t, dir, "tasks.yaml", `
include: ["base.yaml"]
tasks:
  main_task:
    py_script: main.py
`)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := reg.Task("base_task"); err != nil {
		t.Fatalf("included task missing: %v", err)
	}
	if _, err := reg.Task("main_task"); err != nil {
		t.Fatalf("main task missing: %v", err)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
include: ["b.yaml"]
tasks: {}
`)
	path := writeFile(t, dir, "b.yaml", `
include: ["a.yaml"]
tasks: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected include cycle error")
	}
}

func TestParseValueDetectsCallable(t *testing.T) {
	v := ParseValue("mypkg.mod:make_client()")
	ref, ok := v.(CallableRef)
	if !ok {
		t.Fatalf("ParseValue did not recognize callable string, got %T", v)
	}
	if ref.Module != "mypkg.mod" || ref.Symbol != "make_client" {
		t.Fatalf("CallableRef = %+v", ref)
	}
}

func TestParseValuePassesThroughPlainString(t *testing.T) {
	v := ParseValue("just-a-string")
	if v != "just-a-string" {
		t.Fatalf("ParseValue altered a non-callable string: %v", v)
	}
}
