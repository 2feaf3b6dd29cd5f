// Package config parses the pipeline configuration file (spec §6) into a
// registry.Registry: tasks.yaml's settings/tasks/graphs/config blocks, with
// recursive include merging and a two-stage callable-string resolver.
//
// Grounded on original_source/kapten/util/runtime_config.py (deep-merge
// includes with a visited-include cycle guard) and
// original_source/util/read_tasks_config.py (conflict-raising dependency
// merge). The original resolves `module:symbol()` callables eagerly at
// load time; spec §9 directs rearchitecting that as a two-stage resolver
// (parse now, evaluate only once the caller knows the target type).
// ParseValue and CallableRef below implement the parse stage; nothing in
// this package evaluates a CallableRef.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kapten-dev/kapten/internal/registry"
)

// CallableRef is the parsed, not-yet-evaluated form of a `module:symbol()`
// string found in a config block. Evaluate only when the caller knows what
// type the result must satisfy — never at parse time.
type CallableRef struct {
	Module string
	Symbol string
}

var callablePattern = regexp.MustCompile(`^([\w.]+):(\w+)\(\)$`)

// ParseValue returns a CallableRef if raw is a `module:symbol()` string,
// otherwise returns raw unchanged. This replaces the original's
// load-time `_maybe_call_callable` eager evaluation.
func ParseValue(raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	m := callablePattern.FindStringSubmatch(s)
	if m == nil {
		return raw
	}
	return CallableRef{Module: m[1], Symbol: m[2]}
}

// rawDoc mirrors the top-level shape of the pipeline configuration file.
type rawDoc struct {
	Settings map[string]any           `yaml:"settings"`
	Tasks    map[string]registry.Task `yaml:"tasks"`
	Graphs   map[string]struct {
		Tasks map[string]any `yaml:"tasks"`
	} `yaml:"graphs"`
	Config  map[string]any `yaml:"config"`
	Include []string       `yaml:"include"`
}

// Load reads the pipeline configuration at path, recursively merges any
// `include:` blocks (JSON/YAML/plain-text, following the sibling file's
// extension), and returns a registry.Registry ready for lookups.
func Load(path string) (*registry.Registry, error) {
	doc, err := loadMerged(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	settings := registry.Settings{}
	if err := remarshal(doc.Settings, &settings); err != nil {
		return nil, fmt.Errorf("config: bad settings block: %w", err)
	}

	graphs := make(map[string]registry.Graph, len(doc.Graphs))
	for name, g := range doc.Graphs {
		deps := make(map[string][]string, len(g.Tasks))
		for taskName, raw := range g.Tasks {
			deps[taskName] = normalizeDependency(raw)
		}
		graphs[name] = registry.Graph{Tasks: deps}
	}

	cfg := make(map[string]any, len(doc.Config))
	for k, v := range doc.Config {
		cfg[k] = resolveConfigValue(v)
	}

	return registry.New(settings, doc.Tasks, graphs, cfg), nil
}

// normalizeDependency turns a dependency value that may be a string, a
// list, or absent into a normalized []string (spec §4.3).
func normalizeDependency(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// resolveConfigValue recurses through a parsed config value, turning any
// callable string into a CallableRef and leaving everything else as-is.
func resolveConfigValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = resolveConfigValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = resolveConfigValue(vv)
		}
		return out
	default:
		return ParseValue(v)
	}
}

// loadMerged loads path and recursively deep-merges any include: entries,
// guarding against include cycles with a visited-path set.
func loadMerged(path string, visited map[string]bool) (*rawDoc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visited[abs] {
		return nil, fmt.Errorf("config: include cycle detected at %s", path)
	}
	visited[abs] = true

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc rawDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, inc := range doc.Include {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(base, incPath)
		}
		included, err := loadIncludeBlock(incPath, visited)
		if err != nil {
			return nil, err
		}
		deepMerge(&doc, included)
	}
	return &doc, nil
}

// loadIncludeBlock loads a single include target. YAML/JSON includes are
// parsed as a further rawDoc (and may themselves recurse); any other
// extension is read as a plain-text blob and ignored for merge purposes
// beyond being available via ConfigValue under the file's base name.
func loadIncludeBlock(path string, visited map[string]bool) (*rawDoc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return loadMerged(path, visited)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read include %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return &rawDoc{Config: map[string]any{name: string(data)}}, nil
	}
}

// deepMerge merges src into dst in place; src's keys win (later includes
// override earlier declarations). Settings, tasks and graphs are merged one
// top-level key at a time, src's entry replacing dst's whole; only the
// config block's nested maps merge recursively.
func deepMerge(dst, src *rawDoc) {
	if dst.Settings == nil {
		dst.Settings = map[string]any{}
	}
	for k, v := range src.Settings {
		dst.Settings[k] = v
	}
	if dst.Tasks == nil {
		dst.Tasks = map[string]registry.Task{}
	}
	for k, v := range src.Tasks {
		dst.Tasks[k] = v
	}
	if dst.Graphs == nil {
		dst.Graphs = map[string]struct {
			Tasks map[string]any `yaml:"tasks"`
		}{}
	}
	for k, v := range src.Graphs {
		dst.Graphs[k] = v
	}
	if dst.Config == nil {
		dst.Config = map[string]any{}
	}
	deepMergeAny(dst.Config, src.Config)
}

func deepMergeAny(dst, src map[string]any) {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			existingMap, ok1 := existing.(map[string]any)
			valueMap, ok2 := v.(map[string]any)
			if ok1 && ok2 {
				deepMergeAny(existingMap, valueMap)
				continue
			}
		}
		dst[k] = v
	}
}

// remarshal round-trips src through YAML to decode it into dst, used to
// turn the settings block's map[string]any into registry.Settings.
func remarshal(src any, dst any) error {
	data, err := yaml.Marshal(src)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}
