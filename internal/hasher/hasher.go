// Package hasher computes the content-addressed fingerprints the cache
// engine compares against cached state: Python/R source fingerprints,
// declared-output fingerprints, and subtask-environment-aware variants
// of the latter. Grounded on original_source/kapten/caching/Hasher.py;
// the canonical-JSON + sha256 fingerprint itself follows the pattern the
// teacher uses for its own cache keys in dag_engine.go's generateCacheKey.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kapten-dev/kapten/internal/model"
	"github.com/kapten-dev/kapten/internal/registry"
)

// ErrMissingSource is returned when a declared script cannot be located
// under any configured root.
var ErrMissingSource = errors.New("hasher: missing source")

// Hasher fingerprints source code and artifacts under a fixed set of roots.
type Hasher struct {
	PyRoots    []string
	RRoots     []string
	OutputRoot string
}

// New constructs a Hasher over the given Python/R source roots and the
// output directory declared outputs are resolved against.
func New(pyRoots, rRoots []string, outputRoot string) *Hasher {
	return &Hasher{PyRoots: pyRoots, RRoots: rRoots, OutputRoot: outputRoot}
}

// Fingerprint computes a stable content-addressed hash of v: canonical JSON
// (sorted map keys, no whitespace) hashed with SHA-256. This is the wire
// contract named in spec §6 — changing this function is a breaking,
// cache-invalidating change.
func Fingerprint(v any) string {
	data, err := canonicalJSON(v)
	if err != nil {
		// canonicalJSON only fails on unmarshalable types, which callers
		// never pass; treat as a programmer error surfaced via a stable
		// sentinel hash rather than a panic mid-pipeline.
		slog.Error("hasher: fingerprint of non-serializable value", "error", err)
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with sorted map keys and no insignificant
// whitespace. encoding/json already sorts map[string]X keys and emits no
// whitespace via Marshal, so this is a thin, explicitly named wrapper
// documenting that behavior as load-bearing.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashPy fingerprints the single Python source file backing task.
func (h *Hasher) HashPy(task registry.Task, taskName string) ([]model.FileHash, error) {
	filename := task.File
	if filename == "" {
		filename = taskName + ".py"
	}
	path, err := h.resolveUnderRoots(h.PyRoots, filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingSource, filename)
	}
	hash, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingSource, path, err)
	}
	return []model.FileHash{{Path: path, Hash: hash}}, nil
}

var sourceCallRe = regexp.MustCompile(`source\(\s*["']([^"']+)["']\s*\)`)

// HashR resolves task's R script (expanding ${var} placeholders into glob
// patterns) and fingerprints the transitive closure of files reachable via
// source() calls, depth-bounded to avoid runaway or cyclic includes.
func (h *Hasher) HashR(task registry.Task, taskName string, env map[string]string) ([]model.FileHash, error) {
	scriptPattern := task.RScript
	if scriptPattern == "" {
		scriptPattern = taskName + ".R"
	}
	pattern := expandPlaceholders(scriptPattern, env, true)

	matches, err := h.globUnderRoots(h.RRoots, pattern)
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSource, scriptPattern)
	}

	visited := map[string]bool{}
	var all []model.FileHash
	for _, m := range matches {
		closure, err := h.rTransitiveClosure(m, visited, 0, 32)
		if err != nil {
			return nil, err
		}
		all = append(all, closure...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return dedupeSorted(all), nil
}

func (h *Hasher) rTransitiveClosure(path string, visited map[string]bool, depth, maxDepth int) ([]model.FileHash, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visited[abs] || depth > maxDepth {
		return nil, nil
	}
	visited[abs] = true

	hash, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingSource, path, err)
	}
	out := []model.FileHash{{Path: abs, Hash: hash}}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingSource, path, err)
	}
	dir := filepath.Dir(path)
	for _, m := range sourceCallRe.FindAllStringSubmatch(string(body), -1) {
		childPath := m[1]
		if !filepath.IsAbs(childPath) {
			childPath = filepath.Join(dir, childPath)
		}
		if _, err := os.Stat(childPath); err != nil {
			slog.Warn("hasher: source() reference not found, skipping", "path", childPath)
			continue
		}
		child, err := h.rTransitiveClosure(childPath, visited, depth+1, maxDepth)
		if err != nil {
			return nil, err
		}
		out = append(out, child...)
	}
	return out, nil
}

// HashTaskOutputs resolves task's declared output patterns against the
// output root (placeholders become * globs) and fingerprints the ordered
// list of {file: hash}. Returns ("", false) when no outputs are declared
// (not applicable); returns ("", true) when patterns matched zero files
// ("not yet produced" per spec §4.1).
func (h *Hasher) HashTaskOutputs(task registry.Task) (fingerprint string, notYetProduced bool, err error) {
	return h.hashOutputs(task.Outputs, nil)
}

// HashSubtaskOutputs is HashTaskOutputs with ${var} placeholders in output
// patterns resolved from the subtask's environment first; unbound
// variables still fall back to a * glob.
func (h *Hasher) HashSubtaskOutputs(task registry.Task, env map[string]string) (fingerprint string, notYetProduced bool, err error) {
	return h.hashOutputs(task.Outputs, env)
}

func (h *Hasher) hashOutputs(patterns []string, env map[string]string) (string, bool, error) {
	if len(patterns) == 0 {
		return "", false, nil
	}
	var files []model.FileHash
	anyGlobMatched := false
	for _, pattern := range patterns {
		resolved := expandPlaceholders(pattern, env, true)
		full := filepath.Join(h.OutputRoot, resolved)
		matches, err := filepath.Glob(full)
		if err != nil {
			return "", false, fmt.Errorf("hasher: bad output pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			slog.Warn("hasher: output pattern matched zero files", "pattern", pattern)
			continue
		}
		anyGlobMatched = true
		for _, m := range matches {
			hash, err := hashFile(m)
			if err != nil {
				return "", false, err
			}
			files = append(files, model.FileHash{Path: m, Hash: hash})
		}
	}
	if !anyGlobMatched {
		return "", true, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return Fingerprint(files), false, nil
}

func (h *Hasher) resolveUnderRoots(roots []string, filename string) (string, error) {
	for _, root := range roots {
		candidate := filepath.Join(root, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingSource, filename)
}

func (h *Hasher) globUnderRoots(roots []string, pattern string) ([]string, error) {
	var out []string
	for _, root := range roots {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

// expandPlaceholders replaces ${var} occurrences using env; unbound
// variables (or a nil env) become a literal * glob segment when
// fallbackToGlob is set, and are dropped otherwise.
func expandPlaceholders(s string, env map[string]string, fallbackToGlob bool) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += start
		b.WriteString(s[i:start])
		name := s[start+2 : end]
		if val, ok := env[name]; ok {
			b.WriteString(val)
		} else if fallbackToGlob {
			b.WriteString("*")
		}
		i = end + 1
	}
	return b.String()
}

// ExpandEnv substitutes ${var} placeholders from env for execution purposes
// (an unbound reference becomes empty, not a * glob — contrast with the
// glob-fallback behavior used when resolving hash patterns).
func ExpandEnv(s string, env map[string]string) string {
	return expandPlaceholders(s, env, false)
}

func dedupeSorted(in []model.FileHash) []model.FileHash {
	out := in[:0]
	var last string
	first := true
	for _, fh := range in {
		if first || fh.Path != last {
			out = append(out, fh)
			last = fh.Path
			first = false
		}
	}
	return out
}
