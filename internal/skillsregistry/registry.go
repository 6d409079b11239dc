// Package skillsregistry loads a skill taxonomy (canonical skill names plus
// weighted "related" skills) from a YAML file, used by Scheduler's
// skill-match scoring to grant partial credit for a related-but-not-exact
// skill instead of treating every non-exact match as fully ineligible.
package skillsregistry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// CanonicalKey normalizes a skill name for comparison and taxonomy lookup.
// Mirrors the teacher's skill-name canonicalization so the same name always
// hashes the same way regardless of source casing/whitespace.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Related names another skill and, optionally, how much credit it's worth
// relative to an exact match (0 < weight < 1). Weight left unset (zero)
// defers to the caller's configured default partial-credit weight.
type Related struct {
	Skill  string  `yaml:"skill"`
	Weight float64 `yaml:"weight"`
}

type taxonomyEntry struct {
	Name    string    `yaml:"name"`
	Related []Related `yaml:"related"`
}

type taxonomyFile struct {
	Skills []taxonomyEntry `yaml:"skills"`
}

// Registry answers "how related is skill A to skill B" for Scheduler's
// partial-credit scoring. Safe for concurrent use; Reload swaps the whole
// taxonomy atomically so in-flight scoring never sees a half-loaded file.
type Registry struct {
	mu      sync.RWMutex
	related map[string]map[string]float64 // canonical(have) -> canonical(want) -> weight
	known   map[string]bool
}

// New returns an empty registry (every skill is known only by exact match
// until Load/Reload populates a taxonomy).
func New() *Registry {
	return &Registry{
		related: make(map[string]map[string]float64),
		known:   make(map[string]bool),
	}
}

// Load reads a taxonomy YAML file and replaces the registry's contents. A
// missing file is not an error: the registry simply falls back to exact-
// match-only scoring, which is a safe default for an unconfigured plane.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skill taxonomy %s: %w", path, err)
	}
	var tf taxonomyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parse skill taxonomy %s: %w", path, err)
	}
	related := make(map[string]map[string]float64)
	known := make(map[string]bool)
	for _, entry := range tf.Skills {
		key := CanonicalKey(entry.Name)
		if key == "" {
			continue
		}
		known[key] = true
		for _, rel := range entry.Related {
			relKey := CanonicalKey(rel.Skill)
			if relKey == "" {
				continue
			}
			known[relKey] = true
			if related[key] == nil {
				related[key] = make(map[string]float64)
			}
			related[key][relKey] = rel.Weight
		}
	}
	r.mu.Lock()
	r.related = related
	r.known = known
	r.mu.Unlock()
	return nil
}

// MatchScore reports how well a "have" skill satisfies a "want" requirement:
// 1.0 for an exact match, the taxonomy-listed relation weight for a related
// skill (checked both directions, since "related to" is usually meant
// symmetrically by whoever authors the taxonomy) — falling back to
// defaultRelatedWeight when the taxonomy entry left its weight unset — or 0
// for skills the taxonomy never relates at all.
func (r *Registry) MatchScore(have, want string, defaultRelatedWeight float64) float64 {
	haveKey, wantKey := CanonicalKey(have), CanonicalKey(want)
	if haveKey == wantKey {
		return 1.0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.related[haveKey][wantKey]; ok {
		return resolveWeight(w, defaultRelatedWeight)
	}
	if w, ok := r.related[wantKey][haveKey]; ok {
		return resolveWeight(w, defaultRelatedWeight)
	}
	return 0
}

func resolveWeight(w, def float64) float64 {
	if w <= 0 {
		return def
	}
	return w
}

// Known reports whether name appears anywhere in the loaded taxonomy
// (informational only — unknown skills still match exactly on name).
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[CanonicalKey(name)]
}
