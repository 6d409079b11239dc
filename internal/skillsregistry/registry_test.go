package skillsregistry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTaxonomy(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "skills.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write taxonomy: %v", err)
	}
	return path
}

func TestMatchScore_Exact(t *testing.T) {
	r := New()
	if got := r.MatchScore("Go", "go", 0.3); got != 1.0 {
		t.Fatalf("expected exact match score 1.0, got %v", got)
	}
}

func TestMatchScore_Unrelated(t *testing.T) {
	r := New()
	if got := r.MatchScore("go", "rust", 0.3); got != 0 {
		t.Fatalf("expected 0 for unrelated skills, got %v", got)
	}
}

func TestMatchScore_Related(t *testing.T) {
	dir := t.TempDir()
	path := writeTaxonomy(t, dir, `
skills:
  - name: go
    related:
      - skill: rust
        weight: 0.4
      - skill: zig
  - name: frontend
`)
	r := New()
	if err := r.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := r.MatchScore("go", "rust", 0.3); got != 0.4 {
		t.Fatalf("expected related weight 0.4, got %v", got)
	}
	// symmetric lookup
	if got := r.MatchScore("rust", "go", 0.3); got != 0.4 {
		t.Fatalf("expected symmetric related weight 0.4, got %v", got)
	}
	// unset weight in the taxonomy falls back to the caller's default
	if got := r.MatchScore("go", "zig", 0.3); got != 0.3 {
		t.Fatalf("expected default related weight 0.3, got %v", got)
	}
	if !r.Known("frontend") {
		t.Fatal("expected frontend to be known")
	}
	if r.Known("python") {
		t.Fatal("expected python to be unknown")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	r := New()
	if err := r.Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("expected no error for missing taxonomy file, got %v", err)
	}
}
