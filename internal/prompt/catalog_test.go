package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt file: %v", err)
	}
}

func TestCatalogLoadFiltersVariantFiles(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "rabbit_v1.md", "You are Rabbit v1.")
	writePrompt(t, dir, "rabbit_v2.md", "You are Rabbit v2.")
	writePrompt(t, dir, "solution.md", "hint one")
	writePrompt(t, dir, "notes.txt", "ignore me")

	c := NewCatalog(dir)
	prompts, err := c.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("Load() = %d prompts, want 2: %v", len(prompts), prompts)
	}
	if prompts["rabbit_v1"] != "You are Rabbit v1." {
		t.Fatalf("rabbit_v1 content = %q", prompts["rabbit_v1"])
	}

	names, err := c.Names()
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if len(names) != 2 || names[0] != "rabbit_v1" || names[1] != "rabbit_v2" {
		t.Fatalf("Names() = %v, want sorted variant names", names)
	}
}

func TestCatalogComposeAppendsProblem(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "rabbit_v1.md", "You are Rabbit v1.")

	c := NewCatalog(dir)
	text, err := c.Compose("rabbit_v1")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.HasPrefix(text, "You are Rabbit v1.") {
		t.Fatalf("composed text should start with the template")
	}
	if !strings.Contains(text, "## The Economics Problem") {
		t.Fatalf("composed text missing problem heading")
	}
	if !strings.Contains(text, "40 firms") {
		t.Fatalf("composed text missing problem statement")
	}
}

func TestCatalogComposeUnknownVariant(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if _, err := c.Compose("rabbit_v9"); err == nil {
		t.Fatalf("Compose() should fail for an unknown variant")
	}
}

func TestCatalogMissingDirIsEmpty(t *testing.T) {
	c := NewCatalog(filepath.Join(t.TempDir(), "does-not-exist"))
	prompts, err := c.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(prompts) != 0 {
		t.Fatalf("Load() = %v, want empty catalog", prompts)
	}
}

func TestCatalogPicksUpLiveEdits(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "rabbit_v1.md", "first")

	c := NewCatalog(dir)
	before, err := c.Compose("rabbit_v1")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	writePrompt(t, dir, "rabbit_v1.md", "second")
	after, err := c.Compose("rabbit_v1")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if before == after {
		t.Fatalf("catalog should re-read files on every call")
	}
	if !strings.HasPrefix(after, "second") {
		t.Fatalf("edited template not picked up: %q", after)
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("rabbit_v3"); got != "V3 - Hints" {
		t.Fatalf("DisplayName(rabbit_v3) = %q", got)
	}
	if got := DisplayName("rabbit_v7"); got != "rabbit_v7" {
		t.Fatalf("DisplayName should fall back to the raw name, got %q", got)
	}
}
