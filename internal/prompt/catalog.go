package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultVariant is the prompt selected for a brand new session.
const DefaultVariant = "rabbit_v1"

const (
	variantPrefix = "rabbit_v"
	variantSuffix = ".md"
)

var ErrUnknownVariant = errors.New("unknown prompt variant")

// The tutoring problem is fixed for every prompt variant; the catalog appends
// it to whichever instruction template is active.
const problemStatement = `Assume that a perfectly competitive, constant-cost industry is in a long-run equilibrium with 40 firms. The market demand function is downward sloping. All firms have the same U-shaped average cost functions. Each firm produces 60 units of output, which it sells at a price of $27 per unit; out of this amount, each firm pays a $3 tax per unit of output. Please refer to the graph below, which depicts the initial equilibrium.

The government decides to decrease the tax so that firms will pay $1 per unit in tax.

a) Explain what would happen in the short run to the equilibrium price and industry output, the number of firms in the industry, output and profit of each firm. Illustrate on graphs for the market and a particular firm.

b) Explain what would happen in the long run to the equilibrium price and industry output, the number of firms in the industry, and the output and profit of each firm. Illustrate on graphs for the market and a particular firm. Compare this new long-run equilibrium to the initial long-run equilibrium and to the short-run equilibrium found in a).`

var displayNames = map[string]string{
	"rabbit_v1": "V1 - Not given solution",
	"rabbit_v2": "V2 - Given solution",
	"rabbit_v3": "V3 - Hints",
}

// Catalog reads instruction templates from a directory of rabbit_v*.md files.
// Files are re-read on every call so edits take effect without a restart.
type Catalog struct {
	dir string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: strings.TrimSpace(dir)}
}

// Load returns every available variant keyed by name (file name minus
// extension). A missing directory yields an empty catalog, not an error.
func (c *Catalog) Load() (map[string]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}

	prompts := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, variantPrefix) || !strings.HasSuffix(name, variantSuffix) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", name, err)
		}
		prompts[strings.TrimSuffix(name, variantSuffix)] = string(content)
	}
	return prompts, nil
}

// Names lists available variants in sorted order.
func (c *Catalog) Names() ([]string, error) {
	prompts, err := c.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(prompts))
	for name := range prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Compose returns the full instruction text for a variant: the template with
// the fixed economics problem appended.
func (c *Catalog) Compose(name string) (string, error) {
	prompts, err := c.Load()
	if err != nil {
		return "", err
	}
	base, ok := prompts[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return base + "\n\n## The Economics Problem\n" + problemStatement, nil
}

// DisplayName maps a variant to its human-facing label.
func DisplayName(name string) string {
	if label, ok := displayNames[name]; ok {
		return label
	}
	return name
}

// ProblemStatement exposes the fixed word problem for API consumers.
func ProblemStatement() string {
	return problemStatement
}
