// Package taxonomy holds the resale category catalog: display labels,
// detector-label aliases, and per-category resale price bands.
package taxonomy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/scanium/scanpipe/internal/model"
)

// Category is one entry of the resale taxonomy.
type Category struct {
	ID      string    `yaml:"id"`
	Label   string    `yaml:"label"`
	Aliases []string  `yaml:"aliases"`
	Band    PriceBand `yaml:"band"`
}

// PriceBand is the base resale price band for a category in USD.
type PriceBand struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Catalog resolves detector labels to categories.
type Catalog struct {
	categories []Category
	byID       map[string]*Category
	byAlias    map[string]*Category
}

var folder = cases.Fold()

// Normalize folds case and trims a detector label for alias matching.
func Normalize(label string) string {
	return folder.String(strings.TrimSpace(label))
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read catalog %s", path)
	}
	return Parse(data)
}

// Default returns the built-in catalog used when no catalog file is
// configured.
func Default() *Catalog {
	c, err := Parse([]byte(defaultCatalogYAML))
	if err != nil {
		// The embedded catalog is part of the build; failing to parse it is
		// a programming error.
		panic(err)
	}
	return c
}

// Categories returns the catalog entries in declaration order.
func (c *Catalog) Categories() []Category {
	return c.categories
}

// IDs returns the category IDs in declaration order, plus "unknown".
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.categories)+1)
	for _, cat := range c.categories {
		ids = append(ids, cat.ID)
	}
	return append(ids, model.CategoryUnknown)
}

// ByID looks up a category by its ID.
func (c *Catalog) ByID(id string) (*Category, bool) {
	cat, ok := c.byID[Normalize(id)]
	return cat, ok
}

// Resolve maps a detector label to a category via exact ID or alias match.
func (c *Catalog) Resolve(label string) (*Category, bool) {
	norm := Normalize(label)
	if cat, ok := c.byID[norm]; ok {
		return cat, true
	}
	if cat, ok := c.byAlias[norm]; ok {
		return cat, true
	}
	return nil, false
}

// LabelAgreement scores how strongly two detector labels refer to the same
// kind of object: 1 for an exact normalized match, 0.6 when both resolve to
// the same category, 0 otherwise. Empty labels agree weakly with anything.
func (c *Catalog) LabelAgreement(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0.3
	}
	if na == nb {
		return 1
	}
	ca, okA := c.Resolve(a)
	cb, okB := c.Resolve(b)
	if okA && okB && ca.ID == cb.ID {
		return 0.6
	}
	return 0
}
