package service

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnknownVariant = errors.New("unknown variant")

var variantNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// VariantTemplate describes one derived image an item can have.
type VariantTemplate struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
	// Template is the URL of the scene the painting is composited into.
	Template string `yaml:"template"`
	Format   string `yaml:"format"`
}

// Ext returns the artifact file extension including the dot.
func (t VariantTemplate) Ext() string {
	switch t.Format {
	case "jpg", "jpeg":
		return ".jpg"
	case "webp":
		return ".webp"
	}
	return ".png"
}

// VariantCatalog is the set of templates loaded from YAML.
type VariantCatalog struct {
	Variants []VariantTemplate `yaml:"variants"`
	byName   map[string]VariantTemplate
}

var defaultCatalog = []VariantTemplate{
	{Name: "living_room", Description: "Above a sofa in a bright living room", Prompt: "Place the painting on the wall above the sofa, keep its proportions and colors exact."},
	{Name: "gallery_wall", Description: "On a white gallery wall with spot lighting", Prompt: "Hang the painting centered on a white gallery wall under a warm spotlight."},
	{Name: "office", Description: "Behind a desk in a modern office", Prompt: "Hang the painting on the wall behind the desk, at eye level."},
}

// DefaultVariantCatalog is used when no catalog file exists.
func DefaultVariantCatalog() *VariantCatalog {
	c, _ := newVariantCatalog(append([]VariantTemplate(nil), defaultCatalog...))
	return c
}

// LoadVariantCatalog reads the catalog file. A missing file yields the
// default catalog.
func LoadVariantCatalog(path string) (*VariantCatalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultVariantCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read variant catalog: %w", err)
	}
	var c VariantCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse variant catalog: %w", err)
	}
	return newVariantCatalog(c.Variants)
}

func newVariantCatalog(templates []VariantTemplate) (*VariantCatalog, error) {
	c := &VariantCatalog{Variants: templates, byName: make(map[string]VariantTemplate, len(templates))}
	for _, t := range templates {
		if !variantNamePattern.MatchString(t.Name) {
			return nil, fmt.Errorf("invalid variant name %q", t.Name)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate variant %q", t.Name)
		}
		c.byName[t.Name] = t
	}
	return c, nil
}

func (c *VariantCatalog) Lookup(name string) (VariantTemplate, bool) {
	t, ok := c.byName[name]
	return t, ok
}

func (c *VariantCatalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every name is in the catalog.
func (c *VariantCatalog) Validate(names []string) error {
	for _, n := range names {
		if _, ok := c.byName[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVariant, n)
		}
	}
	return nil
}
