// Package preset loads the catalog of named styles a submission may reference.
package preset

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset is an opaque bundle of prompt text and tuning defaults.
type Preset struct {
	Key            string  `yaml:"key"`
	Name           string  `yaml:"name"`
	Prompt         string  `yaml:"prompt"`
	NegativePrompt string  `yaml:"negative_prompt"`
	GuidanceScale  float64 `yaml:"guidance_scale"`
	Steps          int     `yaml:"steps"`
	Strength       float64 `yaml:"strength"`
}

// Catalog is an immutable set of presets keyed by Key.
type Catalog struct {
	presets map[string]Preset
}

type catalogFile struct {
	Presets []Preset `yaml:"presets"`
}

// Load reads a YAML catalog. An empty path yields an empty catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse preset catalog: %w", err)
	}
	return New(file.Presets)
}

// New builds a catalog and rejects blank or duplicate keys.
func New(presets []Preset) (*Catalog, error) {
	c := &Catalog{presets: make(map[string]Preset, len(presets))}
	for _, p := range presets {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			return nil, fmt.Errorf("preset %q has no key", p.Name)
		}
		if _, dup := c.presets[key]; dup {
			return nil, fmt.Errorf("preset key %q is declared twice", key)
		}
		p.Key = key
		c.presets[key] = p
	}
	return c, nil
}

// Get returns the preset for key
func (c *Catalog) Get(key string) (Preset, bool) {
	p, ok := c.presets[key]
	return p, ok
}

// Keys lists preset keys in sorted order
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.presets))
	for k := range c.presets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve combines a preset with a user prompt. The user's text follows the
// preset's so the preset sets the style and the user adds detail.
func (p Preset) Resolve(userPrompt, userNegative string) (prompt, negative string) {
	return joinNonEmpty(p.Prompt, userPrompt), joinNonEmpty(p.NegativePrompt, userNegative)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ", ")
}
