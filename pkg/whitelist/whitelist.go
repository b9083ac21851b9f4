// Package whitelist holds the static set of command templates a device may
// run, and validates and substitutes the parameters operators supply.
package whitelist

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultTimeoutSeconds applies to commands that do not declare a timeout.
const DefaultTimeoutSeconds = 60

//go:embed default_whitelist.yaml
var defaultWhitelist []byte

var ErrCommandNotWhitelisted = errors.New("command not whitelisted")

// Validator constrains the format of one parameter.
type Validator struct {
	Type    string   `yaml:"type" json:"type"`
	Min     *int64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max     *int64   `yaml:"max,omitempty" json:"max,omitempty"`
	Choices []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// Spec is one whitelisted command.
type Spec struct {
	ID              string               `yaml:"-" json:"id"`
	Description     string               `yaml:"description" json:"description"`
	Category        string               `yaml:"category" json:"category"`
	Template        string               `yaml:"cmd" json:"cmd"`
	Params          []string             `yaml:"params" json:"params"`
	ParamValidators map[string]Validator `yaml:"param_validators" json:"param_validators,omitempty"`
	Timeout         int                  `yaml:"timeout" json:"timeout"`
}

// Summary is the public listing of a command.
type Summary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Params      []string `json:"params"`
	Timeout     int      `json:"timeout"`
}

// Category groups diagnostic commands collected together for analysis.
type Category struct {
	Name        string   `yaml:"-" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Commands    []string `yaml:"commands" json:"commands"`
}

type file struct {
	Commands   map[string]Spec     `yaml:"commands"`
	Categories map[string]Category `yaml:"diagnostic_categories"`
}

// Whitelist is read-only after construction and safe for concurrent use.
type Whitelist struct {
	commands   map[string]Spec
	ids        []string
	categories []Category
}

// Default returns the whitelist compiled into the binary.
func Default() (*Whitelist, error) {
	return Parse(defaultWhitelist)
}

// Load reads a whitelist file. An empty path selects the built-in whitelist.
func Load(path string) (*Whitelist, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return Parse(data)
}

// Parse builds a whitelist from YAML.
func Parse(data []byte) (*Whitelist, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}

	wl := &Whitelist{commands: make(map[string]Spec, len(f.Commands))}
	for id, spec := range f.Commands {
		if spec.Template == "" {
			return nil, fmt.Errorf("whitelist command %q has no cmd", id)
		}
		if _, err := placeholders(spec.Template); err != nil {
			return nil, fmt.Errorf("whitelist command %q: %w", id, err)
		}
		spec.ID = id
		if spec.Category == "" {
			spec.Category = "general"
		}
		if spec.Timeout <= 0 {
			spec.Timeout = DefaultTimeoutSeconds
		}
		if spec.Params == nil {
			spec.Params = []string{}
		}
		wl.commands[id] = spec
		wl.ids = append(wl.ids, id)
	}
	sort.Strings(wl.ids)

	for name, cat := range f.Categories {
		for _, id := range cat.Commands {
			if _, ok := wl.commands[id]; !ok {
				return nil, fmt.Errorf("diagnostic category %q references unknown command %q", name, id)
			}
		}
		cat.Name = name
		wl.categories = append(wl.categories, cat)
	}
	sort.Slice(wl.categories, func(i, j int) bool { return wl.categories[i].Name < wl.categories[j].Name })
	return wl, nil
}

// Get returns the spec for id.
func (w *Whitelist) Get(id string) (Spec, bool) {
	spec, ok := w.commands[id]
	return spec, ok
}

// List returns every command ordered by id.
func (w *Whitelist) List() []Summary {
	out := make([]Summary, 0, len(w.ids))
	for _, id := range w.ids {
		spec := w.commands[id]
		out = append(out, Summary{
			ID:          spec.ID,
			Description: spec.Description,
			Category:    spec.Category,
			Params:      append([]string{}, spec.Params...),
			Timeout:     spec.Timeout,
		})
	}
	return out
}

// Categories returns the diagnostic command groups ordered by name.
func (w *Whitelist) Categories() []Category {
	return append([]Category(nil), w.categories...)
}

// CategoryCommands returns the de-duplicated command ids of the named
// categories. Unknown names are ignored.
func (w *Whitelist) CategoryCommands(names ...string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, name := range names {
		for _, cat := range w.categories {
			if cat.Name != name {
				continue
			}
			for _, id := range cat.Commands {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}
