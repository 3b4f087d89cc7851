// Package registry holds the static, ordered table of services the supervisor
// manages. A Registry is validated once at construction and never mutated.
package registry

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/portvisor/internal/port"
)

var idRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ErrConfig matches every ConfigError via errors.Is.
var ErrConfig = errors.New("invalid service registry")

// ConfigError reports a registry that cannot be used. It is fatal at startup.
type ConfigError struct {
	Source string // file path, or "" for in-memory definitions
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("registry: %v", e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Definition describes one managed service.
type Definition struct {
	ID          string `yaml:"id"`
	Label       string `yaml:"label"`
	Description string `yaml:"description,omitempty"`
	Port        int    `yaml:"port"`
	Entry       string `yaml:"entry,omitempty"`   // script path relative to the base dir
	Command     Argv   `yaml:"command,omitempty"` // launch argv template
}

// Registry is an immutable, ordered set of service definitions.
type Registry struct {
	defs  []Definition
	index map[string]int
}

// file is the on-disk YAML layout.
type file struct {
	Command  Argv         `yaml:"command,omitempty"`
	Services []Definition `yaml:"services"`
}

// New validates defs and freezes them into a Registry, preserving order.
func New(defs []Definition) (*Registry, error) {
	r, err := build(defs)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return r, nil
}

func build(defs []Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no services defined")
	}

	ports := port.NewTable()
	r := &Registry{
		defs:  make([]Definition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}

	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("services[%d]: id is required", i)
		}
		if !idRe.MatchString(d.ID) {
			return nil, fmt.Errorf("services[%d]: id %q is invalid: must match %s", i, d.ID, idRe)
		}
		if _, dup := r.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", d.ID)
		}
		if len(d.Command) == 0 {
			return nil, fmt.Errorf("service %q: command is required", d.ID)
		}
		if err := ports.Claim(d.ID, d.Port); err != nil {
			return nil, fmt.Errorf("service %q: %w", d.ID, err)
		}
		if d.Label == "" {
			d.Label = d.ID
		}
		d.Command = append(Argv(nil), d.Command...)

		r.index[d.ID] = len(r.defs)
		r.defs = append(r.defs, d)
	}

	return r, nil
}

// Load reads a registry from a YAML file. A top-level command is used for
// every service that does not define its own.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("reading: %w", err)}
	}
	r, err := Parse(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Source = path
			return nil, ce
		}
		return nil, &ConfigError{Source: path, Err: err}
	}
	return r, nil
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parsing: %w", err)}
	}

	def := f.Command
	if len(def) == 0 {
		def = DefaultCommand
	}
	for i := range f.Services {
		if len(f.Services[i].Command) == 0 {
			f.Services[i].Command = def
		}
	}
	return New(f.Services)
}

// Definitions returns a copy of all definitions in registry order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	for i, d := range r.defs {
		d.Command = append(Argv(nil), d.Command...)
		out[i] = d
	}
	return out
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	i, ok := r.index[id]
	if !ok {
		return Definition{}, false
	}
	d := r.defs[i]
	d.Command = append(Argv(nil), d.Command...)
	return d, true
}

// Index returns the position of id in registry order, or -1.
func (r *Registry) Index(id string) int {
	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}

// IDs returns service ids in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.defs))
	for i, d := range r.defs {
		ids[i] = d.ID
	}
	return ids
}

// Len returns the number of services.
func (r *Registry) Len() int { return len(r.defs) }
