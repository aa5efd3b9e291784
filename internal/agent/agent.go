// Package agent defines the registry of planning agents: their
// timeouts, dependencies, and whether a session can succeed without
// them. The registry is immutable after construction so the
// orchestrator can read it without locking.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition describes one agent as the orchestrator sees it.
type Definition struct {
	// Name is the channel-safe agent identifier.
	Name string

	// Timeout is the per-agent response budget.
	Timeout time.Duration

	// DependsOn lists agents whose terminal status gates this agent's
	// dispatch. Empty for first-wave agents.
	DependsOn []string

	// Required marks agents whose failure demotes the whole session.
	Required bool
}

// Registry is an immutable set of agent definitions.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// Agent names used by the default deployment.
const (
	Weather   = "weather"
	Events    = "events"
	Maps      = "maps"
	Budget    = "budget"
	Itinerary = "itinerary"
)

// Default returns the standard five-agent trip planning registry:
// four independent domain agents fan out immediately, and the
// itinerary assembler runs once all four have settled.
func Default() *Registry {
	reg, err := New([]Definition{
		{Name: Weather, Timeout: 10 * time.Second, Required: true},
		{Name: Events, Timeout: 15 * time.Second},
		{Name: Maps, Timeout: 10 * time.Second, Required: true},
		{Name: Budget, Timeout: 10 * time.Second},
		{Name: Itinerary, Timeout: 20 * time.Second,
			DependsOn: []string{Weather, Events, Maps, Budget}},
	})
	if err != nil {
		panic(err) // static definitions; cannot fail
	}
	return reg
}

// New builds a registry, rejecting duplicates, unknown dependencies,
// and non-positive timeouts.
func New(defs []Definition) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("agent definition missing name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", d.Name)
		}
		if d.Timeout <= 0 {
			return nil, fmt.Errorf("agent %q: timeout must be positive", d.Name)
		}
		byName[d.Name] = d
		order = append(order, d.Name)
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("agent %q depends on unknown agent %q", d.Name, dep)
			}
			if dep == d.Name {
				return nil, fmt.Errorf("agent %q depends on itself", d.Name)
			}
		}
	}
	return &Registry{defs: byName, order: order}, nil
}

// fileDefinition is the YAML form of a Definition; timeouts are
// duration strings ("10s", "1m30s").
type fileDefinition struct {
	Name      string   `yaml:"name"`
	Timeout   string   `yaml:"timeout"`
	DependsOn []string `yaml:"depends_on"`
	Required  bool     `yaml:"required"`
}

// LoadFile reads agent definitions from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	var file struct {
		Agents []fileDefinition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent registry: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agent registry %s defines no agents", path)
	}
	defs := make([]Definition, 0, len(file.Agents))
	for _, fd := range file.Agents {
		timeout, err := time.ParseDuration(fd.Timeout)
		if err != nil {
			return nil, fmt.Errorf("agent %q: invalid timeout %q: %w", fd.Name, fd.Timeout, err)
		}
		defs = append(defs, Definition{
			Name:      fd.Name,
			Timeout:   timeout,
			DependsOn: fd.DependsOn,
			Required:  fd.Required,
		})
	}
	return New(defs)
}

// Get looks up one definition.
func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns agent names in definition order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Independent returns agents with no dependencies, the first dispatch
// wave.
func (r *Registry) Independent() []Definition {
	var out []Definition
	for _, name := range r.order {
		if d := r.defs[name]; len(d.DependsOn) == 0 {
			out = append(out, d)
		}
	}
	return out
}

// Dependent returns agents gated on other agents.
func (r *Registry) Dependent() []Definition {
	var out []Definition
	for _, name := range r.order {
		if d := r.defs[name]; len(d.DependsOn) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Required returns the names of agents whose failure fails the session,
// sorted for stable logging.
func (r *Registry) Required() []string {
	var out []string
	for _, name := range r.order {
		if r.defs[name].Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// MaxTimeout returns the largest per-agent timeout, used to sanity
// check the global session ceiling.
func (r *Registry) MaxTimeout() time.Duration {
	var max time.Duration
	for _, d := range r.defs {
		if d.Timeout > max {
			max = d.Timeout
		}
	}
	return max
}

// ValidatePayload checks that a request payload carries the fields the
// named agent needs. Unknown agents accept any payload; their worker
// validates on receipt.
func ValidatePayload(name string, payload json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload for %s is not an object: %w", name, err)
	}
	require := func(keys ...string) error {
		for _, k := range keys {
			if v, ok := fields[k]; !ok || string(v) == "null" {
				return fmt.Errorf("payload for %s missing %s", name, k)
			}
		}
		return nil
	}
	switch name {
	case Weather, Events:
		return require("destination", "travel_dates")
	case Maps:
		return require("origin", "destination")
	case Budget:
		return require("destination", "travel_dates", "travelers_count")
	case Itinerary:
		return require("destination", "travel_dates", "agent_results")
	}
	return nil
}
