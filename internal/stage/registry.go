package stage

import (
	"fmt"
	"sort"
)

// Registered pairs a descriptor with its handler.
type Registered struct {
	Descriptor Descriptor
	Handler    Handler
}

// Registry is the immutable build-time table of stage descriptors, keyed by
// schema version so different schemas can run different pipelines. Register
// everything at startup, then treat the registry as read-only; Resolve is
// safe for concurrent use once registration is done.
type Registry struct {
	pipelines map[string][]Registered
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string][]Registered)}
}

// Register adds a stage to the pipeline for a schema version. It rejects
// duplicate names and order indexes, and fan-out descriptors whose handler
// does not implement FanOut.
func (r *Registry) Register(schemaVersion string, desc Descriptor, handler Handler) error {
	if schemaVersion == "" {
		return fmt.Errorf("register stage %q: schema version is required", desc.Name)
	}
	if desc.Name == "" {
		return fmt.Errorf("register stage for %s: name is required", schemaVersion)
	}
	if handler == nil {
		return fmt.Errorf("register stage %q: handler is required", desc.Name)
	}
	if desc.MaxAttempts <= 0 {
		return fmt.Errorf("register stage %q: max attempts must be positive", desc.Name)
	}
	if desc.FanOut {
		if _, ok := handler.(FanOut); !ok {
			return fmt.Errorf("register stage %q: fan-out descriptor requires a FanOut handler", desc.Name)
		}
	}

	for _, existing := range r.pipelines[schemaVersion] {
		if existing.Descriptor.Name == desc.Name {
			return fmt.Errorf("register stage %q: already registered for %s", desc.Name, schemaVersion)
		}
		if existing.Descriptor.Order == desc.Order {
			return fmt.Errorf("register stage %q: order %d already taken by %q", desc.Name, desc.Order, existing.Descriptor.Name)
		}
	}

	r.pipelines[schemaVersion] = append(r.pipelines[schemaVersion], Registered{Descriptor: desc, Handler: handler})
	return nil
}

// Resolve returns the ordered stage list for a schema version, skipping
// stages that are optional and disabled.
func (r *Registry) Resolve(schemaVersion string) ([]Registered, error) {
	stages, ok := r.pipelines[schemaVersion]
	if !ok {
		return nil, fmt.Errorf("no pipeline registered for schema version %q", schemaVersion)
	}

	resolved := make([]Registered, 0, len(stages))
	for _, s := range stages {
		if s.Descriptor.Optional && s.Descriptor.Disabled {
			continue
		}
		resolved = append(resolved, s)
	}
	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].Descriptor.Order < resolved[j].Descriptor.Order
	})
	return resolved, nil
}

// SchemaVersions lists the registered schema versions.
func (r *Registry) SchemaVersions() []string {
	versions := make([]string, 0, len(r.pipelines))
	for v := range r.pipelines {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
