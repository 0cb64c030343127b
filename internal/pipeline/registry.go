package pipeline

import (
	"fmt"
	"sort"
)

type registeredModel struct {
	spec  ModelSpec
	model Model
}

// Registry is a validated pipeline definition with its models built.
type Registry struct {
	groups    []GroupSpec
	byGroup   map[string][]string
	models    map[string]registeredModel
	shortcuts map[string]Shortcut
	order     []string
}

// NewRegistry validates cfg and builds every model through the factory for
// its kind.
func NewRegistry(cfg Config, factories map[Kind]Factory) (*Registry, error) {
	r := &Registry{
		byGroup:   make(map[string][]string),
		models:    make(map[string]registeredModel),
		shortcuts: make(map[string]Shortcut),
	}

	if len(cfg.Groups) == 0 {
		return nil, configErrorf("at least one group is required")
	}
	orders := make(map[int]string)
	for _, g := range cfg.Groups {
		if g.Name == "" {
			return nil, configErrorf("group name is required")
		}
		if _, ok := r.byGroup[g.Name]; ok {
			return nil, configErrorf("duplicate group %q", g.Name)
		}
		if other, ok := orders[g.Order]; ok {
			return nil, configErrorf("groups %q and %q share order %d", other, g.Name, g.Order)
		}
		orders[g.Order] = g.Name
		r.byGroup[g.Name] = nil
		r.groups = append(r.groups, g)
	}
	sort.Slice(r.groups, func(i, j int) bool { return r.groups[i].Order < r.groups[j].Order })

	for _, spec := range cfg.Models {
		if spec.Name == "" {
			return nil, configErrorf("model name is required")
		}
		if _, ok := r.models[spec.Name]; ok {
			return nil, configErrorf("duplicate model %q", spec.Name)
		}
		if _, ok := r.byGroup[spec.Group]; !ok {
			return nil, configErrorf("model %q references undeclared group %q", spec.Name, spec.Group)
		}
		factory, ok := factories[spec.Kind]
		if !ok {
			return nil, configErrorf("no factory for model kind %q", spec.Kind)
		}
		model, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("build model %s: %w", spec.Name, err)
		}
		r.models[spec.Name] = registeredModel{spec: spec, model: model}
		r.byGroup[spec.Group] = append(r.byGroup[spec.Group], spec.Name)
		r.order = append(r.order, spec.Name)
	}
	for _, g := range r.groups {
		if len(r.byGroup[g.Name]) == 0 {
			return nil, configErrorf("group %q has no models", g.Name)
		}
	}

	for _, s := range cfg.Shortcuts {
		if _, ok := r.shortcuts[s.Name]; ok {
			return nil, configErrorf("duplicate shortcut %q", s.Name)
		}
		if s.Request.Shortcut != "" {
			return nil, configErrorf("shortcut %q cannot reference another shortcut", s.Name)
		}
		if _, err := r.stages(s.Request); err != nil {
			return nil, fmt.Errorf("shortcut %s: %w", s.Name, err)
		}
		r.shortcuts[s.Name] = s
	}
	return r, nil
}

func (r *Registry) Model(name string) (Model, bool) {
	m, ok := r.models[name]
	return m.model, ok
}

func (r *Registry) Groups() []GroupSpec {
	return append([]GroupSpec(nil), r.groups...)
}

func (r *Registry) group(name string) (GroupSpec, bool) {
	for _, g := range r.groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupSpec{}, false
}
