package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Request is a scope plus time window, as typed on the command line or
// stored in an update's instructions.
type Request struct {
	Model        string `json:"model,omitempty"`
	Group        string `json:"group,omitempty"`
	StartGroup   string `json:"start_group,omitempty"`
	EndGroup     string `json:"end_group,omitempty"`
	Shortcut     string `json:"shortcut,omitempty"`
	All          bool   `json:"all,omitempty"`
	UpdateSince  string `json:"update_since,omitempty"`
	UpdateLast   int    `json:"update_last,omitempty"`
	SinceLastRun bool   `json:"since_last_run,omitempty"`
	Quiet        bool   `json:"quiet,omitempty"`
}

func (r Request) hasScope() bool {
	return r.All || r.Group != "" || r.Model != "" || r.StartGroup != "" || r.EndGroup != ""
}

func (r Request) hasWindow() bool {
	return r.UpdateSince != "" || r.UpdateLast != 0 || r.SinceLastRun
}

// Window is the effective time window handed to every model's diff.
type Window struct {
	Since        *time.Time
	SinceLastRun bool
}

func (w Window) String() string {
	switch {
	case w.SinceLastRun:
		return "since last run"
	case w.Since != nil:
		return "since " + w.Since.Format(time.DateOnly)
	default:
		return "full"
	}
}

type Stage struct {
	Group  string
	Order  int
	Models []string
}

// Plan is a resolved request. Resolving has no side effects.
type Plan struct {
	Request Request
	Scope   string
	Window  Window
	Stages  []Stage
}

func (p Plan) Groups() []string {
	out := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.Group)
	}
	return out
}

func (p Plan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scope %s, window %s", p.Scope, p.Window)
	for _, s := range p.Stages {
		fmt.Fprintf(&b, "\n  %d %s: %s", s.Order, s.Group, strings.Join(s.Models, ", "))
	}
	return b.String()
}

// Resolve expands shortcuts, validates the request and orders the work.
// Explicit scope or window fields on req replace the shortcut's.
func (r *Registry) Resolve(req Request, now time.Time) (Plan, error) {
	eff := req
	if req.Shortcut != "" {
		sc, ok := r.shortcuts[req.Shortcut]
		if !ok {
			return Plan{}, configErrorf("unknown shortcut %q", req.Shortcut)
		}
		eff = sc.Request
		eff.Shortcut = req.Shortcut
		eff.Quiet = req.Quiet
		if req.hasScope() {
			eff.All, eff.Group, eff.Model, eff.StartGroup, eff.EndGroup = req.All, req.Group, req.Model, req.StartGroup, req.EndGroup
		}
		if req.hasWindow() {
			eff.UpdateSince, eff.UpdateLast, eff.SinceLastRun = req.UpdateSince, req.UpdateLast, req.SinceLastRun
		}
	}

	stages, err := r.stages(eff)
	if err != nil {
		return Plan{}, err
	}
	window, err := resolveWindow(eff, now)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Request: eff, Scope: scopeName(eff), Window: window, Stages: stages}, nil
}

func (r *Registry) stages(req Request) ([]Stage, error) {
	if req.Group != "" && (req.StartGroup != "" || req.EndGroup != "") {
		return nil, configErrorf("group cannot be combined with start_group or end_group")
	}
	if (req.StartGroup == "") != (req.EndGroup == "") {
		return nil, configErrorf("start_group and end_group must be given together")
	}
	selectors := 0
	for _, set := range []bool{req.All, req.Group != "", req.Model != "", req.StartGroup != ""} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return nil, configErrorf("exactly one of all, group, model, or start_group/end_group is required")
	}
	if err := validateWindowFields(req); err != nil {
		return nil, err
	}

	switch {
	case req.All:
		return r.stageRange(r.groups[0].Order, r.groups[len(r.groups)-1].Order), nil
	case req.Group != "":
		g, ok := r.group(req.Group)
		if !ok {
			return nil, configErrorf("unknown group %q", req.Group)
		}
		return r.stageRange(g.Order, g.Order), nil
	case req.Model != "":
		m, ok := r.models[req.Model]
		if !ok {
			return nil, configErrorf("unknown model %q", req.Model)
		}
		g, _ := r.group(m.spec.Group)
		return []Stage{{Group: g.Name, Order: g.Order, Models: []string{m.spec.Name}}}, nil
	default:
		start, ok := r.group(req.StartGroup)
		if !ok {
			return nil, configErrorf("unknown group %q", req.StartGroup)
		}
		end, ok := r.group(req.EndGroup)
		if !ok {
			return nil, configErrorf("unknown group %q", req.EndGroup)
		}
		if start.Order > end.Order {
			return nil, configErrorf("start_group %q comes after end_group %q", start.Name, end.Name)
		}
		return r.stageRange(start.Order, end.Order), nil
	}
}

func (r *Registry) stageRange(from, to int) []Stage {
	var out []Stage
	for _, g := range r.groups {
		if g.Order < from || g.Order > to {
			continue
		}
		out = append(out, Stage{Group: g.Name, Order: g.Order, Models: append([]string(nil), r.byGroup[g.Name]...)})
	}
	return out
}

func validateWindowFields(req Request) error {
	set := 0
	for _, v := range []bool{req.UpdateSince != "", req.UpdateLast != 0, req.SinceLastRun} {
		if v {
			set++
		}
	}
	if set > 1 {
		return configErrorf("update_since, update_last and since_last_run are mutually exclusive")
	}
	if req.UpdateLast < 0 {
		return configErrorf("update_last must be positive, got %d", req.UpdateLast)
	}
	if req.UpdateSince != "" {
		if _, err := time.Parse(time.DateOnly, req.UpdateSince); err != nil {
			return configErrorf("update_since %q is not a YYYY-MM-DD date", req.UpdateSince)
		}
	}
	return nil
}

func resolveWindow(req Request, now time.Time) (Window, error) {
	switch {
	case req.SinceLastRun:
		return Window{SinceLastRun: true}, nil
	case req.UpdateSince != "":
		since, err := time.Parse(time.DateOnly, req.UpdateSince)
		if err != nil {
			return Window{}, configErrorf("update_since %q is not a YYYY-MM-DD date", req.UpdateSince)
		}
		return Window{Since: &since}, nil
	case req.UpdateLast > 0:
		today := now.UTC().Truncate(24 * time.Hour)
		since := today.AddDate(0, 0, -req.UpdateLast)
		return Window{Since: &since}, nil
	default:
		return Window{}, nil
	}
}

func scopeName(req Request) string {
	var base string
	switch {
	case req.All:
		base = "all"
	case req.Group != "":
		base = "group " + req.Group
	case req.Model != "":
		base = "model " + req.Model
	default:
		base = req.StartGroup + ".." + req.EndGroup
	}
	if req.Shortcut != "" {
		return req.Shortcut + " (" + base + ")"
	}
	return base
}
