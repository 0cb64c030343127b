package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
)

type ModelOption struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

type GroupOption struct {
	Name        string        `json:"name"`
	Order       int           `json:"order"`
	Description string        `json:"description"`
	Models      []ModelOption `json:"models"`
}

type ShortcutOption struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Request     Request `json:"request"`
}

type Options struct {
	Groups    []GroupOption    `json:"groups"`
	Shortcuts []ShortcutOption `json:"shortcuts"`
}

// Options lists groups in execution order and shortcuts by name.
func (r *Registry) Options() Options {
	var out Options
	for _, g := range r.groups {
		opt := GroupOption{Name: g.Name, Order: g.Order, Description: g.Description}
		for _, name := range r.byGroup[g.Name] {
			spec := r.models[name].spec
			opt.Models = append(opt.Models, ModelOption{Name: spec.Name, Kind: spec.Kind, Description: spec.Description})
		}
		out.Groups = append(out.Groups, opt)
	}
	for _, s := range r.shortcuts {
		out.Shortcuts = append(out.Shortcuts, ShortcutOption{Name: s.Name, Description: s.Description, Request: s.Request})
	}
	sort.Slice(out.Shortcuts, func(i, j int) bool { return out.Shortcuts[i].Name < out.Shortcuts[j].Name })
	return out
}

// WriteOptions renders opts as three aligned tables: groups, models and
// shortcuts.
func WriteOptions(w io.Writer, opts Options) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tGROUP\tDESCRIPTION")
	for _, g := range opts.Groups {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", g.Order, g.Name, g.Description)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ORDER\tGROUP\tMODEL\tKIND\tDESCRIPTION")
	for _, g := range opts.Groups {
		for _, m := range g.Models {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", g.Order, g.Name, m.Name, m.Kind, m.Description)
		}
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "SHORTCUT\tSCOPE\tDESCRIPTION")
	for _, s := range opts.Shortcuts {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, describeShortcut(s.Request), s.Description)
	}
	return tw.Flush()
}

func describeShortcut(req Request) string {
	parts := []string{scopeName(req)}
	switch {
	case req.UpdateLast > 0:
		parts = append(parts, fmt.Sprintf("last %d days", req.UpdateLast))
	case req.UpdateSince != "":
		parts = append(parts, "since "+req.UpdateSince)
	case req.SinceLastRun:
		parts = append(parts, "since last run")
	}
	return strings.Join(parts, ", ")
}
