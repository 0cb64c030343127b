package pipeline

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

//go:embed pipeline.hcl
var defaultConfig []byte

type GroupSpec struct {
	Name        string
	Order       int
	Description string
}

type ModelSpec struct {
	Name        string
	Group       string
	Kind        Kind
	Description string
}

type Shortcut struct {
	Name        string
	Description string
	Request     Request
}

// Config is the static pipeline definition.
type Config struct {
	Groups    []GroupSpec
	Models    []ModelSpec
	Shortcuts []Shortcut
}

type hclFile struct {
	Groups    []hclGroup    `hcl:"group,block"`
	Models    []hclModel    `hcl:"model,block"`
	Shortcuts []hclShortcut `hcl:"shortcut,block"`
}

type hclGroup struct {
	Name        string `hcl:"name,label"`
	Order       int    `hcl:"order"`
	Description string `hcl:"description,optional"`
}

type hclModel struct {
	Name        string `hcl:"name,label"`
	Group       string `hcl:"group"`
	Kind        string `hcl:"kind"`
	Description string `hcl:"description,optional"`
}

type hclShortcut struct {
	Name         string  `hcl:"name,label"`
	Description  string  `hcl:"description,optional"`
	All          *bool   `hcl:"all,optional"`
	Group        *string `hcl:"group,optional"`
	Model        *string `hcl:"model,optional"`
	StartGroup   *string `hcl:"start_group,optional"`
	EndGroup     *string `hcl:"end_group,optional"`
	UpdateSince  *string `hcl:"update_since,optional"`
	UpdateLast   *int    `hcl:"update_last,optional"`
	SinceLastRun *bool   `hcl:"since_last_run,optional"`
}

// LoadConfig reads the pipeline definition at path, or the built-in one when
// path is empty.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return ParseConfig(defaultConfig, "pipeline.hcl")
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read pipeline config %s: %w", path, err)
	}
	return ParseConfig(src, path)
}

func ParseConfig(src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	var cfg Config
	for _, g := range parsed.Groups {
		cfg.Groups = append(cfg.Groups, GroupSpec{Name: g.Name, Order: g.Order, Description: g.Description})
	}
	for _, m := range parsed.Models {
		kind, err := ParseKind(m.Kind)
		if err != nil {
			return Config{}, fmt.Errorf("model %s: %w", m.Name, err)
		}
		cfg.Models = append(cfg.Models, ModelSpec{Name: m.Name, Group: m.Group, Kind: kind, Description: m.Description})
	}
	for _, s := range parsed.Shortcuts {
		cfg.Shortcuts = append(cfg.Shortcuts, Shortcut{Name: s.Name, Description: s.Description, Request: s.request()})
	}
	return cfg, nil
}

func (s hclShortcut) request() Request {
	var r Request
	if s.All != nil {
		r.All = *s.All
	}
	if s.Group != nil {
		r.Group = *s.Group
	}
	if s.Model != nil {
		r.Model = *s.Model
	}
	if s.StartGroup != nil {
		r.StartGroup = *s.StartGroup
	}
	if s.EndGroup != nil {
		r.EndGroup = *s.EndGroup
	}
	if s.UpdateSince != nil {
		r.UpdateSince = *s.UpdateSince
	}
	if s.UpdateLast != nil {
		r.UpdateLast = *s.UpdateLast
	}
	if s.SinceLastRun != nil {
		r.SinceLastRun = *s.SinceLastRun
	}
	return r
}
