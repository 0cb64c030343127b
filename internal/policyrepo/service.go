// Package policyrepo reads policy definitions from a git repository of YAML
// files. The commit hash is the policy version.
package policyrepo

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gopkg.in/yaml.v3"
)

const policiesDir = "policies"

type DecisionLink struct {
	Key       string `yaml:"key"`
	Direction string `yaml:"direction"`
	Strength  string `yaml:"strength"`
}

type Definition struct {
	ID        int64          `yaml:"id"`
	Name      string         `yaml:"name"`
	Chamber   string         `yaml:"chamber"`
	Status    string         `yaml:"status"`
	Decisions []DecisionLink `yaml:"decisions"`
}

// Snapshot is every definition at one commit.
type Snapshot struct {
	Revision    string
	Definitions []Definition
}

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

// Load reads policies/*.yml at revision (a branch, tag or hash; HEAD when
// empty).
func (s *Service) Load(revision string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open policy repo: %w", err)
	}
	if revision == "" {
		revision = "HEAD"
	}
	hash, err := resolveHash(repo, revision)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit %s: %w", hash, err)
	}

	files, err := commitObj.Files()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list commit files: %w", err)
	}
	defer files.Close()

	snap := Snapshot{Revision: commitObj.Hash.String()}
	seen := map[int64]string{}
	err = files.ForEach(func(f *object.File) error {
		if !isDefinitionFile(f.Name) {
			return nil
		}
		def, err := readDefinition(f)
		if err != nil {
			return err
		}
		if other, ok := seen[def.ID]; ok {
			return fmt.Errorf("policy %d defined in both %s and %s", def.ID, other, f.Name)
		}
		seen[def.ID] = f.Name
		snap.Definitions = append(snap.Definitions, def)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	sort.Slice(snap.Definitions, func(i, j int) bool { return snap.Definitions[i].ID < snap.Definitions[j].ID })
	return snap, nil
}

func isDefinitionFile(name string) bool {
	if path.Dir(name) != policiesDir {
		return false
	}
	ext := path.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func readDefinition(f *object.File) (Definition, error) {
	reader, err := f.Reader()
	if err != nil {
		return Definition{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Definition{}, fmt.Errorf("read %s: %w", f.Name, err)
	}
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("decode %s: %w", f.Name, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%s: %w", f.Name, err)
	}
	return def, nil
}

func (d *Definition) Validate() error {
	if d.ID <= 0 {
		return errors.New("policy id must be positive")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("policy %d: name is required", d.ID)
	}
	if strings.TrimSpace(d.Chamber) == "" {
		return fmt.Errorf("policy %d: chamber is required", d.ID)
	}
	if d.Status == "" {
		d.Status = "active"
	}
	keys := map[string]struct{}{}
	for i, link := range d.Decisions {
		if link.Key == "" {
			return fmt.Errorf("policy %d: decision %d has no key", d.ID, i)
		}
		if _, ok := keys[link.Key]; ok {
			return fmt.Errorf("policy %d: decision %s listed twice", d.ID, link.Key)
		}
		keys[link.Key] = struct{}{}
		if link.Direction != "for" && link.Direction != "against" {
			return fmt.Errorf("policy %d: decision %s has direction %q", d.ID, link.Key, link.Direction)
		}
		if link.Strength != "strong" && link.Strength != "weak" {
			return fmt.Errorf("policy %d: decision %s has strength %q", d.ID, link.Key, link.Strength)
		}
	}
	return nil
}

func resolveHash(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if len(revision) == 40 {
		return plumbing.NewHash(revision), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", revision, err)
	}
	return *resolved, nil
}
