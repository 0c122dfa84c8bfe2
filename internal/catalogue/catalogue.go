// Package catalogue loads the estate catalogue: the declared set of projects
// and repositories the reporting system manages. The catalogue itself is an
// external collaborator; this package only reads its YAML form.
package catalogue

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/repoledger/repoledger/internal/faults"
)

// Repository is one catalogued repository entry.
type Repository struct {
	ID                 string   `yaml:"id"`
	Owner              string   `yaml:"owner"`
	Name               string   `yaml:"name"`
	DefaultBranch      string   `yaml:"default_branch"`
	DocumentationPaths []string `yaml:"documentation_paths"`
}

// Estate is a named collection of repositories.
type Estate struct {
	Key          string       `yaml:"key"`
	Repositories []Repository `yaml:"repositories"`
}

// Source supplies estate definitions by key.
type Source interface {
	Estate(ctx context.Context, key string) (Estate, error)
}

type file struct {
	Estates []Estate `yaml:"estates"`
}

// FileSource reads estates from a YAML catalogue file on every call, so
// catalogue edits take effect without a restart.
type FileSource struct {
	path string
}

func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, faults.New(faults.MissingConfig, "catalogue path required")
	}
	return &FileSource{path: path}, nil
}

func (f *FileSource) Estate(ctx context.Context, key string) (Estate, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return Estate{}, fmt.Errorf("read catalogue %s: %w", f.path, err)
	}
	var doc file
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Estate{}, fmt.Errorf("parse catalogue %s: %w", f.path, err)
	}
	for _, est := range doc.Estates {
		if est.Key == key {
			return normalise(est), nil
		}
	}
	return Estate{}, faults.New(faults.UnknownRepository, "estate %q not in catalogue", key)
}

func normalise(est Estate) Estate {
	for i := range est.Repositories {
		r := &est.Repositories[i]
		if r.ID == "" {
			r.ID = r.Owner + "/" + r.Name
		}
		if r.DefaultBranch == "" {
			r.DefaultBranch = "main"
		}
	}
	return est
}

// StaticSource serves fixed estates; test use.
type StaticSource map[string]Estate

func (s StaticSource) Estate(ctx context.Context, key string) (Estate, error) {
	est, ok := s[key]
	if !ok {
		return Estate{}, faults.New(faults.UnknownRepository, "estate %q not in catalogue", key)
	}
	return normalise(est), nil
}
