package catalogue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/repoledger/repoledger/internal/faults"
)

const sampleCatalogue = `
estates:
  - key: platform
    repositories:
      - owner: octo
        name: reef
        default_branch: trunk
        documentation_paths: [docs/, README.md]
      - owner: octo
        name: atoll
`

func writeCatalogue(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalogue.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	return path
}

func TestFileSourceEstate(t *testing.T) {
	src, err := NewFileSource(writeCatalogue(t, sampleCatalogue))
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}

	est, err := src.Estate(context.Background(), "platform")
	if err != nil {
		t.Fatalf("Estate: %v", err)
	}
	if len(est.Repositories) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(est.Repositories))
	}

	reef := est.Repositories[0]
	if reef.ID != "octo/reef" {
		t.Errorf("missing id should default to owner/name, got %q", reef.ID)
	}
	if reef.DefaultBranch != "trunk" {
		t.Errorf("explicit default branch lost, got %q", reef.DefaultBranch)
	}
	if len(reef.DocumentationPaths) != 2 {
		t.Errorf("documentation paths lost: %v", reef.DocumentationPaths)
	}

	atoll := est.Repositories[1]
	if atoll.DefaultBranch != "main" {
		t.Errorf("absent default branch should normalise to main, got %q", atoll.DefaultBranch)
	}
}

func TestFileSourceUnknownEstate(t *testing.T) {
	src, err := NewFileSource(writeCatalogue(t, sampleCatalogue))
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	_, err = src.Estate(context.Background(), "nope")
	if !faults.IsKind(err, faults.UnknownRepository) {
		t.Fatalf("expected UNKNOWN_REPOSITORY, got %v", err)
	}
}

func TestFileSourceRereadsOnEachCall(t *testing.T) {
	path := writeCatalogue(t, sampleCatalogue)
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	if _, err := src.Estate(context.Background(), "platform"); err != nil {
		t.Fatalf("Estate: %v", err)
	}

	updated := sampleCatalogue + `
      - owner: octo
        name: lagoon
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite catalogue: %v", err)
	}
	est, err := src.Estate(context.Background(), "platform")
	if err != nil {
		t.Fatalf("Estate after edit: %v", err)
	}
	if len(est.Repositories) != 3 {
		t.Fatalf("catalogue edits should take effect without restart, got %d repositories", len(est.Repositories))
	}
}
