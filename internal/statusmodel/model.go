// Package statusmodel turns an evidence bundle into a status summary. Two
// backends exist: a deterministic heuristic for tests and local use, and a
// remote chat-completion service.
package statusmodel

import (
	"context"

	"github.com/repoledger/repoledger/internal/config"
	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/models"
)

// Model summarises repository evidence. Implementations must be safe for
// concurrent use.
type Model interface {
	// Name identifies the backend on persisted reports.
	Name() string

	SummariseRepository(ctx context.Context, bundle evidence.Bundle) (models.StatusSummary, error)
}

// ProjectSummariser is implemented by backends that can also roll up
// project-level bundles.
type ProjectSummariser interface {
	SummariseProject(ctx context.Context, bundles []evidence.Bundle) (models.StatusSummary, error)
}

// EstateSummariser is implemented by backends that can roll up the whole
// estate.
type EstateSummariser interface {
	SummariseEstate(ctx context.Context, bundles []evidence.Bundle) (models.StatusSummary, error)
}

// New builds the backend selected by the configuration.
func New(cfg *config.Config) (Model, error) {
	switch cfg.StatusModelBackend {
	case config.BackendMock:
		return NewHeuristic(), nil
	case config.BackendChatCompletion:
		return NewChatCompletion(ChatCompletionConfig{
			Endpoint:    cfg.StatusModelEndpoint,
			APIKey:      cfg.StatusModelAPIKey,
			Model:       cfg.StatusModelName,
			Temperature: cfg.StatusModelTemperature,
			MaxTokens:   cfg.StatusModelMaxTokens,
		})
	default:
		return nil, faults.New(faults.MissingConfig, "unknown status model backend %q", cfg.StatusModelBackend)
	}
}
