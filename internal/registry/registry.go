// Package registry is the authoritative list of managed repositories and
// their ingestion toggles. Catalogue syncs are additive-and-disabling:
// removed repositories keep their rows but stop being ingested.
package registry

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/catalogue"
	"github.com/repoledger/repoledger/internal/models"
)

// UpsertResult reports what a single catalogue upsert did.
type UpsertResult int

const (
	UpsertCreated UpsertResult = iota
	UpsertUpdated
)

// Store is the registry persistence contract over the repositories table.
type Store interface {
	// UpsertFromCatalogue links a repository to its catalogue entry and
	// enables ingestion. catalogueID is already estate-qualified.
	UpsertFromCatalogue(ctx context.Context, entry catalogue.Repository, catalogueID string) (UpsertResult, error)

	// DisableAbsent disables ingestion and clears the catalogue link for
	// every repository of the estate whose catalogue id is not in keep.
	DisableAbsent(ctx context.Context, estateKey string, keep []string) (int, error)

	SetIngestion(ctx context.Context, owner, name string, enabled bool) error

	// ListActive returns ingestion-enabled repositories ordered by
	// (owner, name).
	ListActive(ctx context.Context, limit, offset int) ([]models.Repository, error)
}

// SyncResult summarises one catalogue sync.
type SyncResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Disabled int `json:"disabled"`
}

// Registry wraps a Store with catalogue sync behaviour.
type Registry struct {
	store Store
	cat   catalogue.Source
	log   *logrus.Entry
}

func New(store Store, cat catalogue.Source, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{store: store, cat: cat, log: log}
}

// SyncFromCatalogue reconciles the registry against the estate definition.
func (r *Registry) SyncFromCatalogue(ctx context.Context, estateKey string) (SyncResult, error) {
	est, err := r.cat.Estate(ctx, estateKey)
	if err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	keep := make([]string, 0, len(est.Repositories))
	for _, entry := range est.Repositories {
		catalogueID := estateKey + ":" + entry.ID
		keep = append(keep, catalogueID)
		outcome, err := r.store.UpsertFromCatalogue(ctx, entry, catalogueID)
		if err != nil {
			return res, err
		}
		switch outcome {
		case UpsertCreated:
			res.Created++
		case UpsertUpdated:
			res.Updated++
		}
	}

	disabled, err := r.store.DisableAbsent(ctx, estateKey, keep)
	if err != nil {
		return res, err
	}
	res.Disabled = disabled

	r.log.WithFields(logrus.Fields{
		"estate":   estateKey,
		"created":  res.Created,
		"updated":  res.Updated,
		"disabled": res.Disabled,
	}).Info("catalogue sync complete")
	return res, nil
}

func (r *Registry) EnableIngestion(ctx context.Context, owner, name string) error {
	return r.store.SetIngestion(ctx, owner, name, true)
}

func (r *Registry) DisableIngestion(ctx context.Context, owner, name string) error {
	return r.store.SetIngestion(ctx, owner, name, false)
}

func (r *Registry) ListActive(ctx context.Context, limit, offset int) ([]models.Repository, error) {
	return r.store.ListActive(ctx, limit, offset)
}
