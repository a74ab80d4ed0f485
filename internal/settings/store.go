package settings

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	apperrors "convsync/pkg/errors"
)

// Store reads per-site settings. The pipeline never writes through it.
type Store interface {
	SiteIDs(ctx context.Context) ([]int, error)
	Load(ctx context.Context, siteID int) (Values, error)
}

// FileStore serves settings embedded in the YAML config under settings.sites.
type FileStore struct {
	sites map[int]Values
}

func NewFileStore(sites map[string]map[string]string) (*FileStore, error) {
	store := &FileStore{sites: make(map[int]Values, len(sites))}
	for key, raw := range sites {
		siteID, err := strconv.Atoi(key)
		if err != nil || siteID < 1 {
			return nil, fmt.Errorf("invalid site id %q in settings", key)
		}
		store.sites[siteID] = NewValues(raw)
	}
	return store, nil
}

func (s *FileStore) SiteIDs(_ context.Context) ([]int, error) {
	ids := make([]int, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *FileStore) Load(_ context.Context, siteID int) (Values, error) {
	values, ok := s.sites[siteID]
	if !ok {
		return nil, siteNotFound(siteID)
	}
	return values, nil
}

func siteNotFound(siteID int) error {
	return apperrors.ErrNotFound.
		WithDetail("site_id", siteID).
		WithMessage("no settings for site %d", siteID)
}
