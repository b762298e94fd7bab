package cache

import (
	"context"

	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
)

// Source tells where a loaded unit came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// UnitFetcher fetches a unit from the remote service.
type UnitFetcher interface {
	GetUnit(ctx context.Context, ahuID string) (*models.CachedUnit, error)
}

// BundleFetcher fetches a hospital's offline bundle.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, hospitalID string) (*models.Bundle, error)
}

// Loader reads units through the cache: online reads go to the remote
// service and refresh the cache, offline reads are served from it.
type Loader struct {
	cache   *Cache
	fetcher UnitFetcher
}

// NewLoader creates a Loader.
func NewLoader(cache *Cache, fetcher UnitFetcher) *Loader {
	return &Loader{cache: cache, fetcher: fetcher}
}

// Load returns the unit for ahuID. When online and the fetch fails, the
// cached copy is returned instead. A NOT_FOUND error is returned when
// neither source has the unit.
func (l *Loader) Load(ctx context.Context, ahuID string, online bool) (*models.CachedUnit, Source, error) {
	if online {
		unit, err := l.fetcher.GetUnit(ctx, ahuID)
		if err == nil {
			if err := l.cache.Put(ctx, unit); err != nil {
				// The fresh copy is still usable; only the offline copy is stale.
				logging.Warn("Failed to cache fetched unit", map[string]interface{}{
					"ahu_id": ahuID,
					"error":  err.Error(),
				})
			}
			return unit, SourceRemote, nil
		}

		logging.Warn("Unit fetch failed, falling back to cache", map[string]interface{}{
			"ahu_id": ahuID,
			"error":  err.Error(),
		})
	}

	unit, ok, err := l.cache.Get(ctx, ahuID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", apperrors.New(apperrors.ErrNotFound, "unit is not available offline")
	}
	return unit, SourceCache, nil
}

// Downloader fetches hospital bundles and stores them for offline use.
type Downloader struct {
	cache   *Cache
	fetcher BundleFetcher
}

// NewDownloader creates a Downloader.
func NewDownloader(cache *Cache, fetcher BundleFetcher) *Downloader {
	return &Downloader{cache: cache, fetcher: fetcher}
}

// Download fetches the bundle for hospitalID and stores it with PutBundle.
func (d *Downloader) Download(ctx context.Context, hospitalID string) (PutResult, error) {
	bundle, err := d.fetcher.FetchBundle(ctx, hospitalID)
	if err != nil {
		return PutResult{}, apperrors.Wrap(apperrors.ErrRemote, "failed to download hospital bundle", err)
	}
	return d.cache.PutBundle(ctx, bundle)
}
