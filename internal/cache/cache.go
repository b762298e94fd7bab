// Package cache provides the local unit cache used while the device is
// offline, and the hospital bundle records that populate it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/afctech/fieldsync/internal/db"
	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
)

// PutResult reports what PutBundle wrote.
type PutResult struct {
	HospitalID string `json:"hospital_id"`
	AHUCount   int    `json:"ahu_count"`
}

// Cache stores CachedUnit records and hospital bundle metadata.
type Cache struct {
	store *db.Store
	now   func() time.Time
}

// New creates a Cache over store.
func New(store *db.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// WithClock replaces the cache clock. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Put replaces the cached record for unit and stamps cached_at.
// A unit with neither ahu_id nor id is ignored.
func (c *Cache) Put(ctx context.Context, unit *models.CachedUnit) error {
	key := unit.Key()
	if key == "" {
		logging.Debug("Skipping cache write for unit without id")
		return nil
	}

	record := *unit
	record.AHUID = models.ID(key)
	record.CachedAt = c.now().UTC()

	if err := db.PutJSON(ctx, c.store, db.CollectionAHUCache, key, &record); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to cache unit", err)
	}
	unit.AHUID = record.AHUID
	unit.CachedAt = record.CachedAt
	return nil
}

// Get returns the cached unit for ahuID, or ok=false if absent.
func (c *Cache) Get(ctx context.Context, ahuID string) (*models.CachedUnit, bool, error) {
	var unit models.CachedUnit
	ok, err := db.GetJSON(ctx, c.store, db.CollectionAHUCache, ahuID, &unit)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read cached unit", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &unit, true, nil
}

// PutBundle stores every unit of bundle, the hospital metadata and the
// hospital index in one transaction. The previous index is replaced.
func (c *Cache) PutBundle(ctx context.Context, bundle *models.Bundle) (PutResult, error) {
	if bundle == nil || bundle.Hospital.ID == "" {
		return PutResult{}, apperrors.New(apperrors.ErrBundleInvalid, "invalid bundle: missing hospital.id")
	}

	hospitalID := string(bundle.Hospital.ID)
	now := c.now().UTC()

	name := bundle.Hospital.Name
	if name == "" {
		name = fmt.Sprintf("Hospital %s", hospitalID)
	}

	index := models.HospitalIndex{
		HospitalID: bundle.Hospital.ID,
		AHUIDs:     make([]string, 0, len(bundle.AHUs)),
	}

	err := c.store.Update(ctx, func(tx *db.Tx) error {
		seen := make(map[string]bool, len(bundle.AHUs))
		for i := range bundle.AHUs {
			record := bundle.AHUs[i]
			key := record.Key()
			if key == "" {
				return apperrors.New(apperrors.ErrBundleInvalid, fmt.Sprintf("invalid bundle: unit %d has no id", i))
			}
			record.AHUID = models.ID(key)
			record.CachedAt = now

			if err := db.PutJSON(ctx, tx, db.CollectionAHUCache, key, &record); err != nil {
				return err
			}
			if !seen[key] {
				seen[key] = true
				index.AHUIDs = append(index.AHUIDs, key)
			}
		}

		// Units dropped since the last download are no longer reachable
		// through the index, so remove them with it.
		var previous models.HospitalIndex
		if _, err := db.GetJSON(ctx, tx, db.CollectionHospitalIndex, hospitalID, &previous); err != nil {
			return err
		}
		for _, id := range previous.AHUIDs {
			if seen[id] {
				continue
			}
			if err := tx.Delete(ctx, db.CollectionAHUCache, id); err != nil {
				return err
			}
		}

		meta := models.OfflineHospital{
			HospitalID:   bundle.Hospital.ID,
			Name:         name,
			AHUCount:     len(bundle.AHUs),
			DownloadedAt: now,
		}
		if err := db.PutJSON(ctx, tx, db.CollectionOfflineHospitals, hospitalID, &meta); err != nil {
			return err
		}
		return db.PutJSON(ctx, tx, db.CollectionHospitalIndex, hospitalID, &index)
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrBundleInvalid) {
			return PutResult{}, err
		}
		logging.ErrorWithCode("Failed to store hospital bundle", string(apperrors.ErrDatabase), err, map[string]interface{}{
			"hospital_id": hospitalID,
		})
		return PutResult{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to store hospital bundle", err)
	}

	logging.Info("Hospital bundle stored", map[string]interface{}{
		"hospital_id": hospitalID,
		"ahu_count":   len(bundle.AHUs),
	})
	return PutResult{HospitalID: hospitalID, AHUCount: len(bundle.AHUs)}, nil
}

// RemoveBundle deletes every unit listed in the hospital's index, then the
// index and the hospital metadata. It returns the number of indexed units.
// Without an index nothing is removed.
func (c *Cache) RemoveBundle(ctx context.Context, hospitalID string) (int, error) {
	removed := 0
	err := c.store.Update(ctx, func(tx *db.Tx) error {
		var index models.HospitalIndex
		ok, err := db.GetJSON(ctx, tx, db.CollectionHospitalIndex, hospitalID, &index)
		if err != nil || !ok {
			return err
		}

		for _, id := range index.AHUIDs {
			if err := tx.Delete(ctx, db.CollectionAHUCache, id); err != nil {
				return err
			}
		}
		if err := tx.Delete(ctx, db.CollectionOfflineHospitals, hospitalID); err != nil {
			return err
		}
		if err := tx.Delete(ctx, db.CollectionHospitalIndex, hospitalID); err != nil {
			return err
		}
		removed = len(index.AHUIDs)
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to remove hospital bundle", err)
	}

	if removed > 0 {
		logging.Info("Hospital bundle removed", map[string]interface{}{
			"hospital_id": hospitalID,
			"removed":     removed,
		})
	}
	return removed, nil
}

// IsDownloaded reports whether hospital metadata exists for hospitalID.
func (c *Cache) IsDownloaded(ctx context.Context, hospitalID string) (bool, error) {
	_, ok, err := c.store.Get(ctx, db.CollectionOfflineHospitals, hospitalID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read hospital metadata", err)
	}
	return ok, nil
}

// ListHospitals returns the metadata of every downloaded hospital.
func (c *Cache) ListHospitals(ctx context.Context) ([]models.OfflineHospital, error) {
	records, err := c.store.Scan(ctx, db.CollectionOfflineHospitals)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list hospitals", err)
	}

	hospitals := make([]models.OfflineHospital, 0, len(records))
	for _, r := range records {
		var h models.OfflineHospital
		if err := json.Unmarshal(r.Value, &h); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCache, "unreadable hospital metadata", err)
		}
		hospitals = append(hospitals, h)
	}
	return hospitals, nil
}

// ListUnits returns the cached units of a downloaded hospital in bundle
// order. Units missing from the cache are skipped.
func (c *Cache) ListUnits(ctx context.Context, hospitalID string) ([]models.CachedUnit, error) {
	var index models.HospitalIndex
	ok, err := db.GetJSON(ctx, c.store, db.CollectionHospitalIndex, hospitalID, &index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read hospital index", err)
	}
	if !ok {
		return nil, nil
	}

	units := make([]models.CachedUnit, 0, len(index.AHUIDs))
	for _, id := range index.AHUIDs {
		unit, ok, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			units = append(units, *unit)
		}
	}
	return units, nil
}
