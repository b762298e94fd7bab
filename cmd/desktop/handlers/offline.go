package handlers

import (
	"context"
	"net/http"

	"github.com/afctech/fieldsync/internal/cache"
	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
)

// BundleDownloader fetches and stores a hospital bundle.
type BundleDownloader interface {
	Download(ctx context.Context, hospitalID string) (cache.PutResult, error)
}

// UnitLoader reads a unit through the cache.
type UnitLoader interface {
	Load(ctx context.Context, ahuID string, online bool) (*models.CachedUnit, cache.Source, error)
}

// OfflineHandler serves offline bundles and cached unit reads.
type OfflineHandler struct {
	cache      *cache.Cache
	downloader BundleDownloader
	loader     UnitLoader
	online     func() bool
}

// NewOfflineHandler creates a new OfflineHandler. online reports current
// connectivity.
func NewOfflineHandler(c *cache.Cache, downloader BundleDownloader, loader UnitLoader, online func() bool) *OfflineHandler {
	return &OfflineHandler{
		cache:      c,
		downloader: downloader,
		loader:     loader,
		online:     online,
	}
}

// ListHospitals handles GET /api/offline/hospitals
func (h *OfflineHandler) ListHospitals(w http.ResponseWriter, r *http.Request) {
	hospitals, err := h.cache.ListHospitals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hospitals == nil {
		hospitals = []models.OfflineHospital{}
	}
	writeJSON(w, http.StatusOK, hospitals)
}

// DownloadHospital handles POST /api/offline/hospitals/{id}
func (h *OfflineHandler) DownloadHospital(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "hospital id is required")
		return
	}
	if !h.online() {
		writeMessage(w, http.StatusServiceUnavailable, apperrors.ErrOffline, "bundles can only be downloaded while online")
		return
	}

	result, err := h.downloader.Download(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	logging.Info("Hospital downloaded for offline use", map[string]interface{}{
		"hospital_id": result.HospitalID,
		"ahu_count":   result.AHUCount,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hospital_id": result.HospitalID,
		"ahu_count":   result.AHUCount,
	})
}

// RemoveHospital handles DELETE /api/offline/hospitals/{id}
func (h *OfflineHandler) RemoveHospital(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "hospital id is required")
		return
	}

	removed, err := h.cache.RemoveBundle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hospital_id": id,
		"removed":     removed,
	})
}

// GetUnit handles GET /api/ahus/{id}
// Online reads refresh the cache; offline reads are served from it.
func (h *OfflineHandler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeMessage(w, http.StatusBadRequest, apperrors.ErrInvalid, "ahu id is required")
		return
	}

	unit, source, err := h.loader.Load(r.Context(), id, h.online())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Data-Source", string(source))
	writeJSON(w, http.StatusOK, unit)
}
