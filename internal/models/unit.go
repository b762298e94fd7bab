package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an identifier the remote service may send as a JSON number or a
// JSON string. It is always handled as a string locally.
type ID string

// UnmarshalJSON accepts 42, "42" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a string.
func (id ID) String() string {
	return string(id)
}

// Int64 parses a numeric id.
func (id ID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

// FilterLine is one filter slot on a unit.
type FilterLine struct {
	ID              ID      `json:"id"`
	Phase           string  `json:"phase"`
	PartNumber      string  `json:"part_number"`
	Size            string  `json:"size"`
	Quantity        int     `json:"quantity"`
	LastServiceDate *string `json:"last_service_date,omitempty"`
	FrequencyDays   *int    `json:"frequency_days,omitempty"`
	Status          string  `json:"status,omitempty"`
}

// CachedUnit is the last-known server representation of an AHU. Fields the
// server sends that are not modeled here are kept in Extra and written back
// unchanged.
type CachedUnit struct {
	AHUID           ID           `json:"ahu_id"`
	ID              ID           `json:"id,omitempty"`
	HospitalID      ID           `json:"hospital_id,omitempty"`
	Name            string       `json:"name"`
	Location        string       `json:"location,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	FrequencyDays   *int         `json:"frequency_days,omitempty"`
	LastServiceDate *string      `json:"last_service_date,omitempty"`
	Status          string       `json:"status,omitempty"`
	Filters         []FilterLine `json:"filters"`
	CachedAt        time.Time    `json:"cached_at"`

	Extra map[string]json.RawMessage `json:"-"`
}

type cachedUnitAlias CachedUnit

var cachedUnitKeys = []string{
	"ahu_id", "id", "hospital_id", "name", "location", "notes",
	"frequency_days", "last_service_date", "status", "filters", "cached_at",
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (u *CachedUnit) UnmarshalJSON(data []byte) error {
	var alias cachedUnitAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range cachedUnitKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}

	*u = CachedUnit(alias)
	u.Extra = all
	return nil
}

// MarshalJSON writes known fields over Extra.
func (u CachedUnit) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(cachedUnitAlias(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(u.Extra)+len(cachedUnitKeys))
	for k, v := range u.Extra {
		merged[k] = v
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Key returns the cache key: ahu_id, falling back to id.
func (u *CachedUnit) Key() string {
	if u.AHUID != "" {
		return string(u.AHUID)
	}
	return string(u.ID)
}

// Hospital is the hospital header of an offline bundle.
type Hospital struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	City string `json:"city,omitempty"`
}

// Bundle is the body of GET /hospitals/{id}/offline-bundle.
type Bundle struct {
	Hospital Hospital     `json:"hospital"`
	AHUs     []CachedUnit `json:"ahus"`
}

// OfflineHospital records that a hospital bundle was downloaded.
type OfflineHospital struct {
	HospitalID   ID        `json:"hospital_id"`
	Name         string    `json:"name"`
	AHUCount     int       `json:"ahu_count"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// HospitalIndex lists the ahu_ids written by a hospital's bundle, in bundle
// order.
type HospitalIndex struct {
	HospitalID ID       `json:"hospital_id"`
	AHUIDs     []string `json:"ahu_ids"`
}
