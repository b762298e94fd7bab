// Package scheduler decides when the outbox is drained: at startup, on every
// offline to online transition, on demand, and optionally on an interval.
// At most one drain runs at a time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	syncpkg "github.com/afctech/fieldsync/internal/sync"
	"github.com/afctech/fieldsync/internal/sync/connectivity"
	"github.com/afctech/fieldsync/internal/telemetry"
)

// Listener is notified of scheduler events. Calls are made without holding
// scheduler locks and may come from any goroutine.
type Listener interface {
	SyncStarted()
	SyncFinished(result *models.DrainResult, err error)
	ConnectivityChanged(online bool)
}

// Config holds scheduler configuration.
type Config struct {
	// Records per drain; 0 drains nothing, negative uses the engine default
	MaxBatch int
	// Optional periodic retry; 0 disables it
	Interval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBatch: syncpkg.DefaultMaxBatch,
	}
}

// Status is the state exposed to the UI.
type Status struct {
	Syncing    bool                `json:"syncing"`
	Online     bool                `json:"online"`
	LastResult *models.DrainResult `json:"last_result"`
	LastError  string              `json:"last_error,omitempty"`
	LastSyncAt *time.Time          `json:"last_sync_at,omitempty"`
}

// Scheduler gates and triggers outbox drains.
type Scheduler struct {
	drainer  syncpkg.Drainer
	source   connectivity.Source
	maxBatch int
	interval time.Duration
	metrics  *telemetry.SyncMetrics

	mu          sync.Mutex
	wg          sync.WaitGroup
	stopCh      chan struct{}
	isRunning   bool
	isStopped   bool
	wasOnline   bool
	syncing     bool
	lastResult  *models.DrainResult
	lastErr     error
	lastSyncAt  time.Time
	listeners   []Listener
	unsubscribe func()
}

// NewScheduler creates a Scheduler. A nil source is treated as always online.
func NewScheduler(drainer syncpkg.Drainer, source connectivity.Source, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	return &Scheduler{
		drainer:  drainer,
		source:   source,
		maxBatch: config.MaxBatch,
		interval: config.Interval,
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics attaches instruments for skipped requests.
func (s *Scheduler) SetMetrics(m *telemetry.SyncMetrics) {
	s.metrics = m
}

// AddListener registers l for scheduler events.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start subscribes to connectivity changes, requests the initial sync and
// starts the periodic loop if an interval is configured.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning || s.isStopped {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.wasOnline = s.online()
	s.mu.Unlock()

	if s.source != nil {
		unsubscribe := s.source.Subscribe(func(online bool) {
			s.onConnectivity(ctx, online)
		})
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}

	if s.interval > 0 {
		s.wg.Add(1)
		go s.periodicSyncLoop(ctx)
	}

	logging.Info("Sync scheduler started", map[string]interface{}{
		"max_batch":        s.maxBatch,
		"interval_seconds": s.interval.Seconds(),
	})

	s.RequestSync(ctx)
}

// Stop unsubscribes, stops the periodic loop and waits for an in-flight
// drain to finish. A stopped scheduler accepts no further requests.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.isStopped {
		s.mu.Unlock()
		return
	}
	s.isStopped = true
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(s.stopCh)

	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// RequestSync starts a drain in the background. It returns false without
// doing anything when a drain is already running, the device is offline, or
// the scheduler is stopped.
func (s *Scheduler) RequestSync(ctx context.Context) bool {
	if !s.tryBegin(ctx) {
		return false
	}

	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SyncNow runs a drain and waits for it. started is false when the request
// was gated, in which case result and err are nil.
func (s *Scheduler) SyncNow(ctx context.Context) (result *models.DrainResult, started bool, err error) {
	if !s.tryBegin(ctx) {
		return nil, false, nil
	}
	defer s.wg.Done()

	result, err = s.runSync(ctx)
	return result, true, err
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	online := s.online()

	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Syncing:    s.syncing,
		Online:     online,
		LastResult: s.lastResult,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	if !s.lastSyncAt.IsZero() {
		at := s.lastSyncAt
		status.LastSyncAt = &at
	}
	return status
}

// IsRunning returns whether Start has been called and Stop has not.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// tryBegin is the drain gate: an atomic check-and-set of syncing. On
// success the caller owns one wg slot and must call wg.Done.
func (s *Scheduler) tryBegin(ctx context.Context) bool {
	online := s.online()

	s.mu.Lock()
	switch {
	case s.isStopped:
		s.mu.Unlock()
		return false
	case s.syncing:
		s.mu.Unlock()
		s.metrics.RecordSkipped(ctx, "busy")
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	case !online:
		s.mu.Unlock()
		s.metrics.RecordSkipped(ctx, "offline")
		logging.Debug("Skipping sync - offline", nil)
		return false
	}
	s.syncing = true
	s.wg.Add(1)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.SyncStarted()
	}
	return true
}

// runSync drains once and records the outcome. The drain is detached from
// ctx cancellation so a started batch runs to completion.
func (s *Scheduler) runSync(ctx context.Context) (*models.DrainResult, error) {
	result, err := s.drainer.Drain(context.WithoutCancel(ctx), s.maxBatch)

	s.mu.Lock()
	s.syncing = false
	if result != nil {
		s.lastResult = result
	}
	s.lastErr = err
	s.lastSyncAt = time.Now()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	switch {
	case errors.Is(err, errors.ErrSyncBusy):
		s.metrics.RecordSkipped(ctx, "lease")
		logging.Info("Sync skipped, another process holds the drain lease", nil)
	case err != nil:
		logging.ErrorWithCode("Sync failed", string(errors.ErrSyncFailed), err, nil)
	default:
		logging.Info("Sync completed", map[string]interface{}{
			"ok":     result.OK,
			"synced": result.Synced,
			"failed": result.Failed,
		})
	}

	for _, l := range listeners {
		l.SyncFinished(result, err)
	}
	return result, err
}

// onConnectivity requests a sync on every offline to online transition.
func (s *Scheduler) onConnectivity(ctx context.Context, online bool) {
	s.mu.Lock()
	wasOnline := s.wasOnline
	s.wasOnline = online
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if wasOnline != online {
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  online,
		})
		for _, l := range listeners {
			l.ConnectivityChanged(online)
		}
	}

	if online && !wasOnline {
		s.RequestSync(ctx)
	}
}

// periodicSyncLoop requests a sync every interval.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RequestSync(ctx)
		}
	}
}

func (s *Scheduler) online() bool {
	if s.source == nil {
		return true
	}
	return s.source.Online()
}
