// Package mobile is the embedded core used by the mobile shell through the
// C bridge in cmd/mobile. Every call takes and returns JSON strings. The host
// app owns the connectivity signal and reports it with SetOnline.
package mobile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/afctech/fieldsync/internal/api"
	"github.com/afctech/fieldsync/internal/cache"
	"github.com/afctech/fieldsync/internal/db"
	apperrors "github.com/afctech/fieldsync/internal/errors"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	syncpkg "github.com/afctech/fieldsync/internal/sync"
	"github.com/afctech/fieldsync/internal/sync/connectivity"
	"github.com/afctech/fieldsync/internal/sync/queue"
	"github.com/afctech/fieldsync/internal/sync/scheduler"
)

// Options configures a Bridge.
type Options struct {
	DataDir string
	BaseURL string
	Token   string

	// Defaults to 30s
	Timeout time.Duration
	// Defaults to 15s
	SubmitTimeout time.Duration
	// Defaults to 10
	MaxBatch int

	// Starting connectivity; the host updates it with SetOnline
	Online bool
}

// Bridge wires the store, outbox, cache and scheduler for one data dir.
type Bridge struct {
	database   *db.DB
	outbox     *queue.Outbox
	cache      *cache.Cache
	loader     *cache.Loader
	downloader *cache.Downloader
	source     *connectivity.Manual
	scheduler  *scheduler.Scheduler

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Open opens the store in opts.DataDir and starts the scheduler.
func Open(opts Options) (*Bridge, error) {
	if opts.DataDir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "data_dir is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = syncpkg.DefaultSubmitTimeout
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = syncpkg.DefaultMaxBatch
	}

	database, err := db.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return nil, err
	}
	store := db.NewStore(database.DB)

	client := api.NewClient(opts.BaseURL, opts.Token, opts.Timeout, 0)
	outbox := queue.NewOutbox(store)
	unitCache := cache.New(store)
	source := connectivity.NewManual(opts.Online)

	engine := syncpkg.NewEngine(outbox, client, opts.SubmitTimeout)
	engine.SetLease(syncpkg.NewDrainLease(database.DB, opts.SubmitTimeout))
	sched := scheduler.NewScheduler(engine, source, &scheduler.Config{MaxBatch: opts.MaxBatch})

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		database:   database,
		outbox:     outbox,
		cache:      unitCache,
		loader:     cache.NewLoader(unitCache, client),
		downloader: cache.NewDownloader(unitCache, client),
		source:     source,
		scheduler:  sched,
		cancel:     cancel,
	}
	sched.Start(ctx)

	logging.Info("Mobile core opened", map[string]interface{}{
		"data_dir": opts.DataDir,
		"online":   opts.Online,
	})
	return b, nil
}

// Close stops the scheduler, waiting for an in-flight drain, and closes the
// store.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.scheduler.Stop()
		b.cancel()
		err = b.database.Close()
	})
	return err
}

// SetOnline reports connectivity from the host. Going online requests a sync.
func (b *Bridge) SetOnline(online bool) {
	b.source.Set(online)
}

// RequestSync asks for a drain; false means one is running or the device is
// offline.
func (b *Bridge) RequestSync() bool {
	return b.scheduler.RequestSync(context.Background())
}

// Enqueue queues payloadJSON as a new record of jobType, requests a sync and
// returns the record.
func (b *Bridge) Enqueue(jobType, payloadJSON string) (string, error) {
	if !json.Valid([]byte(payloadJSON)) {
		return "", apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}

	job, err := b.outbox.Enqueue(context.Background(), models.JobType(jobType), json.RawMessage(payloadJSON))
	if err != nil {
		return "", err
	}
	b.scheduler.RequestSync(context.Background())
	return marshal(job)
}

// Status returns the scheduler state and outbox counts.
func (b *Bridge) Status() (string, error) {
	stats, err := b.outbox.Stats(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"scheduler": b.scheduler.Status(),
		"outbox":    stats,
	})
}

// ListJobs returns outbox records in creation order.
func (b *Bridge) ListJobs(unsyncedOnly bool) (string, error) {
	var (
		jobs []*models.QueuedJob
		err  error
	)
	if unsyncedOnly {
		jobs, err = b.outbox.ListUnsynced(context.Background())
	} else {
		jobs, err = b.outbox.ListAll(context.Background())
	}
	if err != nil {
		return "", err
	}
	if jobs == nil {
		jobs = []*models.QueuedJob{}
	}
	return marshal(jobs)
}

// LoadUnit reads a unit through the cache.
func (b *Bridge) LoadUnit(ahuID string) (string, error) {
	unit, source, err := b.loader.Load(context.Background(), ahuID, b.source.Online())
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"unit":   unit,
		"source": source,
	})
}

// DownloadHospital stores a hospital bundle for offline use.
func (b *Bridge) DownloadHospital(hospitalID string) (string, error) {
	if !b.source.Online() {
		return "", apperrors.New(apperrors.ErrOffline, "bundles can only be downloaded while online")
	}
	result, err := b.downloader.Download(context.Background(), hospitalID)
	if err != nil {
		return "", err
	}
	return marshal(result)
}

// RemoveHospital deletes a hospital bundle.
func (b *Bridge) RemoveHospital(hospitalID string) (string, error) {
	removed, err := b.cache.RemoveBundle(context.Background(), hospitalID)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"hospital_id": hospitalID,
		"removed":     removed,
	})
}

// ListHospitals returns downloaded hospitals.
func (b *Bridge) ListHospitals() (string, error) {
	hospitals, err := b.cache.ListHospitals(context.Background())
	if err != nil {
		return "", err
	}
	if hospitals == nil {
		hospitals = []models.OfflineHospital{}
	}
	return marshal(hospitals)
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize result", err)
	}
	return string(data), nil
}
