// Package connectivity reports whether the remote service is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/afctech/fieldsync/internal/logging"
)

// Source is a connectivity signal.
type Source interface {
	// Online reports the current state.
	Online() bool
	// Subscribe registers fn for state transitions. fn runs on the
	// goroutine that changed the state. The returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Source whose state is set explicitly.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManual creates a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set changes the state. Subscribers are notified only on a transition.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for state transitions.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// CheckFunc probes the remote service; nil means reachable.
type CheckFunc func(ctx context.Context) error

// HTTPCheck returns a CheckFunc that GETs url. Any response below 500
// counts as reachable, including 404 from a backend without a health route.
// Transport errors and 5xx responses count as offline.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe failed: status %d", resp.StatusCode)
		}
		return nil
	}
}

// Prober is a Source driven by periodic health checks.
type Prober struct {
	state    *Manual
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober that starts offline and probes every interval.
func NewProber(check CheckFunc, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		state:    NewManual(false),
		check:    check,
		interval: interval,
		timeout:  timeout,
	}
}

// Online reports the result of the last probe.
func (p *Prober) Online() bool {
	return p.state.Online()
}

// Subscribe registers fn for state transitions.
func (p *Prober) Subscribe(fn func(online bool)) func() {
	return p.state.Subscribe(fn)
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one check and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.check(probeCtx)
	cancel()

	online := err == nil
	if online != p.state.Online() {
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Info("Connectivity changed", fields)
	}
	p.state.Set(online)
	return online
}

var (
	_ Source = (*Manual)(nil)
	_ Source = (*Prober)(nil)
)
