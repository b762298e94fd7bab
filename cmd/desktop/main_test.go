// Package main tests for desktop agent wiring and routing.
// These tests run the agent's router against a fake remote service.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afctech/fieldsync/internal/api"
	"github.com/afctech/fieldsync/internal/config"
	"github.com/afctech/fieldsync/internal/logging"
	"github.com/afctech/fieldsync/internal/models"
	"github.com/afctech/fieldsync/internal/sync/connectivity"
)

// fakeRemote records job submissions.
type fakeRemote struct {
	mu     sync.Mutex
	bodies []string
	server *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(body))
		r.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	})
	mux.HandleFunc("GET /api/hospitals/{id}/offline-bundle", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hospital":{"id":` + req.PathValue("id") + `,"name":"General"},"ahus":[{"ahu_id":"A1","name":"Roof 1"},{"id":"A2","name":"Roof 2"}]}`))
	})
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRemote) submissions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

// setupAgent wires an app against remote with a manual connectivity source
// and serves its routes.
func setupAgent(t *testing.T, remote *fakeRemote, source *connectivity.Manual) (*app, *httptest.Server) {
	t.Helper()
	logging.Init(os.Stdout, logging.LevelError)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		API: config.APIConfig{
			BaseURL: remote.server.URL,
			Timeout: 5 * time.Second,
		},
		Sync: config.SyncConfig{
			MaxBatch:      10,
			SubmitTimeout: 2 * time.Second,
		},
	}

	client := api.NewClient(cfg.API.BaseURL, "", cfg.API.Timeout, 0)
	a, err := newApp(cfg, client, source, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		a.hub.Run(ctx)
		close(hubDone)
	}()
	a.scheduler.Start(ctx)

	server := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		server.Close()
		a.scheduler.Stop()
		cancel()
		<-hubDone
		a.Close()
	})
	return a, server
}

func postJob(t *testing.T, server *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(server.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

const completionBody = `{"type":"job_completion","payload":{"ahu_id":"A1","tech_id":2,"filters":[{"filter_id":9,"is_completed":true,"note":"replaced"}]}}`

func TestHealth(t *testing.T) {
	_, server := setupAgent(t, newFakeRemote(t), connectivity.NewManual(false))

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
}

func TestAgent_OfflineQueueThenSync(t *testing.T) {
	remote := newFakeRemote(t)
	source := connectivity.NewManual(false)
	a, server := setupAgent(t, remote, source)

	resp := postJob(t, server, completionBody)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err := http.Post(server.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "offline sync request is refused")
	assert.Equal(t, 0, remote.submissions())

	source.Set(true)
	require.Eventually(t, func() bool { return remote.submissions() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !a.scheduler.Status().Syncing }, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(server.URL + "/api/jobs?unsynced=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pending []models.QueuedJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	assert.Empty(t, pending)

	remote.mu.Lock()
	assert.JSONEq(t, `{"ahu_id":"A1","tech_id":2,"filters":[{"filter_id":9,"is_completed":true,"note":"replaced"}]}`, remote.bodies[0])
	remote.mu.Unlock()
}

func TestAgent_OnlineEnqueueSyncsImmediately(t *testing.T) {
	remote := newFakeRemote(t)
	a, server := setupAgent(t, remote, connectivity.NewManual(true))

	// the startup drain must finish first or the enqueue trigger is gated
	require.Eventually(t, func() bool {
		st := a.scheduler.Status()
		return !st.Syncing && st.LastResult != nil
	}, 2*time.Second, 10*time.Millisecond)

	resp := postJob(t, server, completionBody)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return remote.submissions() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_OfflineBundle(t *testing.T) {
	remote := newFakeRemote(t)
	_, server := setupAgent(t, remote, connectivity.NewManual(true))

	resp, err := http.Post(server.URL+"/api/offline/hospitals/7", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/offline/hospitals")
	require.NoError(t, err)
	var hospitals []models.OfflineHospital
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hospitals))
	resp.Body.Close()
	require.Len(t, hospitals, 1)
	assert.Equal(t, 2, hospitals[0].AHUCount)

	// the remote has no unit endpoint, so the read falls back to the cache
	resp, err = http.Get(server.URL + "/api/ahus/A2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cache", resp.Header.Get("X-Data-Source"))
}

func TestAgent_WebSocketEvents(t *testing.T) {
	remote := newFakeRemote(t)
	source := connectivity.NewManual(false)
	_, server := setupAgent(t, remote, source)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConnectivityChanged, EventSyncStarted, EventSyncCompleted},
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribe_ack", ack["action"])

	source.Set(true)

	var got []string
	for len(got) < 3 {
		var env WSEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		got = append(got, env.Type)
	}
	assert.Equal(t, []string{EventConnectivityChanged, EventSyncStarted, EventSyncCompleted}, got)
}

func TestRetentionPruner(t *testing.T) {
	remote := newFakeRemote(t)
	a, _ := setupAgent(t, remote, connectivity.NewManual(false))
	ctx := context.Background()

	job, err := a.outbox.Enqueue(ctx, models.JobTypeCompletion, map[string]any{"ahu_id": "A1"})
	require.NoError(t, err)
	require.NoError(t, a.outbox.MarkSynced(ctx, job.LocalID))
	pending, err := a.outbox.Enqueue(ctx, models.JobTypeCompletion, map[string]any{"ahu_id": "A2"})
	require.NoError(t, err)

	pruner := newRetentionPruner(a.outbox, 24*time.Hour)

	pruner.SyncFinished(&models.DrainResult{OK: true, Synced: 1}, nil)
	all, err := a.outbox.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "recent synced records are kept")

	pruner.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	pruner.SyncFinished(&models.DrainResult{OK: true, Synced: 1}, nil)

	all, err = a.outbox.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, pending.LocalID, all[0].LocalID, "unsynced records are never pruned")
}

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost:8090", true},
		{"127.0.0.1:8090", true},
		{"[::1]:8090", true},
		{"localhost", true},
		{"example.com:8090", false},
		{"10.0.0.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if got := isLocalOrigin(r); got != tt.want {
				t.Errorf("isLocalOrigin(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}
