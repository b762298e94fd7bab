package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/afctech/fieldsync/internal/db"
	syncpkg "github.com/afctech/fieldsync/internal/sync"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()
}

// resetFlags restores every flag to its default; rootCmd is shared between
// tests.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs fieldctl against dataDir and returns its output.
func execute(t *testing.T, dataDir string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	resetViper()
	resetFlags(rootCmd)
	viper.Set("data_dir", dataDir)
	viper.Set("log.level", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// remote is a fake field-service API.
type remote struct {
	mu       sync.Mutex
	received []string
	reject   bool
	server   *httptest.Server
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.reject {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"filters required"}`))
			return
		}
		r.received = append(r.received, string(body))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /api/hospitals/{id}/offline-bundle", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"hospital": map[string]interface{}{"id": req.PathValue("id"), "name": "Mercy General"},
			"ahus": []map[string]interface{}{
				{"ahu_id": "M-1", "name": "Basement"},
				{"ahu_id": "M-2", "name": "Roof"},
				{"ahu_id": "M-3", "name": "Wing B"},
			},
		})
	})
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

const jobJSON = `{"ahu_id":"A1","tech_id":4,"filters":[{"filter_id":1,"is_completed":true,"note":""}]}`

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, t.TempDir(), nil, "--help")
	if err != nil {
		t.Fatalf("root command should execute without error: %v", err)
	}
	if !strings.Contains(out, "fieldctl") {
		t.Errorf("expected usage in output, got: %s", out)
	}
}

func TestRootCommand_Version(t *testing.T) {
	out, err := execute(t, t.TempDir(), nil, "--version")
	if err != nil {
		t.Fatalf("--version failed: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("expected version %s in output, got: %s", Version, out)
	}
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	if _, err := execute(t, t.TempDir(), nil, "unknown-command-xyz"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{"enqueue": false, "sync": false, "status": false, "jobs": false, "bundle": false, "prune": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered", name)
		}
	}
}

func TestEnqueueAndJobs(t *testing.T) {
	dataDir := t.TempDir()
	file := writeFile(t, "job.json", jobJSON)

	out, err := execute(t, dataDir, nil, "enqueue", "--file", file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Queued job_completion job") {
		t.Errorf("expected confirmation, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "jobs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "LOCAL ID") || !strings.Contains(out, "job_completion") || !strings.Contains(out, "false") {
		t.Errorf("expected the queued record in the table, got: %s", out)
	}
}

func TestEnqueue_Stdin(t *testing.T) {
	dataDir := t.TempDir()

	body := `{"job_id":12,"signature_data":"data:image/png;base64,AA","signer_name":"Lee","signer_role":"Engineer"}`
	out, err := execute(t, dataDir, strings.NewReader(body), "enqueue", "--type", "signature", "--file", "-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Queued signature job") {
		t.Errorf("expected signature confirmation, got: %s", out)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing file flag", []string{"enqueue"}},
		{"file does not exist", []string{"enqueue", "--file", filepath.Join(t.TempDir(), "nope.json")}},
		{"invalid json", []string{"enqueue", "--file", writeFile(t, "bad.json", "{not json")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, t.TempDir(), nil, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSyncCommand_Success(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)
	file := writeFile(t, "job.json", jobJSON)

	for i := 0; i < 2; i++ {
		if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	out, err := execute(t, dataDir, nil, "sync", "--url", r.server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Synced: 2  Failed: 0") {
		t.Errorf("expected sync summary, got: %s", out)
	}

	r.mu.Lock()
	if len(r.received) != 2 || r.received[0] != jobJSON {
		t.Errorf("expected payload sent verbatim, got: %v", r.received)
	}
	r.mu.Unlock()

	out, err = execute(t, dataDir, nil, "jobs", "--unsynced")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No jobs in the outbox.") {
		t.Errorf("expected empty unsynced list, got: %s", out)
	}
}

func TestSyncCommand_MaxBatch(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)
	file := writeFile(t, "job.json", jobJSON)

	for i := 0; i < 3; i++ {
		if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	out, err := execute(t, dataDir, nil, "sync", "--url", r.server.URL, "--max", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Synced: 1  Failed: 0") {
		t.Errorf("expected a single record synced, got: %s", out)
	}
}

func TestSyncCommand_Failure(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)
	r.reject = true
	file := writeFile(t, "job.json", jobJSON)

	if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	out, err := execute(t, dataDir, nil, "sync", "--url", r.server.URL)
	if err == nil {
		t.Fatal("expected an error when a record fails")
	}
	if !strings.Contains(out, "Synced: 0  Failed: 1") {
		t.Errorf("expected failure summary, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "jobs", "--unsynced")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "API error (400): filters required") {
		t.Errorf("expected the classified error in the table, got: %s", out)
	}
}

func TestSyncCommand_LeaseHeld(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)
	file := writeFile(t, "job.json", jobJSON)

	if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Another process, such as the desktop agent, is mid-drain.
	conn, err := db.Open(dataDir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	held, err := db.NewLease(conn.DB, syncpkg.DrainLeaseName, time.Minute).TryAcquire(context.Background())
	conn.Close()
	if err != nil || !held {
		t.Fatalf("failed to hold the drain lease: %v, %v", held, err)
	}

	_, err = execute(t, dataDir, nil, "sync", "--url", r.server.URL)
	if err == nil || !strings.Contains(err.Error(), "another process") {
		t.Fatalf("expected a busy error, got: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.received) != 0 {
		t.Errorf("expected no submissions while the lease is held, got %d", len(r.received))
	}
}

func TestStatusCommand(t *testing.T) {
	dataDir := t.TempDir()
	file := writeFile(t, "job.json", jobJSON)
	if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	out, err := execute(t, dataDir, nil, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Outbox", "Total:", "Pending:", "Hospitals:", dataDir} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestBundleCommands(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)

	out, err := execute(t, dataDir, nil, "bundle", "download", "31", "--url", r.server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Downloaded hospital 31 (3 AHUs)") {
		t.Errorf("expected download summary, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "bundle", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Mercy General") {
		t.Errorf("expected hospital in list, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "bundle", "remove", "31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Removed hospital 31 (3 AHUs)") {
		t.Errorf("expected removal summary, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "bundle", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No hospitals downloaded.") {
		t.Errorf("expected empty list, got: %s", out)
	}
}

func TestBundleDownload_RemoteDown(t *testing.T) {
	r := newRemote(t)
	url := r.server.URL
	r.server.Close()

	if _, err := execute(t, t.TempDir(), nil, "bundle", "download", "31", "--url", url); err == nil {
		t.Error("expected an error when the remote is unreachable")
	}
}

func TestPruneCommand(t *testing.T) {
	dataDir := t.TempDir()
	r := newRemote(t)
	file := writeFile(t, "job.json", jobJSON)

	if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := execute(t, dataDir, nil, "sync", "--url", r.server.URL); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := execute(t, dataDir, nil, "enqueue", "--file", file); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	out, err := execute(t, dataDir, nil, "prune")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Pruned 0 synced job(s)") {
		t.Errorf("expected nothing pruned with the default cutoff, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "prune", "--older-than", "0s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Pruned 1 synced job(s)") {
		t.Errorf("expected one record pruned, got: %s", out)
	}

	out, err = execute(t, dataDir, nil, "jobs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(out, "job_completion") != 1 {
		t.Errorf("expected only the unsynced record left, got: %s", out)
	}
}
