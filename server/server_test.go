package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-relay/db"
	"github.com/onnwee/stream-relay/dispatch"
	"github.com/onnwee/stream-relay/testutil"
)

type fakeJobs struct {
	mu       sync.Mutex
	active   []dispatch.JobInfo
	limit    int
	canceled []string
	keys     []dispatch.Key
}

func (f *fakeJobs) Active() []dispatch.JobInfo { return f.active }
func (f *fakeJobs) Capacity() (int, int)       { return len(f.active), f.limit }

func (f *fakeJobs) CancelJob(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.active {
		if j.ID == id {
			f.canceled = append(f.canceled, id)
			return true
		}
	}
	return false
}

func (f *fakeJobs) Cancel(key dispatch.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.active {
		if j.ChatID == key.ChatID && j.MessageID == key.MessageID {
			f.keys = append(f.keys, key)
			return true
		}
	}
	return false
}

type fakeHistory struct {
	rows     []dispatch.JobInfo
	err      error
	gotLimit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]dispatch.JobInfo, error) {
	f.gotLimit = limit
	return f.rows, f.err
}

// fakeTool writes an executable file so the readiness tool lookup succeeds.
func fakeTool(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil { //nolint:gosec // test fixture must be executable
		t.Fatal(err)
	}
	return p
}

func newTestDeps(t *testing.T) (Deps, *fakeJobs) {
	t.Helper()
	jobs := &fakeJobs{
		limit: 2,
		active: []dispatch.JobInfo{{
			ID: "job-1", ChatID: -100, MessageID: 7, SenderID: 42,
			SourceURL: "https://example.com/live.m3u8", State: "capturing",
			StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
	return Deps{
		Jobs:      jobs,
		FFmpegBin: fakeTool(t),
		DataDir:   t.TempDir(),
	}, jobs
}

func serve(t *testing.T, deps Deps, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rr := httptest.NewRecorder()
	NewMux(ctx, deps).ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	deps, _ := newTestDeps(t)

	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr = serve(t, deps, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("expected correlation id echoed, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Deps)
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", mutate: func(*Deps) {}, wantStatus: http.StatusOK},
		{
			name:       "missing capture tool",
			mutate:     func(d *Deps) { d.FFmpegBin = filepath.Join(t.TempDir(), "no-such-ffmpeg") },
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "capture_tool",
		},
		{
			name:       "missing data dir",
			mutate:     func(d *Deps) { d.DataDir = filepath.Join(t.TempDir(), "gone") },
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "data_dir",
		},
		{
			name: "data dir is a file",
			mutate: func(d *Deps) {
				p := filepath.Join(t.TempDir(), "file")
				if err := os.WriteFile(p, nil, 0o600); err != nil {
					t.Fatal(err)
				}
				d.DataDir = p
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "data_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := newTestDeps(t)
			tt.mutate(&deps)
			rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestJobsList(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp jobsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.InUse != 1 || resp.Limit != 2 || len(resp.Jobs) != 1 || resp.Jobs[0].ID != "job-1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/jobs", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /admin/jobs: expected 405, got %d", rr.Code)
	}
}

func TestJobsSummaryRedacted(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, leak := range []string{"example.com", "source_url", "sender_id", "chat_id", "job-1"} {
		if strings.Contains(body, leak) {
			t.Errorf("public /jobs exposes %q: %s", leak, body)
		}
	}
	var resp jobsSummary
	if err := json.NewDecoder(strings.NewReader(body)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.InUse != 1 || resp.Limit != 2 || len(resp.States) != 1 || resp.States["capturing"] != 1 {
		t.Fatalf("unexpected summary %+v", resp)
	}

	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /jobs: expected 405, got %d", rr.Code)
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.AdminToken = "secret"
	deps.History = &fakeHistory{}

	for _, path := range []string{"/admin/captures", "/admin/jobs"} {
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rr.Code)
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Admin-Token", "secret")
		rr = serve(t, deps, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 with token, got %d", path, rr.Code)
		}
	}

	// The redacted summary stays open.
	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected /jobs to be public, got %d", rr.Code)
	}
}

func TestAdminRateLimited(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.History = &fakeHistory{}
	deps.RateLimitRequests = 1
	deps.RateLimitWindow = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewMux(ctx, deps)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/admin/captures", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i+1, want, rr.Code)
		}
	}
}

func TestAdminCaptures(t *testing.T) {
	t.Run("history disabled", func(t *testing.T) {
		deps, _ := newTestDeps(t)
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/captures", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("limit clamped", func(t *testing.T) {
		deps, _ := newTestDeps(t)
		hist := &fakeHistory{rows: []dispatch.JobInfo{{ID: "a", State: "done"}, {ID: "b", State: "failed", ErrorKind: "process"}}}
		deps.History = hist
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/captures?limit=100000", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if hist.gotLimit != maxHistoryLimit {
			t.Errorf("limit = %d, want %d", hist.gotLimit, maxHistoryLimit)
		}
		var rows []dispatch.JobInfo
		if err := json.NewDecoder(rr.Body).Decode(&rows); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(rows) != 2 || rows[1].ErrorKind != "process" {
			t.Fatalf("unexpected rows %+v", rows)
		}
	})

	t.Run("default limit and empty result", func(t *testing.T) {
		deps, _ := newTestDeps(t)
		hist := &fakeHistory{}
		deps.History = hist
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/captures?limit=-3", nil))
		if hist.gotLimit != defaultHistoryLimit {
			t.Errorf("limit = %d, want %d", hist.gotLimit, defaultHistoryLimit)
		}
		if got := rr.Body.String(); got != "[]\n" {
			t.Errorf("expected empty JSON array, got %q", got)
		}
	})

	t.Run("query error", func(t *testing.T) {
		deps, _ := newTestDeps(t)
		deps.History = &fakeHistory{err: errors.New("connection refused")}
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/captures", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
	})
}

func TestAdminCancel(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		query      string
		wantStatus int
	}{
		{"by id", http.MethodPost, "id=job-1", http.StatusAccepted},
		{"by message", http.MethodPost, "chat_id=-100&message_id=7", http.StatusAccepted},
		{"unknown id", http.MethodPost, "id=job-9", http.StatusNotFound},
		{"unknown message", http.MethodPost, "chat_id=-100&message_id=8", http.StatusNotFound},
		{"missing selector", http.MethodPost, "", http.StatusBadRequest},
		{"bad chat id", http.MethodPost, "chat_id=x&message_id=7", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "id=job-1", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, jobs := newTestDeps(t)
			rr := serve(t, deps, httptest.NewRequest(tt.method, "/admin/jobs/cancel?"+tt.query, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted && len(jobs.canceled)+len(jobs.keys) != 1 {
				t.Errorf("expected exactly one cancellation, got ids=%v keys=%v", jobs.canceled, jobs.keys)
			}
		})
	}
}

func TestStartAndShutdown(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", deps) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestReadyzAndHistoryWithDatabase(t *testing.T) {
	database := testutil.SetupTestDB(t)
	deps, _ := newTestDeps(t)
	deps.DB = database
	store := db.NewStore(database, nil)
	deps.History = store

	info := dispatch.JobInfo{
		ID: "00000000-0000-4000-8000-000000000001", ChatID: -100, MessageID: 9, SenderID: 42,
		SourceURL: "https://example.com/live.m3u8", State: "done", Parts: 1, Bytes: 1024,
		StartedAt: time.Now().UTC().Truncate(time.Second), FinishedAt: time.Now().UTC().Truncate(time.Second),
	}
	t.Cleanup(func() { _, _ = database.Exec(`DELETE FROM captures WHERE id = $1`, info.ID) })
	if err := store.RecordFinish(context.Background(), info); err != nil {
		t.Fatalf("RecordFinish: %v", err)
	}

	rr := serve(t, deps, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/captures?limit=500", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("captures: expected 200, got %d", rr.Code)
	}
	var rows []dispatch.JobInfo
	if err := json.NewDecoder(rr.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, r := range rows {
		if r.ID == info.ID {
			return
		}
	}
	t.Fatalf("recorded capture %s not listed", info.ID)
}
