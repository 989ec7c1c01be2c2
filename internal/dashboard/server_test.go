package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/poster"
	"clipfarm/manager-go/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateCall struct {
	platform, videoPath, caption string
	acct                         accounts.Account
}

type fakeGate struct {
	mu    sync.Mutex
	calls []gateCall
	err   error
}

func (g *fakeGate) PostWithSafety(_ context.Context, platform, videoPath, caption string, acct accounts.Account) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{platform, videoPath, caption, acct})
	return g.err == nil, g.err
}

func (g *fakeGate) MaxPostsPerDay() int { return 5 }

type fixture struct {
	dir    string
	server *Server
	store  *db.SQLiteStore
	queue  *clips.Queue
	gate   *fakeGate
	auto   *scheduler.Automation
}

func newFixture(t *testing.T, rateLimit float64, burst int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, gate: &fakeGate{}}

	var err error
	f.queue, err = clips.Open(filepath.Join(dir, "clips_queue.json"), filepath.Join(dir, "clips_dead_letter.json"), 1)
	require.NoError(t, err)

	f.store, err = db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })
	require.NoError(t, f.store.Migrate(context.Background()))

	history, err := poster.LoadHistory(filepath.Join(dir, "post_history.json"))
	require.NoError(t, err)
	health, err := accounts.NewHealthTracker(filepath.Join(dir, "account_health.json"), filepath.Join(dir, "cookies"))
	require.NoError(t, err)

	accts := accounts.Accounts{"tiktok": {{Username: "alice", CookiesFile: "cookies/tiktok_alice.pkl"}}}
	f.auto, err = scheduler.New(scheduler.Deps{Queue: f.queue, Gate: f.gate, Accounts: accts, Store: f.store}, scheduler.Options{
		GenerationSchedule: "0 2 * * *",
		ReadyDir:           filepath.Join(dir, "ready_to_post"),
	})
	require.NoError(t, err)

	f.server, err = New(Deps{
		Automation: f.auto,
		Gate:       f.gate,
		Store:      f.store,
		Accounts:   accts,
		Health:     health,
		History:    history,
	}, Options{
		WorkerID:    "worker-test",
		WorkDir:     dir,
		SummaryPath: filepath.Join(dir, "daily_summary.json"),
		RateLimit:   rateLimit,
		Burst:       burst,
	})
	require.NoError(t, err)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (f *fixture) postJSON(t *testing.T, path string, v any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, bytes.NewReader(raw), "application/json")
}

func TestHealthzAndStatus(t *testing.T) {
	f := newFixture(t, 10, 10)
	code, body := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status": "ok"}`, string(body))

	code, body = f.do(t, http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, code)
	var status struct {
		Automation  scheduler.Status `json:"automation"`
		MaxPostsDay int              `json:"max_posts_day"`
		Accounts    map[string]int   `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "idle", status.Automation.State)
	assert.False(t, status.Automation.Running)
	assert.Equal(t, 5, status.MaxPostsDay)
	assert.Equal(t, map[string]int{"tiktok": 1}, status.Accounts)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, 10, 10)
	code, _ := f.postJSON(t, "/api/settings/auto_posting_tiktok", map[string]string{"value": "0"})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/api/settings", nil, "")
	require.Equal(t, http.StatusOK, code)
	var settings map[string]string
	require.NoError(t, json.Unmarshal(body, &settings))
	assert.Equal(t, "0", settings["auto_posting_tiktok"])
	assert.Equal(t, "1", settings["auto_posting_enabled"])

	code, _ = f.do(t, http.MethodPost, "/api/settings/x", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAnalyticsAndClips(t *testing.T) {
	f := newFixture(t, 10, 10)
	ctx := context.Background()
	_, err := f.store.AddClip(ctx, db.NewClip{Filename: "a.mp4", VideoPath: "ready_to_post/tiktok/a.mp4", Platform: "tiktok"})
	require.NoError(t, err)
	_, err = f.store.AddClip(ctx, db.NewClip{Filename: "b.mp4", VideoPath: "ready_to_post/youtube/b.mp4", Platform: "youtube"})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodGet, "/api/analytics", nil, "")
	require.Equal(t, http.StatusOK, code)
	var a db.Analytics
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, db.Analytics{Pending: 2, TotalClips: 2}, a)

	code, body = f.do(t, http.MethodGet, "/api/clips?platform=youtube", nil, "")
	require.Equal(t, http.StatusOK, code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
}

func TestQueueAndDeadLetterRequeue(t *testing.T) {
	f := newFixture(t, 10, 10)
	added := f.queue.Add(clips.Clip{VideoPath: "/v/a.mp4", Platform: "tiktok"})
	dead, isDead := f.queue.Fail(f.mustPop(t), errors.New("boom"))
	require.True(t, isDead)
	assert.Equal(t, added[0].ID, dead.ID)

	code, body := f.do(t, http.MethodGet, "/api/dead-letter", nil, "")
	require.Equal(t, http.StatusOK, code)
	var deadList []clips.Clip
	require.NoError(t, json.Unmarshal(body, &deadList))
	require.Len(t, deadList, 1)

	code, _ = f.do(t, http.MethodPost, "/api/dead-letter/nope/requeue", nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/dead-letter/"+dead.ID+"/requeue", nil, "")
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/clips-queue", nil, "")
	require.Equal(t, http.StatusOK, code)
	var queued []clips.Clip
	require.NoError(t, json.Unmarshal(body, &queued))
	require.Len(t, queued, 1)
	assert.Zero(t, queued[0].Attempts)
}

func (f *fixture) mustPop(t *testing.T) clips.Clip {
	t.Helper()
	c, ok := f.queue.Pop()
	require.True(t, ok)
	return c
}

func TestManualPostValidation(t *testing.T) {
	f := newFixture(t, 100, 100)

	code, _ := f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.postJSON(t, "/api/manual-post", map[string]string{"platform": "instagram", "filename": "a"})
	assert.Equal(t, http.StatusBadRequest, code, "platform without accounts")

	code, _ = f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok", "filename": "nothing"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Empty(t, f.gate.calls)
}

func TestManualPostRecordsResult(t *testing.T) {
	f := newFixture(t, 100, 100)
	ctx := context.Background()
	id, err := f.store.AddClip(ctx, db.NewClip{Filename: "clip_007.mp4", VideoPath: "ready_to_post/tiktok/clip_007.mp4", Platform: "tiktok", Caption: "hi"})
	require.NoError(t, err)

	code, body := f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok", "filename": "007"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	f.server.Wait()

	require.Len(t, f.gate.calls, 1)
	call := f.gate.calls[0]
	assert.Equal(t, filepath.Join(f.dir, "ready_to_post/tiktok/clip_007.mp4"), call.videoPath)
	assert.Equal(t, filepath.Join(f.dir, "cookies/tiktok_alice.pkl"), call.acct.CookiesFile)

	clip, err := f.store.GetClipByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPosted, clip.Status)

	logs, err := f.store.GetLogs(ctx, "dashboard", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "Manual post")
}

func TestManualPostFailureMarksClipFailed(t *testing.T) {
	f := newFixture(t, 100, 100)
	f.gate.err = poster.ErrAuthExpired
	ctx := context.Background()
	id, err := f.store.AddClip(ctx, db.NewClip{Filename: "x.mp4", VideoPath: "/abs/x.mp4", Platform: "tiktok"})
	require.NoError(t, err)

	code, _ := f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok", "filename": "x.mp4"})
	require.Equal(t, http.StatusAccepted, code)
	f.server.Wait()

	clip, err := f.store.GetClipByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, clip.Status)
	assert.Contains(t, clip.ErrorMessage, "session expired")
}

func TestManualPostByClipID(t *testing.T) {
	f := newFixture(t, 100, 100)
	ctx := context.Background()
	_, err := f.store.AddClip(ctx, db.NewClip{Filename: "clip_001.mp4", VideoPath: "/abs/clip_001.mp4", Platform: "tiktok"})
	require.NoError(t, err)
	id, err := f.store.AddClip(ctx, db.NewClip{Filename: "clip_002.mp4", VideoPath: "/abs/clip_002.mp4", Platform: "tiktok"})
	require.NoError(t, err)

	code, _ := f.postJSON(t, "/api/manual-post", map[string]string{"clip_id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.postJSON(t, "/api/manual-post", map[string]string{"clip_id": id})
	require.Equal(t, http.StatusAccepted, code, string(body))
	f.server.Wait()

	require.Len(t, f.gate.calls, 1)
	assert.Equal(t, "tiktok", f.gate.calls[0].platform)
	assert.Equal(t, "/abs/clip_002.mp4", f.gate.calls[0].videoPath)

	code, _ = f.postJSON(t, "/api/manual-post", map[string]string{"clip_id": id})
	assert.Equal(t, http.StatusNotFound, code, "posted clips are no longer pending")
}

func TestManualPostConflictsWithPostingCycle(t *testing.T) {
	f := newFixture(t, 100, 100)
	_, err := f.store.AddClip(context.Background(), db.NewClip{Filename: "x.mp4", VideoPath: "/abs/x.mp4", Platform: "tiktok"})
	require.NoError(t, err)

	release, err := f.auto.ReservePosting()
	require.NoError(t, err)
	code, _ := f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok", "filename": "x.mp4"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Empty(t, f.gate.calls)
	release()

	code, _ = f.postJSON(t, "/api/manual-post", map[string]string{"platform": "tiktok", "filename": "x.mp4"})
	require.Equal(t, http.StatusAccepted, code)
	f.server.Wait()
	assert.Len(t, f.gate.calls, 1)

	// The slot is free again once the manual post finishes.
	release, err = f.auto.ReservePosting()
	require.NoError(t, err)
	release()
}

func TestRunGenerationConflictsWhileRunning(t *testing.T) {
	f := newFixture(t, 100, 100)
	code, _ := f.do(t, http.MethodPost, "/api/run-generation", nil, "")
	assert.Equal(t, http.StatusAccepted, code)

	// The loop is not running, so the first trigger is still pending.
	code, _ = f.do(t, http.MethodPost, "/api/run-generation", nil, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestManualEndpointsAreRateLimited(t *testing.T) {
	f := newFixture(t, 0.001, 1)
	code, _ := f.postJSON(t, "/api/manual-post", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.postJSON(t, "/api/manual-post", map[string]string{})
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = f.do(t, http.MethodGet, "/api/analytics", nil, "")
	assert.Equal(t, http.StatusOK, code, "read endpoints are not limited")
}

func TestUploadCookie(t *testing.T) {
	f := newFixture(t, 100, 100)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("platform", "tiktok"))
	require.NoError(t, mw.WriteField("account", "alice"))
	part, err := mw.CreateFormFile("file", "cookies.pkl")
	require.NoError(t, err)
	_, err = part.Write([]byte("session-data"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	code, body := f.do(t, http.MethodPost, "/api/upload-cookie", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, code, string(body))

	saved, err := os.ReadFile(filepath.Join(f.dir, "cookies", "tiktok_alice.pkl"))
	require.NoError(t, err)
	assert.Equal(t, "session-data", string(saved))

	code, body = f.do(t, http.MethodGet, "/api/account-health", nil, "")
	require.Equal(t, http.StatusOK, code)
	var report []accounts.Health
	require.NoError(t, json.Unmarshal(body, &report))
	require.Len(t, report, 1)
	assert.Equal(t, accounts.StatusHealthy, report[0].Status)
}

func TestDailySummaryAndWorkerStatus(t *testing.T) {
	f := newFixture(t, 10, 10)
	code, _ := f.do(t, http.MethodGet, "/api/daily-summary", nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "daily_summary.json"),
		[]byte(`{"date": "2026-03-14", "videos_processed": 2, "total_clips": 5, "results": []}`), 0o644))
	code, body := f.do(t, http.MethodGet, "/api/daily-summary", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"total_clips":5`)

	require.NoError(t, f.store.UpdateHeartbeat(context.Background(), "worker-test"))
	code, body = f.do(t, http.MethodGet, "/api/worker-status", nil, "")
	require.Equal(t, http.StatusOK, code)
	var ws map[string]any
	require.NoError(t, json.Unmarshal(body, &ws))
	assert.Equal(t, true, ws["online"])
	assert.NotEmpty(t, ws["last_seen_ago"])
}

func TestPostHistoryAndAccounts(t *testing.T) {
	f := newFixture(t, 10, 10)
	require.NoError(t, f.server.deps.History.Increment("tiktok_alice", time.Now()))

	code, body := f.do(t, http.MethodGet, "/api/post-history", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"posts_today":1`)

	code, body = f.do(t, http.MethodGet, "/api/accounts", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"accounts": {"tiktok": ["alice"]}, "counts": {"tiktok": 1}}`, string(body))
}
