package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"clipfarm/manager-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	settings, err := store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings, settings)
}

func TestSQLiteClipLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddClip(ctx, NewClip{
		Filename:  "clip_001.mp4",
		VideoPath: "ready_to_post/tiktok/clip_001.mp4",
		Platform:  "tiktok",
		Caption:   "wow",
		StartTime: 12.5,
		EndTime:   55,
		Reason:    "strong hook",
	})
	require.NoError(t, err)

	clip, err := store.GetClipByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, clip.Status)
	assert.Equal(t, 12.5, clip.StartTime)
	assert.Nil(t, clip.PostedAt)

	require.NoError(t, store.UpdateClipStatus(ctx, id, StatusPosted, ""))
	clip, err = store.GetClipByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, clip.Status)
	require.NotNil(t, clip.PostedAt)

	_, err = store.GetClipByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateClipStatus(ctx, "missing", StatusFailed, "x"), ErrNotFound)
}

func TestSQLiteGetClipsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, platform := range []string{"tiktok", "youtube", "tiktok"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return at }
		_, err := store.AddClip(ctx, NewClip{Filename: platform, VideoPath: "/v", Platform: platform})
		require.NoError(t, err)
	}

	all, err := store.GetClips(ctx, ClipFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "newest first")

	tiktok, err := store.GetClips(ctx, ClipFilter{Platform: "tiktok", Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, tiktok, 2)

	limited, err := store.GetClips(ctx, ClipFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteRecordPostAndAnalytics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 5, 5, 15, 0, 0, 0, time.Local)
	store.now = func() time.Time { return now }

	ok1, _ := store.AddClip(ctx, NewClip{Filename: "a", VideoPath: "/a", Platform: "tiktok"})
	bad, _ := store.AddClip(ctx, NewClip{Filename: "b", VideoPath: "/b", Platform: "tiktok"})
	_, _ = store.AddClip(ctx, NewClip{Filename: "c", VideoPath: "/c", Platform: "instagram"})

	require.NoError(t, store.RecordPost(ctx, PostRecord{ClipID: ok1, Platform: "tiktok", Account: "acct1", Success: true}))
	require.NoError(t, store.RecordPost(ctx, PostRecord{ClipID: bad, Platform: "tiktok", Account: "acct1", ErrorMessage: "timeout"}))

	// A success from yesterday does not count toward today.
	store.now = func() time.Time { return now.AddDate(0, 0, -1) }
	require.NoError(t, store.RecordPost(ctx, PostRecord{Platform: "tiktok", Account: "acct2", Success: true}))
	store.now = func() time.Time { return now }

	a, err := store.GetAnalytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Analytics{Pending: 1, Posted: 1, Failed: 1, PostsToday: 1, TotalClips: 3}, a)

	failed, err := store.GetClipByID(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, "timeout", failed.ErrorMessage)
}

func TestSQLiteLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AddLog(ctx, "info", "automation", "first"))
	require.NoError(t, store.AddLog(ctx, "error", "dashboard", "boom"))
	require.NoError(t, store.AddLog(ctx, "info", "automation", "second"))

	logs, err := store.GetLogs(ctx, "automation", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "second", logs[0].Message)

	all, err := store.GetLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteSettings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	v, err := store.GetSetting(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	require.NoError(t, store.SetSetting(ctx, "auto_posting_enabled", "0"))
	require.NoError(t, store.SetSetting(ctx, "auto_posting_enabled", "1"))
	v, err = store.GetSetting(ctx, "auto_posting_enabled", "")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestSQLiteWorkerStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 5, 5, 15, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ws, err := store.GetWorkerStatus(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ws.Online)
	assert.Nil(t, ws.LastSeen)

	require.NoError(t, store.UpdateHeartbeat(ctx, "main"))
	store.now = func() time.Time { return now.Add(90 * time.Second) }
	ws, err = store.GetWorkerStatus(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ws.Online)

	store.now = func() time.Time { return now.Add(3 * time.Minute) }
	ws, err = store.GetWorkerStatus(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ws.Online)
}

func TestOpenSelectsBackendExplicitly(t *testing.T) {
	ctx := context.Background()

	store, err := OpenAndMigrate(ctx, config.Config{DBBackend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "clipfarm.db")})
	require.NoError(t, err)
	_, isSQLite := store.(*SQLiteStore)
	assert.True(t, isSQLite)
	require.NoError(t, store.Close())

	_, err = Open(ctx, config.Config{DBBackend: "mongo"})
	assert.ErrorContains(t, err, "unknown db backend")
}
