package accounts

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesTemplateWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	accts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Template(), accts)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"tiktok": [{"username": "account1", "cookies_file": "cookies/tiktok_account1.pkl"}],
		"instagram": [{"username": "account1", "cookies_file": "cookies/instagram_account1.pkl"}],
		"youtube": [{"username": "account1", "cookies_file": "cookies/youtube_account1.pkl"}]
	}`, string(raw))
}

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tiktok":[{"username":"a","cookies_file":"a.pkl"},{"username":"b","cookies_file":"b.pkl"}],"instagram":[]}`), 0o644))

	accts, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, accts.For("tiktok"), 2)
	assert.Empty(t, accts.For("instagram"))
	assert.Equal(t, []string{"tiktok"}, accts.Platforms())
	assert.Equal(t, map[string]int{"tiktok": 2, "instagram": 0}, accts.Count())
}

func TestPick(t *testing.T) {
	accts := Accounts{"tiktok": {{Username: "a"}, {Username: "b"}, {Username: "c"}}}
	rng := rand.New(rand.NewSource(7))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		a, ok := accts.Pick("tiktok", rng)
		require.True(t, ok)
		seen[a.Username] = true
	}
	assert.Len(t, seen, 3)

	_, ok := accts.Pick("instagram", rng)
	assert.False(t, ok)
}

func TestID(t *testing.T) {
	assert.Equal(t, "tiktok_acct1", ID("tiktok", "acct1"))
}

func TestHealthReport(t *testing.T) {
	dir := t.TempDir()
	cookies := filepath.Join(dir, "cookies")
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

	tracker, err := NewHealthTracker(filepath.Join(dir, "account_health.json"), cookies)
	require.NoError(t, err)

	tracker.SetClock(func() time.Time { return now.AddDate(0, 0, -2) })
	_, err = tracker.SaveCookie("tiktok", "fresh", []byte("jar"))
	require.NoError(t, err)
	tracker.SetClock(func() time.Time { return now.AddDate(0, 0, -25) })
	_, err = tracker.SaveCookie("instagram", "aging", []byte("jar"))
	require.NoError(t, err)
	tracker.SetClock(func() time.Time { return now.AddDate(0, 0, -40) })
	_, err = tracker.SaveCookie("youtube", "stale", []byte("jar"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cookies, "tiktok_unknown.pkl"), []byte("jar"), 0o600))

	tracker.SetClock(func() time.Time { return now })
	report, err := tracker.Report()
	require.NoError(t, err)
	require.Len(t, report, 4)

	byAccount := map[string]Health{}
	for _, h := range report {
		byAccount[h.Account] = h
	}
	assert.Equal(t, StatusExpiringSoon, byAccount["aging"].Status)
	assert.Equal(t, 5, *byAccount["aging"].DaysUntilExpiry)
	assert.Equal(t, StatusHealthy, byAccount["fresh"].Status)
	assert.Equal(t, StatusExpired, byAccount["stale"].Status)
	assert.Equal(t, StatusUnknown, byAccount["unknown"].Status)
	assert.Nil(t, byAccount["unknown"].DaysUntilExpiry)

	require.NoError(t, tracker.MarkExpired("tiktok", "fresh"))
	report, err = tracker.Report()
	require.NoError(t, err)
	for _, h := range report {
		if h.Account == "fresh" {
			assert.Equal(t, StatusExpired, h.Status)
		}
	}
}

func TestSaveCookieRejectsPaths(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewHealthTracker(filepath.Join(dir, "h.json"), dir)
	require.NoError(t, err)

	_, err = tracker.SaveCookie("tiktok", "../../etc", []byte("x"))
	assert.Error(t, err)
	_, err = tracker.SaveCookie("", "a", []byte("x"))
	assert.Error(t, err)
}
