package poster

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 4, 2, 14, 0, 0, 0, time.Local)

type recordingPoster struct {
	calls int
	err   error
	panic any
}

func (r *recordingPoster) Post(ctx context.Context, videoPath, caption, cookiesFile string) error {
	r.calls++
	if r.panic != nil {
		panic(r.panic)
	}
	return r.err
}

type gateFixture struct {
	gate   *Gate
	poster *recordingPoster
	slept  []time.Duration
	path   string
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	f := &gateFixture{poster: &recordingPoster{}, path: filepath.Join(t.TempDir(), "post_history.json")}
	history, err := LoadHistory(f.path)
	require.NoError(t, err)
	f.gate = NewGate(history, map[string]Poster{"tiktok": f.poster}, DefaultOptions())
	f.gate.SetClock(func() time.Time { return today })
	f.gate.SetRand(rand.New(rand.NewSource(1)))
	f.gate.SetSleeper(func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	})
	return f
}

func TestShouldPostWithoutHistory(t *testing.T) {
	f := newGateFixture(t)
	assert.True(t, f.gate.ShouldPost("tiktok_new"))
}

func TestShouldPostHonoursCap(t *testing.T) {
	for n := 0; n <= 6; n++ {
		f := newGateFixture(t)
		for i := 0; i < n; i++ {
			require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
		}
		assert.Equal(t, n < 5, f.gate.ShouldPost("tiktok_acct1"), "after %d posts", n)
	}
}

func TestCapResetsNextDay(t *testing.T) {
	f := newGateFixture(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
	}
	assert.False(t, f.gate.ShouldPost("tiktok_acct1"))

	f.gate.SetClock(func() time.Time { return today.AddDate(0, 0, 1) })
	assert.True(t, f.gate.ShouldPost("tiktok_acct1"))
}

func TestRecordPostPersists(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
	require.NoError(t, f.gate.RecordPost("tiktok_acct1"))

	reloaded, err := LoadHistory(f.path)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]int{"tiktok_acct1": {"2026-04-02": 2}}, reloaded.Snapshot())
	assert.Equal(t, 2, reloaded.TotalOn(today))
}

func TestPostWithSafetyCappedSkipsEverything(t *testing.T) {
	f := newGateFixture(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
	}

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/any.mp4", "caption", accounts.Account{Username: "acct1", CookiesFile: "x"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDailyLimit)
	assert.Empty(t, f.slept, "no delay when capped")
	assert.Zero(t, f.poster.calls, "no poster call when capped")
}

func TestPostWithSafetyCountsInFlightAttempts(t *testing.T) {
	f := newGateFixture(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
	}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.gate.SetSleeper(func(ctx context.Context, d time.Duration) error {
		close(entered)
		<-unblock
		return ctx.Err()
	})
	acct := accounts.Account{Username: "acct1", CookiesFile: "x"}

	done := make(chan error, 1)
	go func() {
		_, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/a.mp4", "caption", acct)
		done <- err
	}()
	<-entered

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/b.mp4", "caption", acct)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDailyLimit)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.poster.calls)
	assert.Equal(t, 5, f.gate.History().Count("tiktok_acct1", today))
	assert.Empty(t, f.gate.reserved)
}

func TestPostWithSafetyRechecksCapAfterDelay(t *testing.T) {
	f := newGateFixture(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.gate.RecordPost("tiktok_acct1"))
	}
	f.gate.SetSleeper(func(ctx context.Context, d time.Duration) error {
		return f.gate.RecordPost("tiktok_acct1")
	})

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/a.mp4", "caption", accounts.Account{Username: "acct1"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDailyLimit)
	assert.Zero(t, f.poster.calls)
	assert.Equal(t, 5, f.gate.History().Count("tiktok_acct1", today))
	assert.Empty(t, f.gate.reserved)
}

func TestPostWithSafetySuccess(t *testing.T) {
	f := newGateFixture(t)

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/a.mp4", "caption", accounts.Account{Username: "acct1", CookiesFile: "x"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.poster.calls)
	require.Len(t, f.slept, 1)
	assert.GreaterOrEqual(t, f.slept[0], 15*time.Minute)
	assert.LessOrEqual(t, f.slept[0], 180*time.Minute)
	assert.Equal(t, 1, f.gate.History().Count("tiktok_acct1", today))
}

func TestPostWithSafetyFailureDoesNotCount(t *testing.T) {
	f := newGateFixture(t)
	f.poster.err = errors.New("upload button never appeared")

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/a.mp4", "caption", accounts.Account{Username: "acct1"})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "upload button")
	assert.False(t, IsAuthError(err))
	assert.Zero(t, f.gate.History().Count("tiktok_acct1", today))
}

func TestPostWithSafetyRecoversPanic(t *testing.T) {
	f := newGateFixture(t)
	f.poster.panic = "selector exploded"

	ok, err := f.gate.PostWithSafety(context.Background(), "tiktok", "/a.mp4", "caption", accounts.Account{Username: "acct1"})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "selector exploded")
}

func TestPostWithSafetyUnknownPlatform(t *testing.T) {
	f := newGateFixture(t)

	ok, err := f.gate.PostWithSafety(context.Background(), "myspace", "/a.mp4", "caption", accounts.Account{Username: "acct1"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestPostWithSafetyCancelledDuringDelay(t *testing.T) {
	f := newGateFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := f.gate.PostWithSafety(ctx, "tiktok", "/a.mp4", "caption", accounts.Account{Username: "acct1"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.poster.calls)
}

func TestDelayStaysInRange(t *testing.T) {
	f := newGateFixture(t)
	for i := 0; i < 500; i++ {
		d := f.gate.Delay()
		require.GreaterOrEqual(t, d, 15*time.Minute)
		require.LessOrEqual(t, d, 180*time.Minute)
	}
}
