package poster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/utils"
)

// Poster uploads one video to one platform using a saved session.
type Poster interface {
	Post(ctx context.Context, videoPath, caption, cookiesFile string) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, videoPath, caption, cookiesFile string) error

func (f PosterFunc) Post(ctx context.Context, videoPath, caption, cookiesFile string) error {
	return f(ctx, videoPath, caption, cookiesFile)
}

type Options struct {
	MaxPostsPerDay int
	MinDelay       time.Duration
	MaxDelay       time.Duration
}

func DefaultOptions() Options {
	return Options{MaxPostsPerDay: 5, MinDelay: 15 * time.Minute, MaxDelay: 180 * time.Minute}
}

// Gate enforces the per-account daily cap and the humanizing delay in front of every post.
type Gate struct {
	history *History
	posters map[string]Poster
	opts    Options

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	// reserved counts attempts per account that passed the cap check and have not finished.
	slotMu   sync.Mutex
	reserved map[string]int
}

func NewGate(history *History, posters map[string]Poster, opts Options) *Gate {
	if opts.MaxPostsPerDay <= 0 {
		opts.MaxPostsPerDay = DefaultOptions().MaxPostsPerDay
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	return &Gate{
		history:  history,
		posters:  posters,
		opts:     opts,
		now:      time.Now,
		sleep:    utils.Sleep,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		reserved: map[string]int{},
	}
}

// SetClock overrides the time source used to pick "today".
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// SetSleeper overrides how the humanizing delay is waited out.
func (g *Gate) SetSleeper(sleep func(context.Context, time.Duration) error) { g.sleep = sleep }

// SetRand overrides the delay randomness.
func (g *Gate) SetRand(rng *rand.Rand) {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	g.rng = rng
}

func (g *Gate) History() *History { return g.history }

func (g *Gate) MaxPostsPerDay() int { return g.opts.MaxPostsPerDay }

// ShouldPost reports whether accountID is still under today's cap.
func (g *Gate) ShouldPost(accountID string) bool {
	return g.history.Count(accountID, g.now()) < g.opts.MaxPostsPerDay
}

// RecordPost counts one successful post for accountID today and persists the history.
func (g *Gate) RecordPost(accountID string) error {
	if err := g.history.Increment(accountID, g.now()); err != nil {
		return fmt.Errorf("record post for %s: %w", accountID, err)
	}
	return nil
}

// reserve claims one of today's remaining slots for accountID. Attempts in flight count
// against the cap, so concurrent callers cannot overshoot it.
func (g *Gate) reserve(accountID string) bool {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	if g.history.Count(accountID, g.now())+g.reserved[accountID] >= g.opts.MaxPostsPerDay {
		return false
	}
	g.reserved[accountID]++
	return true
}

func (g *Gate) release(accountID string) {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()
	if g.reserved[accountID] <= 1 {
		delete(g.reserved, accountID)
		return
	}
	g.reserved[accountID]--
}

// Delay draws the humanizing wait uniformly from [MinDelay, MaxDelay].
func (g *Gate) Delay() time.Duration {
	span := g.opts.MaxDelay - g.opts.MinDelay
	if span <= 0 {
		return g.opts.MinDelay
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.opts.MinDelay + time.Duration(g.rng.Int63n(int64(span)+1))
}

// PostWithSafety posts videoPath to platform as acct if the account is under its daily cap.
// A capped account returns ErrDailyLimit at once; attempts still in flight count toward
// the cap. Otherwise the call waits out a random delay, re-checks the cap, dispatches to
// the platform poster and records the post on success. It never panics; poster panics
// come back as errors.
func (g *Gate) PostWithSafety(ctx context.Context, platform, videoPath, caption string, acct accounts.Account) (posted bool, err error) {
	accountID := accounts.ID(platform, acct.Username)
	log := utils.L().With("account", accountID, "video", videoPath)

	if !g.reserve(accountID) {
		log.Info("daily limit reached; skipping", "max", g.opts.MaxPostsPerDay)
		return false, ErrDailyLimit
	}
	defer g.release(accountID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("poster panicked", "panic", r)
			posted, err = false, panicError{value: r}
		}
	}()

	p, ok := g.posters[platform]
	if !ok || p == nil {
		return false, fmt.Errorf("%s: %w", platform, ErrUnknownPlatform)
	}

	delay := g.Delay()
	log.Info("waiting before post", "delay", delay.Round(time.Second).String())
	if err := g.sleep(ctx, delay); err != nil {
		log.Warn("post cancelled during delay", "err", err)
		return false, err
	}
	if !g.ShouldPost(accountID) {
		log.Info("daily limit reached during delay; skipping", "max", g.opts.MaxPostsPerDay)
		return false, ErrDailyLimit
	}

	if err := p.Post(ctx, videoPath, caption, acct.CookiesFile); err != nil {
		log.Warn("post failed", "auth_expired", IsAuthError(err), "err", err)
		return false, err
	}

	if err := g.RecordPost(accountID); err != nil {
		// The upload is live, so success stands even if the counter was not saved.
		log.Error("post succeeded but history write failed", "err", err)
	}
	log.Info("posted", "today", g.history.Count(accountID, g.now()))
	return true, nil
}
