package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/poster"
	"clipfarm/manager-go/internal/queue"
	"clipfarm/manager-go/internal/utils"
)

// PostResult is published on queue.PostResults after every post attempt.
type PostResult struct {
	ClipID       string    `json:"clip_id"`
	StoreID      string    `json:"store_id,omitempty"`
	Platform     string    `json:"platform"`
	Account      string    `json:"account"`
	VideoPath    string    `json:"video_path"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	AuthExpired  bool      `json:"auth_expired,omitempty"`
	Attempts     int       `json:"attempts"`
	DeadLettered bool      `json:"dead_lettered,omitempty"`
	At           time.Time `json:"at"`
}

// RunPostingCycle makes at most one post attempt for the head of the queue and persists
// the queue afterwards. The returned error is only set when the queue could not be saved.
func (a *Automation) RunPostingCycle(ctx context.Context) (Outcome, error) {
	if !a.state.enter(StatePosting) {
		return OutcomeBusy, nil
	}
	defer a.state.leave(StatePosting)

	outcome, changed := a.postingCycle(ctx)
	a.statusMu.Lock()
	a.lastOutcome, a.hasOutcome = outcome, true
	a.statusMu.Unlock()
	utils.Info("posting cycle done", "outcome", outcome.String(), "queue", a.deps.Queue.Len())

	if !changed {
		return outcome, nil
	}
	if err := a.deps.Queue.Save(); err != nil {
		return outcome, fmt.Errorf("save queue: %w", err)
	}
	return outcome, nil
}

func (a *Automation) postingCycle(ctx context.Context) (Outcome, bool) {
	if !a.opts.AutoPost || !a.settingEnabled(ctx, "auto_posting_enabled") {
		utils.Debug("auto-posting disabled")
		return OutcomeDisabled, false
	}
	head, ok := a.deps.Queue.Peek()
	if !ok {
		utils.Info("no clips in queue")
		return OutcomeEmpty, false
	}
	if !a.settingEnabled(ctx, "auto_posting_"+head.PlatformOrDefault()) {
		utils.Info("auto-posting disabled for platform", "platform", head.PlatformOrDefault())
		return OutcomeDisabled, false
	}

	clip, ok := a.deps.Queue.Pop()
	if !ok {
		return OutcomeEmpty, false
	}
	platform := clip.PlatformOrDefault()
	videoPath := a.resolve(clip.VideoPath)
	log := utils.L().With("clip", clip.ID, "platform", platform, "video", clip.VideoPath)

	if !utils.FileExists(videoPath) {
		log.Warn("video file missing; dropping clip")
		a.markStore(ctx, clip, db.StatusFailed, "video file missing")
		a.dbLog(ctx, "WARNING", "Dropped clip with missing video: "+clip.VideoPath)
		return OutcomeDropped, true
	}

	acct, ok := a.pickAccount(platform)
	if !ok {
		log.Warn("no accounts for platform; clip re-queued")
		a.deps.Queue.PushBack(clip)
		return OutcomeNoAccounts, true
	}
	acct.CookiesFile = a.resolve(acct.CookiesFile)
	if !utils.FileExists(acct.CookiesFile) {
		log.Warn("cookies file missing; clip re-queued", "account", acct.Username, "cookies", acct.CookiesFile)
		a.deps.Queue.PushBack(clip)
		return OutcomeMissingCookies, true
	}

	caption := clip.Caption
	if a.deps.Links != nil {
		caption = a.deps.Links.WithLink(caption, a.opts.AffiliateNiche)
	}

	log.Info("posting", "account", acct.Username)
	posted, err := a.deps.Gate.PostWithSafety(ctx, platform, videoPath, caption, acct)

	switch {
	case posted:
		a.afterSuccess(ctx, clip, platform, acct, videoPath)
		return OutcomePosted, true

	case errors.Is(err, poster.ErrDailyLimit):
		log.Info("account at daily limit; clip re-queued", "account", acct.Username)
		a.deps.Queue.PushBack(clip)
		return OutcomeDeferred, true

	case errors.Is(err, poster.ErrUnknownPlatform):
		log.Warn("no uploader configured for platform; clip re-queued")
		a.deps.Queue.PushBack(clip)
		return OutcomeNoPoster, true

	case ctx.Err() != nil:
		log.Info("post interrupted; clip re-queued")
		a.deps.Queue.PushBack(clip)
		return OutcomeDeferred, true
	}

	failed, dead := a.deps.Queue.Fail(clip, err)
	a.afterFailure(ctx, failed, platform, acct, err, dead)
	if dead {
		return OutcomeDeadLettered, true
	}
	return OutcomeFailed, true
}

func (a *Automation) pickAccount(platform string) (accounts.Account, bool) {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.deps.Accounts.Pick(platform, a.rng)
}

// settingEnabled treats a missing key or an unreachable store as enabled.
func (a *Automation) settingEnabled(ctx context.Context, key string) bool {
	if a.deps.Store == nil {
		return true
	}
	value, err := a.deps.Store.GetSetting(ctx, key, "1")
	if err != nil {
		utils.Warn("setting lookup failed; assuming enabled", "key", key, "err", err)
		return true
	}
	return strings.TrimSpace(value) != "0"
}

func (a *Automation) afterSuccess(ctx context.Context, clip clips.Clip, platform string, acct accounts.Account, videoPath string) {
	now := a.now()
	a.statusMu.Lock()
	a.lastPostAt = &now
	a.statusMu.Unlock()

	if err := moveToPosted(videoPath); err != nil {
		utils.Warn("could not move posted clip", "video", videoPath, "err", err)
	}
	a.recordStorePost(ctx, clip, platform, acct, true, "")
	a.dbLog(ctx, "INFO", fmt.Sprintf("Posted %s to %s as %s", filepath.Base(clip.VideoPath), platform, acct.Username))
	a.publish(ctx, queue.PostResults, PostResult{
		ClipID:    clip.ID,
		StoreID:   clip.StoreID,
		Platform:  platform,
		Account:   acct.Username,
		VideoPath: clip.VideoPath,
		Success:   true,
		Attempts:  clip.Attempts + 1,
		At:        now,
	})
}

func (a *Automation) afterFailure(ctx context.Context, clip clips.Clip, platform string, acct accounts.Account, cause error, dead bool) {
	auth := poster.IsAuthError(cause)
	log := utils.L().With("clip", clip.ID, "platform", platform, "account", acct.Username)
	if dead {
		log.Error("clip dead-lettered", "attempts", clip.Attempts, "err", cause)
	} else {
		log.Warn("post failed; clip re-queued", "attempts", clip.Attempts, "err", cause)
	}

	if auth && a.deps.Health != nil {
		if err := a.deps.Health.MarkExpired(platform, acct.Username); err != nil {
			log.Warn("health update failed", "err", err)
		}
	}

	msg := errString(cause)
	a.recordStorePost(ctx, clip, platform, acct, false, msg)
	text := fmt.Sprintf("Post failed for %s on %s: %s", filepath.Base(clip.VideoPath), platform, msg)
	if dead {
		text = fmt.Sprintf("Dead-lettered %s after %d attempts: %s", filepath.Base(clip.VideoPath), clip.Attempts, msg)
	}
	a.dbLog(ctx, "ERROR", text)
	a.publish(ctx, queue.PostResults, PostResult{
		ClipID:       clip.ID,
		StoreID:      clip.StoreID,
		Platform:     platform,
		Account:      acct.Username,
		VideoPath:    clip.VideoPath,
		Error:        msg,
		AuthExpired:  auth,
		Attempts:     clip.Attempts,
		DeadLettered: dead,
		At:           a.now(),
	})
}

func (a *Automation) recordStorePost(ctx context.Context, clip clips.Clip, platform string, acct accounts.Account, success bool, msg string) {
	if a.deps.Store == nil {
		return
	}
	err := a.deps.Store.RecordPost(context.WithoutCancel(ctx), db.PostRecord{
		ClipID:       clip.StoreID,
		Platform:     platform,
		Account:      acct.Username,
		Success:      success,
		ErrorMessage: msg,
	})
	if err != nil {
		utils.Warn("db record post failed", "clip", clip.ID, "err", err)
	}
}

func (a *Automation) markStore(ctx context.Context, clip clips.Clip, status, msg string) {
	if a.deps.Store == nil || clip.StoreID == "" {
		return
	}
	if err := a.deps.Store.UpdateClipStatus(ctx, clip.StoreID, status, msg); err != nil {
		utils.Warn("db status update failed", "clip", clip.ID, "err", err)
	}
}

// moveToPosted moves a posted video and its caption into a posted/ subdirectory so the
// next scan does not pick them up again.
func moveToPosted(videoPath string) error {
	dir := filepath.Join(filepath.Dir(videoPath), "posted")
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	if err := utils.MoveFile(videoPath, filepath.Join(dir, filepath.Base(videoPath))); err != nil {
		return err
	}
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	for _, ext := range []string{".txt", ".json"} {
		side := base + ext
		if !utils.FileExists(side) {
			continue
		}
		if err := utils.MoveFile(side, filepath.Join(dir, filepath.Base(side))); err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
