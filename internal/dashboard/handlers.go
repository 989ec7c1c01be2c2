package dashboard

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/pipeline"
	"clipfarm/manager-go/internal/scheduler"
	"clipfarm/manager-go/internal/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/mergestat/timediff"
	"github.com/samber/lo"
)

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return timediff.TimeDiff(*t)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) status(c *fiber.Ctx) error {
	st := s.deps.Automation.Status()
	return c.JSON(fiber.Map{
		"automation":    st,
		"last_post_ago": ago(st.LastPostAt),
		"posts_today":   s.deps.History.TotalOn(s.now()),
		"max_posts_day": s.maxPostsPerDay(),
		"accounts":      s.deps.Accounts.Count(),
		"server_time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) maxPostsPerDay() int {
	if g, ok := s.deps.Gate.(interface{ MaxPostsPerDay() int }); ok {
		return g.MaxPostsPerDay()
	}
	return 0
}

func (s *Server) analytics(c *fiber.Ctx) error {
	a, err := s.deps.Store.GetAnalytics(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(a)
}

func (s *Server) logs(c *fiber.Ctx) error {
	entries, err := s.deps.Store.GetLogs(c.Context(), c.Query("component"), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(entries)
}

func (s *Server) settings(c *fiber.Ctx) error {
	settings, err := s.deps.Store.GetSettings(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(settings)
}

type settingUpdate struct {
	Value string `json:"value"`
}

func (s *Server) updateSetting(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Params("key"))
	var body settingUpdate
	if err := c.BodyParser(&body); err != nil || key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "expected {\"value\": ...}"})
	}
	if err := s.deps.Store.SetSetting(c.Context(), key, body.Value); err != nil {
		return err
	}
	s.dbLog(c.Context(), "INFO", fmt.Sprintf("Setting %s set to %q", key, body.Value))
	return c.JSON(fiber.Map{"key": key, "value": body.Value})
}

func (s *Server) clips(c *fiber.Ctx) error {
	list, err := s.deps.Store.GetClips(c.Context(), db.ClipFilter{
		Status:   c.Query("status"),
		Platform: c.Query("platform"),
		Limit:    c.QueryInt("limit", 100),
	})
	if err != nil {
		return err
	}
	return c.JSON(list)
}

func (s *Server) clipsQueue(c *fiber.Ctx) error {
	return c.JSON(s.deps.Automation.Queue().Items())
}

func (s *Server) deadLetters(c *fiber.Ctx) error {
	return c.JSON(s.deps.Automation.Queue().DeadLetters())
}

func (s *Server) requeue(c *fiber.Ctx) error {
	clip, err := s.deps.Automation.Requeue(c.Params("id"))
	if errors.Is(err, clips.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return err
	}
	s.dbLog(c.Context(), "INFO", "Requeued dead letter "+clip.ID)
	return c.JSON(clip)
}

func (s *Server) postHistory(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history":     s.deps.History.Snapshot(),
		"posts_today": s.deps.History.TotalOn(s.now()),
	})
}

func (s *Server) dailySummary(c *fiber.Ctx) error {
	summary, found, err := pipeline.LoadSummary(s.opts.SummaryPath)
	if err != nil {
		return err
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no daily summary yet"})
	}
	return c.JSON(summary)
}

func (s *Server) accounts(c *fiber.Ctx) error {
	out := fiber.Map{}
	for platform, list := range s.deps.Accounts {
		out[platform] = lo.Map(list, func(a accounts.Account, _ int) string { return a.Username })
	}
	return c.JSON(fiber.Map{"accounts": out, "counts": s.deps.Accounts.Count()})
}

func (s *Server) accountHealth(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return c.JSON([]any{})
	}
	report, err := s.deps.Health.Report()
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (s *Server) workerStatus(c *fiber.Ctx) error {
	ws, err := s.deps.Store.GetWorkerStatus(c.Context(), s.opts.WorkerID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"worker_id":     ws.WorkerID,
		"last_seen":     ws.LastSeen,
		"online":        ws.Online,
		"last_seen_ago": ago(ws.LastSeen),
	})
}

type manualPostRequest struct {
	Platform string `json:"platform"`
	Filename string `json:"filename"`
	ClipID   string `json:"clip_id"`
}

// manualPost posts a stored clip right away, skipping the queue. The clip is named by
// clip_id, or by a filename fragment matched against pending clips of the platform.
// The post itself runs in the background; the request only validates and accepts it.
func (s *Server) manualPost(c *fiber.Ctx) error {
	var req manualPostRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	req.Platform = strings.TrimSpace(req.Platform)
	req.Filename = strings.TrimSpace(req.Filename)
	req.ClipID = strings.TrimSpace(req.ClipID)
	if req.ClipID == "" && (req.Platform == "" || req.Filename == "") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "clip_id, or platform and filename, are required"})
	}
	if req.Platform != "" && len(s.deps.Accounts.For(req.Platform)) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no accounts configured for " + req.Platform})
	}

	clip, status, err := s.findManualClip(c, req)
	if err != nil {
		return err
	}
	if status != 0 {
		return c.Status(status).JSON(fiber.Map{"error": "no pending clip matches " + lo.Ternary(req.ClipID != "", req.ClipID, req.Filename)})
	}
	platform := lo.Ternary(req.Platform != "", req.Platform, clip.Platform)
	list := s.deps.Accounts.For(platform)
	if len(list) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no accounts configured for " + platform})
	}

	release, err := s.deps.Automation.ReservePosting()
	if errors.Is(err, scheduler.ErrBusy) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "a post is already in flight"})
	}
	if err != nil {
		return err
	}

	acct := list[0]
	acct.CookiesFile = s.resolve(acct.CookiesFile)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		posted, err := s.deps.Gate.PostWithSafety(s.bg, platform, s.resolve(clip.VideoPath), clip.Caption, acct)
		if !posted && s.bg.Err() != nil {
			utils.Info("manual post cancelled", "clip", clip.ID)
			return
		}
		record := db.PostRecord{ClipID: clip.ID, Platform: platform, Account: acct.Username, Success: posted}
		if err != nil {
			record.ErrorMessage = err.Error()
		}
		if err := s.deps.Store.RecordPost(s.bg, record); err != nil {
			utils.Warn("manual post record failed", "clip", clip.ID, "err", err)
		}
		if posted {
			s.dbLog(s.bg, "INFO", fmt.Sprintf("Manual post: %s to %s", clip.Filename, platform))
		} else {
			s.dbLog(s.bg, "ERROR", fmt.Sprintf("Manual post failed: %s", record.ErrorMessage))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":   "accepted",
		"clip_id":  clip.ID,
		"filename": clip.Filename,
		"account":  acct.Username,
	})
}

// findManualClip returns a non-zero HTTP status when no pending clip matches the request.
func (s *Server) findManualClip(c *fiber.Ctx, req manualPostRequest) (db.Clip, int, error) {
	if req.ClipID != "" {
		clip, err := s.deps.Store.GetClipByID(c.Context(), req.ClipID)
		if errors.Is(err, db.ErrNotFound) {
			return db.Clip{}, fiber.StatusNotFound, nil
		}
		if err != nil {
			return db.Clip{}, 0, err
		}
		if clip.Status != db.StatusPending || (req.Platform != "" && clip.Platform != req.Platform) {
			return db.Clip{}, fiber.StatusNotFound, nil
		}
		return clip, 0, nil
	}

	pending, err := s.deps.Store.GetClips(c.Context(), db.ClipFilter{Status: db.StatusPending, Platform: req.Platform, Limit: 1000})
	if err != nil {
		return db.Clip{}, 0, err
	}
	clip, ok := lo.Find(pending, func(cl db.Clip) bool { return strings.Contains(cl.Filename, req.Filename) })
	if !ok {
		return db.Clip{}, fiber.StatusNotFound, nil
	}
	return clip, 0, nil
}

func (s *Server) runGeneration(c *fiber.Ctx) error {
	if err := s.deps.Automation.TriggerGeneration(); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "generation already running"})
		}
		return err
	}
	s.dbLog(c.Context(), "INFO", "Generation triggered from dashboard")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "started"})
}

func (s *Server) uploadCookie(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "account health is not configured")
	}
	platform := strings.TrimSpace(c.FormValue("platform"))
	account := strings.TrimSpace(c.FormValue("account"))
	header, err := c.FormFile("file")
	if err != nil || platform == "" || account == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "platform, account and file are required"})
	}
	fh, err := header.Open()
	if err != nil {
		return err
	}
	defer fh.Close()
	data, err := io.ReadAll(fh)
	if err != nil {
		return err
	}

	path, err := s.deps.Health.SaveCookie(platform, account, data)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.dbLog(c.Context(), "INFO", fmt.Sprintf("Cookies uploaded for %s/%s", platform, account))
	return c.JSON(fiber.Map{"status": "saved", "path": path})
}
