package dashboard

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/poster"
	"clipfarm/manager-go/internal/scheduler"
	"clipfarm/manager-go/internal/utils"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
)

const component = "dashboard"

type Deps struct {
	Automation *scheduler.Automation
	Gate       scheduler.Gate
	Store      db.Store
	Accounts   accounts.Accounts
	Health     *accounts.HealthTracker
	History    *poster.History
}

type Options struct {
	WorkerID    string
	WorkDir     string
	SummaryPath string
	RateLimit   float64
	Burst       int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:    cfg.WorkerID,
		WorkDir:     cfg.WorkDir,
		SummaryPath: cfg.SummaryFile,
		RateLimit:   cfg.DashboardRateLimit,
		Burst:       cfg.DashboardBurst,
	}
}

// Server is the JSON control API in front of a running Automation.
type Server struct {
	deps    Deps
	opts    Options
	app     *fiber.App
	limiter *ipLimiter

	// manual posts outlive their request; they run on bg and are tracked by wg.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func New(deps Deps, opts Options) (*Server, error) {
	if deps.Automation == nil || deps.Store == nil || deps.Gate == nil || deps.History == nil {
		return nil, errors.New("dashboard needs an automation, a store, a posting gate and a post history")
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		opts:    opts,
		limiter: newIPLimiter(opts.RateLimit, opts.Burst),
		bg:      bg,
		cancel:  cancel,
		now:     time.Now,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "clipfarm",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		BodyLimit:             16 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			if code >= fiber.StatusInternalServerError {
				utils.Error("dashboard request failed", "method", c.Method(), "path", c.Path(), "err", err)
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	s.app.Use(fiberrecover.New())
	s.app.Use(requestLog)
	s.routes()
	return s, nil
}

func requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	utils.Debug("http", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "dur", time.Since(start).String())
	return err
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/healthz", s.healthz)

	api := s.app.Group("/api")
	api.Get("/status", s.status)
	api.Get("/analytics", s.analytics)
	api.Get("/logs", s.logs)
	api.Get("/settings", s.settings)
	api.Post("/settings/:key", s.updateSetting)
	api.Get("/clips", s.clips)
	api.Get("/clips-queue", s.clipsQueue)
	api.Get("/dead-letter", s.deadLetters)
	api.Get("/post-history", s.postHistory)
	api.Get("/daily-summary", s.dailySummary)
	api.Get("/accounts", s.accounts)
	api.Get("/account-health", s.accountHealth)
	api.Get("/worker-status", s.workerStatus)

	manual := api.Group("", s.limiter.middleware())
	manual.Post("/dead-letter/:id/requeue", s.requeue)
	manual.Post("/manual-post", s.manualPost)
	manual.Post("/run-generation", s.runGeneration)
	manual.Post("/upload-cookie", s.uploadCookie)
}

// Listen serves on addr until ctx is cancelled, then shuts down and waits for
// background manual posts.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		utils.Info("dashboard listening", "addr", addr)
		errc <- s.app.Listen(addr)
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.app.ShutdownWithContext(shutdownCtx)
	s.Close()
	if err != nil {
		return err
	}
	return <-errc
}

// Close cancels in-flight manual posts and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until background manual posts finish.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.opts.WorkDir == "" {
		return path
	}
	return filepath.Join(s.opts.WorkDir, path)
}

func (s *Server) dbLog(ctx context.Context, level, message string) {
	if err := s.deps.Store.AddLog(ctx, level, component, message); err != nil {
		utils.Warn("db log failed", "err", err)
	}
}
