package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"clipfarm/manager-go/internal/dashboard"
	"clipfarm/manager-go/internal/jobs"
	"clipfarm/manager-go/internal/scheduler"
	"clipfarm/manager-go/internal/utils"
	"golang.org/x/sync/errgroup"
)

type automationFlags struct {
	noAutoPost   bool
	headless     bool
	triggers     bool
	triggerSleep time.Duration
}

func (f *automationFlags) register(fs *flag.FlagSet, a *app) {
	fs.BoolVar(&f.noAutoPost, "no-auto-post", false, "Generate clips but never post on the timer")
	fs.BoolVar(&f.headless, "headless", a.cfg.Headless, "Run upload scripts headless")
	fs.BoolVar(&f.triggers, "triggers", false, "Consume generate/post triggers from RabbitMQ")
	fs.DurationVar(&f.triggerSleep, "trigger-sleep", 30*time.Second, "Wait between empty trigger polls")
}

func (f automationFlags) runtimeOptions(a *app) runtimeOptions {
	return runtimeOptions{
		gateOptions: gateOptions{headless: f.headless},
		autoPost:    a.cfg.AutoPost && !f.noAutoPost,
	}
}

func runAutomation(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("automation:run", flag.ContinueOnError)
	var af automationFlags
	af.register(fs, a)
	runOnce := fs.Bool("run-once", false, "Run a single generation, then exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := a.buildRuntime(ctx, af.runtimeOptions(a))
	if err != nil {
		return err
	}

	if *runOnce {
		report, err := rt.auto.RunGeneration(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.auto.Run(gctx) })
	if af.triggers {
		startTriggers(gctx, g, a, rt, af.triggerSleep)
	}
	return g.Wait()
}

// runServe runs the automation loop and the dashboard in one process.
func runServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("automation:serve", flag.ContinueOnError)
	var af automationFlags
	af.register(fs, a)
	listen := fs.String("listen", a.cfg.DashboardListen, "Dashboard listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := a.buildRuntime(ctx, af.runtimeOptions(a))
	if err != nil {
		return err
	}
	srv, err := dashboard.New(dashboard.Deps{
		Automation: rt.auto,
		Gate:       rt.gate,
		Store:      rt.store,
		Accounts:   rt.accounts,
		Health:     rt.health,
		History:    rt.gate.History(),
	}, dashboard.OptionsFromConfig(a.cfg))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.auto.Run(gctx) })
	g.Go(func() error { return srv.Listen(gctx, *listen) })
	if af.triggers {
		startTriggers(gctx, g, a, rt, af.triggerSleep)
	}
	return g.Wait()
}

func startTriggers(ctx context.Context, g *errgroup.Group, a *app, rt *runtime, sleep time.Duration) {
	if rt.events == nil {
		utils.Warn("--triggers ignored; rabbitmq is disabled")
		return
	}
	consumer := jobs.NewTriggerConsumer(a.cfg.Hostname)
	g.Go(func() error {
		return consumer.Run(ctx, rt.events, rt.auto, jobs.Options{Sleep: sleep})
	})
}

func runClipsGenerate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("clips:generate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt, err := a.buildRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	report, err := rt.auto.RunGeneration(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runClipsPost(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("clips:post", flag.ContinueOnError)
	noDelay := fs.Bool("no-delay", false, "Skip the human-like delay before uploading")
	headless := fs.Bool("headless", a.cfg.Headless, "Run upload scripts headless")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rt, err := a.buildRuntime(ctx, runtimeOptions{
		gateOptions: gateOptions{headless: *headless, noDelay: *noDelay},
		autoPost:    true,
	})
	if err != nil {
		return err
	}
	outcome, err := rt.auto.RunPostingCycle(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"outcome":      outcome.String(),
		"queue_length": rt.auto.Queue().Len(),
		"dead_letters": len(rt.auto.Queue().DeadLetters()),
	})
}

func runQueueList(ctx context.Context, a *app, args []string) error {
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	return printJSON(q.Items())
}

func runQueueDeadLetter(ctx context.Context, a *app, args []string) error {
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	return printJSON(q.DeadLetters())
}

func runQueueRequeue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue:requeue", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: queue:requeue <id>")
	}
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	clip, err := q.Requeue(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := q.Save(); err != nil {
		return err
	}
	utils.Info("dead letter requeued", "id", clip.ID, "video", clip.VideoPath)
	return printJSON(clip)
}

func runAccountsHealth(ctx context.Context, a *app, args []string) error {
	tracker, err := a.healthTracker()
	if err != nil {
		return err
	}
	report, err := tracker.Report()
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runAccountsInit(ctx context.Context, a *app, args []string) error {
	accts, err := a.loadAccounts()
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(a.cfg.CookiesDir); err != nil {
		return fmt.Errorf("cookies dir: %w", err)
	}
	return printJSON(map[string]any{
		"accounts_file": a.cfg.AccountsFile,
		"cookies_dir":   a.cfg.CookiesDir,
		"accounts":      accts.Count(),
	})
}

func runDBMigrate(ctx context.Context, a *app, args []string) error {
	if _, err := a.openStore(ctx); err != nil {
		return err
	}
	return printJSON(map[string]string{"status": "migrated", "backend": a.cfg.DBBackend})
}

func runDBAnalytics(ctx context.Context, a *app, args []string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	analytics, err := store.GetAnalytics(ctx)
	if err != nil {
		return err
	}
	return printJSON(analytics)
}

var _ jobs.Target = (*scheduler.Automation)(nil)
