package cli

import (
	"context"
	"fmt"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/captions"
	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/pipeline"
	"clipfarm/manager-go/internal/poster"
	"clipfarm/manager-go/internal/queue"
	"clipfarm/manager-go/internal/scheduler"
	"clipfarm/manager-go/internal/storage"
	"clipfarm/manager-go/internal/utils"
)

// app holds the loaded config and whatever a command has opened so far.
type app struct {
	cfg     config.Config
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore(ctx context.Context) (db.Store, error) {
	store, err := db.OpenAndMigrate(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	utils.Logf("manager: db ready backend=%s", a.cfg.DBBackend)
	return store, nil
}

// openEvents connects to RabbitMQ when it is enabled; otherwise it returns nil.
func (a *app) openEvents() (*queue.Client, error) {
	if !a.cfg.RabbitMQEnabled {
		return nil, nil
	}
	client, err := queue.New(a.cfg.RabbitMQURL())
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	utils.Logf("manager: queue connected")
	return client, nil
}

func (a *app) openQueue() (*clips.Queue, error) {
	return clips.Open(a.cfg.QueueFile, a.cfg.DeadLetterFile, a.cfg.MaxAttempts)
}

func (a *app) loadAccounts() (accounts.Accounts, error) {
	return accounts.Load(a.cfg.AccountsFile)
}

func (a *app) healthTracker() (*accounts.HealthTracker, error) {
	return accounts.NewHealthTracker(a.cfg.HealthFile, a.cfg.CookiesDir)
}

type gateOptions struct {
	headless bool
	noDelay  bool
}

func (a *app) buildGate(opts gateOptions) (*poster.Gate, error) {
	history, err := poster.LoadHistory(a.cfg.HistoryFile)
	if err != nil {
		return nil, err
	}
	posters := map[string]poster.Poster{}
	for _, platform := range config.Platforms {
		command := a.cfg.UploadScript(platform)
		if command == "" {
			utils.Warn("no upload script configured; platform disabled", "platform", platform)
			continue
		}
		posters[platform] = poster.ScriptPoster{
			Platform: platform,
			Command:  command,
			WorkDir:  poster.ResolveWorkDir([]string{a.cfg.UploadWorkDir}, command),
			Headless: opts.headless,
		}
	}

	gateOpts := poster.Options{
		MaxPostsPerDay: a.cfg.MaxPostsPerDay,
		MinDelay:       a.cfg.MinPostDelay,
		MaxDelay:       a.cfg.MaxPostDelay,
	}
	if opts.noDelay {
		gateOpts.MinDelay, gateOpts.MaxDelay = 0, 0
	}
	return poster.NewGate(history, posters, gateOpts), nil
}

// runtime is everything the automation loop and the dashboard share.
type runtime struct {
	auto     *scheduler.Automation
	gate     *poster.Gate
	store    db.Store
	events   *queue.Client
	accounts accounts.Accounts
	health   *accounts.HealthTracker
}

type runtimeOptions struct {
	gateOptions
	autoPost bool
}

func (a *app) buildRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	events, err := a.openEvents()
	if err != nil {
		return nil, err
	}
	q, err := a.openQueue()
	if err != nil {
		return nil, err
	}
	gate, err := a.buildGate(opts.gateOptions)
	if err != nil {
		return nil, err
	}
	accts, err := a.loadAccounts()
	if err != nil {
		return nil, err
	}
	health, err := a.healthTracker()
	if err != nil {
		return nil, err
	}

	deps := scheduler.Deps{
		Queue:     q,
		Gate:      gate,
		Accounts:  accts,
		Generator: pipeline.New(a.cfg),
		Store:     store,
		Health:    health,
	}
	if events != nil {
		deps.Events = events
	}
	if a.cfg.S3Enabled() {
		archive, err := storage.NewS3Archive(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		deps.Archive = archive
	}
	if a.cfg.AffiliateLinks {
		links, err := captions.NewRotator(a.cfg.LinksFile, a.cfg.LinkHistoryFile)
		if err != nil {
			return nil, err
		}
		deps.Links = links
	}

	schedOpts := scheduler.OptionsFromConfig(a.cfg)
	schedOpts.AutoPost = opts.autoPost
	auto, err := scheduler.New(deps, schedOpts)
	if err != nil {
		return nil, err
	}
	return &runtime{
		auto:     auto,
		gate:     gate,
		store:    store,
		events:   events,
		accounts: accts,
		health:   health,
	}, nil
}
