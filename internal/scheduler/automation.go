package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"clipfarm/manager-go/internal/accounts"
	"clipfarm/manager-go/internal/captions"
	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/pipeline"
	"clipfarm/manager-go/internal/utils"
	"github.com/robfig/cron/v3"
)

const component = "automation"

var (
	ErrBusy           = errors.New("already in progress")
	ErrAlreadyRunning = errors.New("automation loop already running")
)

// Generator produces rendered clips under the ready directory.
type Generator interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

type Gate interface {
	PostWithSafety(ctx context.Context, platform, videoPath, caption string, acct accounts.Account) (bool, error)
}

type Archiver interface {
	Upload(ctx context.Context, platform, localPath string) (string, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, queueName string, v any) error
}

// Deps are the collaborators of an Automation. Store, Health, Archive, Events and Links
// are optional.
type Deps struct {
	Queue     *clips.Queue
	Gate      Gate
	Accounts  accounts.Accounts
	Generator Generator
	Store     db.Store
	Health    *accounts.HealthTracker
	Archive   Archiver
	Events    Publisher
	Links     *captions.Rotator
}

type Options struct {
	AutoPost           bool
	WorkerID           string
	WorkDir            string
	ReadyDir           string
	Platforms          []string
	GenerationSchedule string
	MinPostInterval    time.Duration
	MaxPostInterval    time.Duration
	FirstPostDelay     time.Duration
	HeartbeatInterval  time.Duration
	AffiliateNiche     string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AutoPost:           cfg.AutoPost,
		WorkerID:           cfg.WorkerID,
		WorkDir:            cfg.WorkDir,
		ReadyDir:           cfg.ReadyDir,
		Platforms:          config.Platforms,
		GenerationSchedule: cfg.GenerationSchedule,
		MinPostInterval:    cfg.MinPostInterval,
		MaxPostInterval:    cfg.MaxPostInterval,
		FirstPostDelay:     cfg.FirstPostDelay,
		HeartbeatInterval:  time.Minute,
		AffiliateNiche:     cfg.AffiliateNiche,
	}
}

// Status is a point-in-time view for the dashboard.
type Status struct {
	State            string     `json:"state"`
	Running          bool       `json:"is_running"`
	AutoPost         bool       `json:"auto_post"`
	QueueLength      int        `json:"queue_length"`
	DeadLetters      int        `json:"dead_letters"`
	NextPostAt       *time.Time `json:"next_post_at,omitempty"`
	NextGenerationAt *time.Time `json:"next_generation_at,omitempty"`
	LastOutcome      string     `json:"last_outcome,omitempty"`
	LastPostAt       *time.Time `json:"last_post_at,omitempty"`
}

// Automation owns the clip queue for the lifetime of the process and drives the
// generation and posting activities.
type Automation struct {
	deps     Deps
	opts     Options
	schedule cron.Schedule

	state   stateBox
	running atomic.Bool
	wg      sync.WaitGroup

	// Pending on-demand requests; at most one of each kind.
	genTrigger  chan struct{}
	postTrigger chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time

	statusMu    sync.Mutex
	nextPost    *time.Time
	nextGen     *time.Time
	lastOutcome Outcome
	lastPostAt  *time.Time
	hasOutcome  bool
}

func New(deps Deps, opts Options) (*Automation, error) {
	if deps.Queue == nil || deps.Gate == nil {
		return nil, errors.New("automation needs a queue and a posting gate")
	}
	schedule, err := cron.ParseStandard(opts.GenerationSchedule)
	if err != nil {
		return nil, fmt.Errorf("generation schedule %q: %w", opts.GenerationSchedule, err)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Minute
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = config.Platforms
	}
	return &Automation{
		deps:     deps,
		opts:     opts,
		schedule: schedule,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,

		genTrigger:  make(chan struct{}, 1),
		postTrigger: make(chan struct{}, 1),
	}, nil
}

func (a *Automation) SetClock(now func() time.Time) { a.now = now }

func (a *Automation) SetRand(rng *rand.Rand) {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	a.rng = rng
}

func (a *Automation) State() State { return a.state.load() }

func (a *Automation) Queue() *clips.Queue { return a.deps.Queue }

func (a *Automation) Status() Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	st := a.state.load()
	s := Status{
		State:            st.String(),
		Running:          a.running.Load(),
		AutoPost:         a.opts.AutoPost,
		QueueLength:      a.deps.Queue.Len(),
		DeadLetters:      len(a.deps.Queue.DeadLetters()),
		NextPostAt:       a.nextPost,
		NextGenerationAt: a.nextGen,
		LastPostAt:       a.lastPostAt,
	}
	if a.hasOutcome {
		s.LastOutcome = a.lastOutcome.String()
	}
	return s
}

// TriggerGeneration asks the running loop for a generation. It returns ErrBusy when one is
// already running or pending.
func (a *Automation) TriggerGeneration() error {
	if a.State().Has(StateGenerating) {
		return ErrBusy
	}
	return send(a.genTrigger)
}

// TriggerPost asks the running loop for an immediate posting cycle.
func (a *Automation) TriggerPost() error {
	if a.State().Has(StatePosting) {
		return ErrBusy
	}
	return send(a.postTrigger)
}

// ReservePosting claims the posting slot for an attempt made outside the queue, such as
// a manual post. It returns ErrBusy while another attempt is in flight. The returned
// release func is safe to call more than once.
func (a *Automation) ReservePosting() (release func(), err error) {
	if !a.state.enter(StatePosting) {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() { once.Do(func() { a.state.leave(StatePosting) }) }, nil
}

func send(ch chan struct{}) error {
	select {
	case ch <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

func (a *Automation) randDuration(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return low + time.Duration(a.rng.Int63n(int64(high-low)+1))
}

func (a *Automation) nextPostInterval() time.Duration {
	return a.randDuration(a.opts.MinPostInterval, a.opts.MaxPostInterval)
}

// Run drives both activities until ctx is cancelled, then waits for in-flight work,
// persists the queue and moves to Stopped.
func (a *Automation) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	utils.Info("automation started",
		"auto_post", a.opts.AutoPost,
		"queue", a.deps.Queue.Len(),
		"accounts", a.deps.Accounts.Count(),
		"schedule", a.opts.GenerationSchedule,
	)
	a.dbLog(ctx, "INFO", "Automation started")

	genTimer := time.NewTimer(a.untilNextGeneration())
	defer genTimer.Stop()

	var postC <-chan time.Time
	var postTimer *time.Timer
	if a.opts.AutoPost {
		first := a.nextPostInterval()
		if a.deps.Queue.Len() > 0 {
			first = a.opts.FirstPostDelay
		}
		postTimer = time.NewTimer(first)
		defer postTimer.Stop()
		postC = postTimer.C
		a.setNextPost(first)
	}

	heartbeat := time.NewTicker(a.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	a.heartbeat(ctx)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-genTimer.C:
			a.spawnGeneration(ctx)
			genTimer.Reset(a.untilNextGeneration())
		case <-postC:
			a.spawnPosting(ctx)
			next := a.nextPostInterval()
			postTimer.Reset(next)
			a.setNextPost(next)
		case <-a.genTrigger:
			a.spawnGeneration(ctx)
		case <-a.postTrigger:
			a.spawnPosting(ctx)
		case <-heartbeat.C:
			a.heartbeat(ctx)
		}
	}

	utils.Info("automation stopping; waiting for in-flight work")
	a.wg.Wait()
	a.state.set(StateStopped)
	err := a.deps.Queue.Save()
	if err != nil {
		utils.Error("final queue save failed", "err", err)
	}
	a.dbLog(context.WithoutCancel(ctx), "INFO", "Automation stopped")
	utils.Info("automation stopped", "queue", a.deps.Queue.Len())
	return err
}

func (a *Automation) untilNextGeneration() time.Duration {
	now := a.now()
	next := a.schedule.Next(now)
	a.statusMu.Lock()
	a.nextGen = &next
	a.statusMu.Unlock()
	return next.Sub(now)
}

func (a *Automation) setNextPost(in time.Duration) {
	at := a.now().Add(in)
	a.statusMu.Lock()
	a.nextPost = &at
	a.statusMu.Unlock()
}

func (a *Automation) spawnGeneration(ctx context.Context) {
	if a.State().Has(StateGenerating) {
		utils.Info("generation already running; trigger ignored")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.RunGeneration(ctx); err != nil && !errors.Is(err, ErrBusy) {
			utils.Error("generation failed", "err", err)
		}
	}()
}

func (a *Automation) spawnPosting(ctx context.Context) {
	if a.State().Has(StatePosting) {
		utils.Info("post attempt already in flight; cycle skipped")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.RunPostingCycle(ctx); err != nil {
			utils.Error("posting cycle failed", "err", err)
		}
	}()
}

func (a *Automation) heartbeat(ctx context.Context) {
	if a.deps.Store == nil || a.opts.WorkerID == "" {
		return
	}
	if err := a.deps.Store.UpdateHeartbeat(ctx, a.opts.WorkerID); err != nil && ctx.Err() == nil {
		utils.Warn("heartbeat failed", "worker", a.opts.WorkerID, "err", err)
	}
}

// dbLog mirrors an event into the store's log table. Store errors are logged and dropped.
func (a *Automation) dbLog(ctx context.Context, level, message string) {
	if a.deps.Store == nil {
		return
	}
	if err := a.deps.Store.AddLog(ctx, level, component, message); err != nil {
		utils.Warn("db log failed", "err", err)
	}
}

func (a *Automation) publish(ctx context.Context, queueName string, v any) {
	if a.deps.Events == nil {
		return
	}
	if err := a.deps.Events.PublishJSON(context.WithoutCancel(ctx), queueName, v); err != nil {
		utils.Warn("event publish failed", "queue", queueName, "err", err)
	}
}

// Requeue moves a dead-lettered clip back onto the queue and persists it.
func (a *Automation) Requeue(id string) (clips.Clip, error) {
	c, err := a.deps.Queue.Requeue(id)
	if err != nil {
		return clips.Clip{}, err
	}
	if err := a.deps.Queue.Save(); err != nil {
		return c, err
	}
	utils.Info("dead letter requeued", "id", id, "video", c.VideoPath)
	return c, nil
}

func (a *Automation) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || a.opts.WorkDir == "" {
		return path
	}
	return filepath.Join(a.opts.WorkDir, path)
}
