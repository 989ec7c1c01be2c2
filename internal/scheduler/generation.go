package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/db"
	"clipfarm/manager-go/internal/pipeline"
	"clipfarm/manager-go/internal/queue"
	"clipfarm/manager-go/internal/utils"
	"github.com/samber/lo"
)

// GenerationReport describes one generation run.
type GenerationReport struct {
	Summary     pipeline.Summary `json:"summary"`
	PipelineErr string           `json:"pipeline_error,omitempty"`
	Added       []clips.Clip     `json:"added"`
}

// ClipsAddedEvent is published on queue.ClipsAdded when a scan queues new clips.
type ClipsAddedEvent struct {
	Count int       `json:"count"`
	Clips []string  `json:"clips"`
	At    time.Time `json:"at"`
}

// RunGeneration runs the pipeline, then scans the ready directory and queues unseen
// clips. A pipeline failure is logged and the scan still runs. Returns ErrBusy when a
// generation is already in progress.
func (a *Automation) RunGeneration(ctx context.Context) (GenerationReport, error) {
	if !a.state.enter(StateGenerating) {
		utils.Info("generation already running; trigger ignored")
		return GenerationReport{}, ErrBusy
	}
	defer a.state.leave(StateGenerating)

	report := GenerationReport{Added: []clips.Clip{}}
	start := time.Now()
	utils.Info("generation started")
	a.dbLog(ctx, "INFO", "Daily generation started")

	if a.deps.Generator != nil {
		summary, err := a.deps.Generator.Run(ctx)
		report.Summary = summary
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.PipelineErr = err.Error()
			utils.Error("generation pipeline failed; scanning anyway", "err", err)
			a.dbLog(ctx, "ERROR", "Generation pipeline failed: "+err.Error())
		}
	}

	found, err := pipeline.Scan(a.opts.ReadyDir, a.opts.Platforms)
	if err != nil {
		return report, fmt.Errorf("scan %s: %w", a.opts.ReadyDir, err)
	}
	fresh := lo.Filter(found, func(f pipeline.Found, _ int) bool { return !a.deps.Queue.Contains(f.VideoPath) })

	candidates := make([]clips.Clip, 0, len(fresh))
	for _, f := range fresh {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		candidates = append(candidates, a.register(ctx, f))
	}

	report.Added = a.deps.Queue.Add(candidates...)
	if err := a.deps.Queue.Save(); err != nil {
		return report, fmt.Errorf("save queue: %w", err)
	}

	utils.Info("generation done",
		"videos", report.Summary.VideosProcessed,
		"clips_added", len(report.Added),
		"queue", a.deps.Queue.Len(),
		"dur", time.Since(start).Truncate(time.Millisecond).String(),
	)
	a.dbLog(ctx, "INFO", fmt.Sprintf("Generation complete: %d new clips queued", len(report.Added)))
	if len(report.Added) > 0 {
		a.publish(ctx, queue.ClipsAdded, ClipsAddedEvent{
			Count: len(report.Added),
			Clips: lo.Map(report.Added, func(c clips.Clip, _ int) string { return c.VideoPath }),
			At:    a.now(),
		})
	}
	return report, nil
}

// register archives f when an archive is configured and records it in the store.
// Failures leave the clip queueable without a store id.
func (a *Automation) register(ctx context.Context, f pipeline.Found) clips.Clip {
	c := f.Clip
	if a.deps.Store == nil {
		return c
	}

	storageURL := ""
	if a.deps.Archive != nil {
		url, err := a.deps.Archive.Upload(ctx, f.Platform, f.VideoPath)
		if err != nil {
			utils.Warn("clip archive upload failed", "video", f.VideoPath, "err", err)
		} else {
			storageURL = url
		}
	}

	id, err := a.deps.Store.AddClip(ctx, db.NewClip{
		Filename:    filepath.Base(f.VideoPath),
		VideoPath:   f.VideoPath,
		Platform:    f.Platform,
		Caption:     f.Caption,
		CaptionPath: f.CaptionPath,
		StartTime:   f.StartTime,
		EndTime:     f.EndTime,
		Reason:      f.Reason,
		StorageURL:  storageURL,
	})
	if err != nil {
		utils.Warn("db add clip failed", "video", f.VideoPath, "err", err)
		return c
	}
	c.StoreID = id
	return c
}
