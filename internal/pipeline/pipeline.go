package pipeline

import (
	"context"
	"errors"
	"time"

	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/utils"
	"github.com/samber/lo"
)

// VideoResult is one entry of the daily summary.
type VideoResult struct {
	VideoID    string   `json:"video_id"`
	VideoTitle string   `json:"video_title"`
	VideoURL   string   `json:"video_url"`
	Clips      []string `json:"clips"`
	Error      string   `json:"error,omitempty"`
}

// Summary is written to daily_summary.json after every run.
type Summary struct {
	Date            string        `json:"date"`
	VideosProcessed int           `json:"videos_processed"`
	TotalClips      int           `json:"total_clips"`
	Results         []VideoResult `json:"results"`
}

// Pipeline is the daily generation run: check channels, download, clip, mark processed.
type Pipeline struct {
	Monitor       *Monitor
	Downloader    Downloader
	Clipper       Clipper
	Channels      []string
	MaxPerChannel int
	Delay         time.Duration
	SummaryPath   string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(cfg config.Config) *Pipeline {
	return &Pipeline{
		Monitor: NewMonitor(cfg.FeedBaseURL, cfg.ProcessedVideosFile),
		Downloader: Downloader{
			Binary:    cfg.YTDLPPath,
			OutputDir: cfg.DownloadsDir,
		},
		Clipper: Clipper{
			Script:      cfg.ClipScript,
			OutputDir:   cfg.ReadyDir,
			MaxClips:    cfg.MaxClipsPerVideo,
			MinDuration: cfg.MinClipDuration,
			MaxDuration: cfg.MaxClipDuration,
		},
		Channels:      cfg.Channels,
		MaxPerChannel: cfg.MaxVideosPerChannel,
		Delay:         cfg.ProcessingDelay,
		SummaryPath:   cfg.SummaryFile,
		now:           time.Now,
		sleep:         utils.Sleep,
	}
}

// SetRunner swaps the command runner used by both the downloader and the clip script.
func (p *Pipeline) SetRunner(run utils.CommandRunner) {
	p.Downloader.Run = run
	p.Clipper.Run = run
}

func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

func (p *Pipeline) SetSleeper(sleep func(context.Context, time.Duration) error) { p.sleep = sleep }

// Run processes every new video once. Per-video failures land in the summary and do
// not stop the run; only cancellation does.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Date: p.now().Format("2006-01-02"), Results: []VideoResult{}}
	if len(p.Channels) == 0 {
		utils.Warn("no channels configured; nothing to generate")
		return summary, nil
	}

	videos := p.Monitor.CheckChannels(ctx, p.Channels, p.MaxPerChannel)
	utils.Info("generation start", "channels", len(p.Channels), "videos", len(videos))

	for i, video := range videos {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if i > 0 && p.Delay > 0 {
			if err := p.sleep(ctx, p.Delay); err != nil {
				return summary, err
			}
		}

		result := p.process(ctx, video)
		if result.Error != "" && ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Results = append(summary.Results, result)
	}

	succeeded := lo.Filter(summary.Results, func(r VideoResult, _ int) bool { return r.Error == "" })
	summary.VideosProcessed = len(succeeded)
	summary.TotalClips = lo.SumBy(succeeded, func(r VideoResult) int { return len(r.Clips) })

	if p.SummaryPath != "" {
		if err := utils.WriteJSONFile(p.SummaryPath, summary); err != nil {
			return summary, err
		}
	}
	utils.Info("generation done", "videos", summary.VideosProcessed, "clips", summary.TotalClips)
	return summary, nil
}

func (p *Pipeline) process(ctx context.Context, video Video) VideoResult {
	result := VideoResult{
		VideoID:    video.VideoID,
		VideoTitle: video.Title,
		VideoURL:   video.URL,
		Clips:      []string{},
	}
	fail := func(err error) VideoResult {
		utils.Error("video failed", "video_id", video.VideoID, "err", err)
		result.Error = err.Error()
		return result
	}

	path, err := p.Downloader.Download(ctx, video.URL, video.VideoID)
	if err != nil {
		return fail(err)
	}
	rendered, err := p.Clipper.Clip(ctx, path, video.Title)
	if err != nil {
		if errors.Is(err, ErrNoClipScript) {
			utils.Warn("clip script missing; video left unprocessed", "video_id", video.VideoID)
		}
		return fail(err)
	}
	result.Clips = rendered

	if err := p.Monitor.MarkProcessed(video.VideoID); err != nil {
		utils.Warn("processed cache write failed", "video_id", video.VideoID, "err", err)
	}
	utils.Info("video processed", "video_id", video.VideoID, "clips", len(rendered))
	return result
}

// LoadSummary reads the last daily summary; found is false before the first run.
func LoadSummary(path string) (Summary, bool, error) {
	var s Summary
	found, err := utils.ReadJSONFile(path, &s)
	return s, found, err
}
