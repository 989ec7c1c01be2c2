package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"clipfarm/manager-go/internal/utils"
)

// Downloader fetches source videos with yt-dlp.
type Downloader struct {
	Binary    string
	OutputDir string
	Run       utils.CommandRunner
}

// Path is where videoID is (or will be) stored.
func (d Downloader) Path(videoID string) string {
	return filepath.Join(d.OutputDir, videoID+".mp4")
}

// Download saves videoURL as <OutputDir>/<videoID>.mp4, skipping the download if it exists.
func (d Downloader) Download(ctx context.Context, videoURL, videoID string) (string, error) {
	target := d.Path(videoID)
	if utils.FileExists(target) {
		utils.Debug("download cached", "video_id", videoID, "path", target)
		return target, nil
	}
	if err := utils.EnsureDir(d.OutputDir); err != nil {
		return "", err
	}
	run := d.Run
	if run == nil {
		run = utils.RunCommand
	}
	binary := d.Binary
	if binary == "" {
		binary = "yt-dlp"
	}

	cmd := fmt.Sprintf("%s -f %s -o %s --no-playlist %s",
		binary,
		utils.ShellEscape("best[ext=mp4]/best"),
		utils.ShellEscape(target),
		utils.ShellEscape(videoURL),
	)
	utils.Info("download start", "video_id", videoID, "url", videoURL)
	if _, err := run(ctx, cmd); err != nil {
		return "", fmt.Errorf("download %s: %w", videoID, err)
	}
	if !utils.FileExists(target) {
		return "", fmt.Errorf("download %s: yt-dlp finished but %s is missing", videoID, target)
	}
	return target, nil
}
