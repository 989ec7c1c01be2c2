package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"clipfarm/manager-go/internal/utils"
	"github.com/samber/lo"
)

var ErrNoClipScript = errors.New("generation.clip_script is not configured")

// Clipper runs the external clip script against one downloaded video. The script
// is expected to leave .mp4/.txt pairs under OutputDir/<platform>/.
type Clipper struct {
	Script      string
	OutputDir   string
	MaxClips    int
	MinDuration time.Duration
	MaxDuration time.Duration
	Run         utils.CommandRunner
}

// Clip returns the clip files that appeared under OutputDir while the script ran.
func (c Clipper) Clip(ctx context.Context, videoPath, title string) ([]string, error) {
	if c.Script == "" {
		return nil, ErrNoClipScript
	}
	run := c.Run
	if run == nil {
		run = utils.RunCommand
	}
	before := lo.SliceToMap(renderedClips(c.OutputDir), func(p string) (string, bool) { return p, true })

	cmd := fmt.Sprintf("%s %s", c.Script, utils.ShellJoin(
		videoPath,
		c.OutputDir,
		strconv.Itoa(c.MaxClips),
		strconv.Itoa(int(c.MinDuration.Seconds())),
		strconv.Itoa(int(c.MaxDuration.Seconds())),
		title,
	))
	out, err := run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("clip script: %w", err)
	}
	utils.Debug("clip script output", "video", videoPath, "output", out)

	return lo.Filter(renderedClips(c.OutputDir), func(p string, _ int) bool { return !before[p] }), nil
}

func renderedClips(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.mp4"))
	if err != nil {
		return nil
	}
	return matches
}
