package poster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"clipfarm/manager-go/internal/utils"
)

var (
	uploadedPattern = regexp.MustCompile(`Video id '([^']+)' was successfully uploaded`)
	authPattern     = regexp.MustCompile(`(?i)(session (has )?expired|login required|not logged in|cookies? (are |is )?(expired|invalid))`)
)

// ScriptPoster drives an external upload script for one platform. The script is called as
// `<command> <video> <caption> <cookies_file>` and must exit non-zero on failure.
type ScriptPoster struct {
	Platform string
	Command  string
	WorkDir  string
	Headless bool
	Run      utils.CommandRunner
}

func (s ScriptPoster) Post(ctx context.Context, videoPath, caption, cookiesFile string) error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("no upload script configured for %s", s.Platform)
	}
	run := s.Run
	if run == nil {
		run = utils.RunCommand
	}

	cmd := fmt.Sprintf("%s %s 2>&1", s.Command, utils.ShellJoin(videoPath, caption, cookiesFile))
	if s.WorkDir != "" {
		cmd = fmt.Sprintf("cd %s && %s", utils.ShellEscape(s.WorkDir), cmd)
	}
	env := []string{"CLIPFARM_PLATFORM=" + s.Platform}
	if s.Headless {
		env = append(env, "CLIPFARM_HEADLESS=1")
	}

	output, err := run(ctx, cmd, env...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if authPattern.MatchString(output) {
			return fmt.Errorf("%s upload: %w", s.Platform, ErrAuthExpired)
		}
		return fmt.Errorf("%s upload: %w: %s", s.Platform, err, lastLine(output))
	}
	if m := uploadedPattern.FindStringSubmatch(output); len(m) == 2 {
		utils.Info("upload confirmed", "platform", s.Platform, "video_id", m[1])
	}
	return nil
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return output[i+1:]
	}
	return output
}
