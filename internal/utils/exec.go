package utils

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds any single external tool run (yt-dlp, clip script, uploader).
const DefaultCommandTimeout = 2 * time.Hour

// CommandRunner runs a shell command line and returns its combined output.
type CommandRunner func(ctx context.Context, command string, env ...string) (string, error)

// RunCommand runs command through `bash -lc`. Extra env entries ("KEY=value") are appended
// to the process environment. The command is killed when ctx is cancelled.
func RunCommand(ctx context.Context, command string, env ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()

	Logf("run: %s", command)

	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if Verbose && output.Len() > 0 {
			Logf("output (error):\n%s", strings.TrimRight(output.String(), "\n"))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output.String(), fmt.Errorf("command aborted: %w", ctxErr)
		}
		return output.String(), fmt.Errorf("command failed: %w", err)
	}
	if Verbose && output.Len() > 0 {
		Logf("output:\n%s", strings.TrimRight(output.String(), "\n"))
	}
	return output.String(), nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
