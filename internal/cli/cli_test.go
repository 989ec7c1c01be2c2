package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractGlobalVerbose(t *testing.T) {
	cases := []struct {
		name    string
		in      []string
		want    []string
		verbose bool
	}{
		{"absent", []string{"manager", "queue:list"}, []string{"manager", "queue:list"}, false},
		{"before command", []string{"manager", "--verbose", "queue:list"}, []string{"manager", "queue:list"}, true},
		{"after command", []string{"manager", "clips:post", "-verbose", "--no-delay"}, []string{"manager", "clips:post", "--no-delay"}, true},
		{"explicit false", []string{"manager", "--verbose=false", "db:migrate"}, []string{"manager", "db:migrate"}, false},
		{"bad value ignored", []string{"manager", "-verbose=maybe"}, []string{"manager"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, verbose := extractGlobalVerbose(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.verbose, verbose)
		})
	}
}

func TestRunUsageAndUnknownCommand(t *testing.T) {
	assert.Equal(t, 1, Run([]string{"manager"}))
	assert.Equal(t, 0, Run([]string{"manager", "help"}))
	assert.Equal(t, 1, Run([]string{"manager", "nope:nothing"}))
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func testApp(t *testing.T) *app {
	dir := t.TempDir()
	return &app{cfg: config.Config{
		QueueFile:      filepath.Join(dir, "clips_queue.json"),
		DeadLetterFile: filepath.Join(dir, "clips_dead_letter.json"),
		AccountsFile:   filepath.Join(dir, "accounts.json"),
		CookiesDir:     filepath.Join(dir, "cookies"),
		HealthFile:     filepath.Join(dir, "account_health.json"),
		MaxAttempts:    1,
	}}
}

func TestQueueRequeueCommand(t *testing.T) {
	a := testApp(t)
	q, err := a.openQueue()
	require.NoError(t, err)
	added := q.Add(clips.Clip{VideoPath: "/clips/a.mp4", Platform: "tiktok"})
	require.Len(t, added, 1)
	q.Pop()
	_, dead := q.Fail(added[0], assert.AnError)
	require.True(t, dead)
	require.NoError(t, q.Save())

	out := captureStdout(t)
	require.NoError(t, runQueueRequeue(context.Background(), a, []string{added[0].ID}))
	assert.Contains(t, out.String(), "/clips/a.mp4")

	reloaded, err := a.openQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	assert.Empty(t, reloaded.DeadLetters())

	assert.Error(t, runQueueRequeue(context.Background(), a, nil))
	assert.Error(t, runQueueRequeue(context.Background(), a, []string{"missing"}))
}

func TestQueueListCommand(t *testing.T) {
	a := testApp(t)
	q, err := a.openQueue()
	require.NoError(t, err)
	q.Add(clips.Clip{VideoPath: "/clips/b.mp4"})
	require.NoError(t, q.Save())

	out := captureStdout(t)
	require.NoError(t, runQueueList(context.Background(), a, nil))
	assert.Contains(t, out.String(), "/clips/b.mp4")
}

func TestAccountsInitWritesTemplate(t *testing.T) {
	a := testApp(t)
	out := captureStdout(t)
	require.NoError(t, runAccountsInit(context.Background(), a, nil))
	assert.FileExists(t, a.cfg.AccountsFile)
	assert.DirExists(t, a.cfg.CookiesDir)
	assert.Contains(t, out.String(), `"tiktok": 1`)
}
