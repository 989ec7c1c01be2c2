package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clipfarm/manager-go/internal/clips"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mp4Header = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2avc1mp41")

const feedTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <title>Channel %[1]s</title>
 <entry>
  <id>yt:video:vid1</id>
  <yt:videoId>vid1</yt:videoId>
  <yt:channelId>%[1]s</yt:channelId>
  <title>First upload</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=vid1"/>
  <published>2026-03-13T10:00:00+00:00</published>
 </entry>
 <entry>
  <id>yt:video:vid2</id>
  <yt:videoId>vid2</yt:videoId>
  <yt:channelId>%[1]s</yt:channelId>
  <title>Second upload</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=vid2"/>
  <published>2026-03-12T10:00:00+00:00</published>
 </entry>
</feed>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel_id")
		if channel == "broken" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprintf(w, feedTemplate, channel)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestMonitorNewVideosSkipsProcessed(t *testing.T) {
	srv := feedServer(t)
	cache := filepath.Join(t.TempDir(), "processed_videos.json")
	writeFile(t, cache, []byte(`{"processed_videos": ["vid1"]}`))

	m := NewMonitor(srv.URL, cache)
	videos, err := m.NewVideos(context.Background(), "UC123", 3)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "vid2", videos[0].VideoID)
	assert.Equal(t, "Second upload", videos[0].Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=vid2", videos[0].URL)
	assert.Equal(t, "UC123", videos[0].ChannelID)
}

func TestMonitorMaxPerChannelAndBrokenChannel(t *testing.T) {
	srv := feedServer(t)
	m := NewMonitor(srv.URL, filepath.Join(t.TempDir(), "processed_videos.json"))

	videos := m.CheckChannels(context.Background(), []string{"broken", "UC1"}, 1)
	require.Len(t, videos, 1)
	assert.Equal(t, "vid1", videos[0].VideoID)
}

func TestMonitorMarkProcessedPersists(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "processed_videos.json")
	m := NewMonitor("http://unused", cache)
	require.NoError(t, m.MarkProcessed("b"))
	require.NoError(t, m.MarkProcessed("a"))

	raw, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.JSONEq(t, `{"processed_videos": ["a", "b"]}`, string(raw))
	assert.True(t, NewMonitor("http://unused", cache).IsProcessed("a"))
}

func TestDownloaderSkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	d := Downloader{OutputDir: dir, Run: func(context.Context, string, ...string) (string, error) {
		t.Fatal("runner should not be called")
		return "", nil
	}}
	writeFile(t, d.Path("abc"), mp4Header)

	path, err := d.Download(context.Background(), "https://youtu.be/abc", "abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc.mp4"), path)
}

func TestDownloaderBuildsCommand(t *testing.T) {
	dir := t.TempDir()
	var got string
	d := Downloader{Binary: "yt-dlp", OutputDir: dir}
	d.Run = func(_ context.Context, cmd string, _ ...string) (string, error) {
		got = cmd
		writeFile(t, d.Path("abc"), mp4Header)
		return "", nil
	}

	_, err := d.Download(context.Background(), "https://www.youtube.com/watch?v=abc", "abc")
	require.NoError(t, err)
	assert.Contains(t, got, "yt-dlp -f 'best[ext=mp4]/best' -o ")
	assert.Contains(t, got, "--no-playlist 'https://www.youtube.com/watch?v=abc'")
}

func TestDownloaderMissingOutputIsError(t *testing.T) {
	d := Downloader{OutputDir: t.TempDir(), Run: func(context.Context, string, ...string) (string, error) { return "", nil }}
	_, err := d.Download(context.Background(), "https://youtu.be/abc", "abc")
	require.Error(t, err)
}

func TestScanReadsCaptionsAndSkipsNonVideo(t *testing.T) {
	ready := t.TempDir()
	writeFile(t, filepath.Join(ready, "tiktok", "a.mp4"), mp4Header)
	writeFile(t, filepath.Join(ready, "tiktok", "a.txt"), []byte("  funny moment #fyp \n"))
	writeFile(t, filepath.Join(ready, "tiktok", "a.json"), []byte(`{"start_time": 12.5, "end_time": 48, "reason": "punchline"}`))
	writeFile(t, filepath.Join(ready, "youtube", "b.mp4"), mp4Header)
	writeFile(t, filepath.Join(ready, "youtube", "junk.mp4"), []byte("not a video at all"))
	writeFile(t, filepath.Join(ready, "youtube", "posted", "old.mp4"), mp4Header)

	found, err := Scan(ready, []string{"tiktok", "instagram", "youtube"})
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "tiktok", found[0].Platform)
	assert.Equal(t, "funny moment #fyp", found[0].Caption)
	assert.Equal(t, filepath.Join(ready, "tiktok", "a.txt"), found[0].CaptionPath)
	assert.Equal(t, 12.5, found[0].StartTime)
	assert.Equal(t, 48.0, found[0].EndTime)
	assert.Equal(t, "punchline", found[0].Reason)

	assert.Equal(t, "youtube", found[1].Platform)
	assert.Equal(t, clips.DefaultCaption, found[1].Caption)
	assert.Empty(t, found[1].CaptionPath)
}

type fakeRunner struct {
	mu       sync.Mutex
	ready    string
	commands []string
}

func (f *fakeRunner) run(_ context.Context, cmd string, _ ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	switch {
	case strings.HasPrefix(cmd, "yt-dlp"):
		fields := strings.Fields(cmd)
		for i, field := range fields {
			if field == "-o" {
				target := strings.Trim(fields[i+1], "'")
				if err := os.WriteFile(target, mp4Header, 0o644); err != nil {
					return "", err
				}
			}
		}
	case strings.HasPrefix(cmd, "clip.sh"):
		name := fmt.Sprintf("clip_%d.mp4", len(f.commands))
		dir := filepath.Join(f.ready, "tiktok")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return "ok", os.WriteFile(filepath.Join(dir, name), mp4Header, 0o644)
	}
	return "", nil
}

func newTestPipeline(t *testing.T, srv *httptest.Server) (*Pipeline, *fakeRunner, string) {
	t.Helper()
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready_to_post")
	runner := &fakeRunner{ready: ready}
	p := &Pipeline{
		Monitor:       NewMonitor(srv.URL, filepath.Join(dir, "processed_videos.json")),
		Downloader:    Downloader{Binary: "yt-dlp", OutputDir: filepath.Join(dir, "downloads")},
		Clipper:       Clipper{Script: "clip.sh", OutputDir: ready, MaxClips: 3, MinDuration: 30 * time.Second, MaxDuration: time.Minute},
		Channels:      []string{"UC1"},
		MaxPerChannel: 3,
		Delay:         5 * time.Second,
		SummaryPath:   filepath.Join(dir, "daily_summary.json"),
		now:           func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) },
		sleep:         func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	p.SetRunner(runner.run)
	return p, runner, dir
}

func TestPipelineRunWritesSummary(t *testing.T) {
	srv := feedServer(t)
	p, runner, dir := newTestPipeline(t, srv)

	var slept []time.Duration
	p.SetSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", summary.Date)
	assert.Equal(t, 2, summary.VideosProcessed)
	assert.Equal(t, 2, summary.TotalClips)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, "vid1", summary.Results[0].VideoID)
	assert.Len(t, summary.Results[0].Clips, 1)
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
	assert.Len(t, runner.commands, 4)
	assert.Contains(t, runner.commands[1], "'3' '30' '60' 'First upload'")

	saved, found, err := LoadSummary(filepath.Join(dir, "daily_summary.json"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, summary, saved)
	assert.True(t, p.Monitor.IsProcessed("vid1"))
	assert.True(t, p.Monitor.IsProcessed("vid2"))

	again, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.VideosProcessed)
}

func TestPipelineNoChannelsIsNoop(t *testing.T) {
	srv := feedServer(t)
	p, runner, dir := newTestPipeline(t, srv)
	p.Channels = nil

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.VideosProcessed)
	assert.Empty(t, runner.commands)
	assert.NoFileExists(t, filepath.Join(dir, "daily_summary.json"))
}

func TestPipelineMissingClipScriptLeavesVideoUnprocessed(t *testing.T) {
	srv := feedServer(t)
	p, _, _ := newTestPipeline(t, srv)
	p.Clipper.Script = ""

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.VideosProcessed)
	require.Len(t, summary.Results, 2)
	assert.Contains(t, summary.Results[0].Error, "clip_script")
	assert.False(t, p.Monitor.IsProcessed("vid1"))
}

func TestPipelineStopsOnCancel(t *testing.T) {
	srv := feedServer(t)
	p, _, _ := newTestPipeline(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	p.SetSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	summary, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, summary.Results, 1)
	assert.False(t, p.Monitor.IsProcessed("vid2"))
}
