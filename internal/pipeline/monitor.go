package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"clipfarm/manager-go/internal/utils"
	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
)

// Video is one upload discovered on a monitored channel.
type Video struct {
	VideoID   string    `json:"video_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	ChannelID string    `json:"channel_id"`
	Published time.Time `json:"published"`
}

type processedCache struct {
	ProcessedVideos []string `json:"processed_videos"`
}

// Monitor polls YouTube channel RSS feeds and remembers which videos were already processed.
type Monitor struct {
	baseURL   string
	cachePath string
	parser    *gofeed.Parser

	mu        sync.Mutex
	processed map[string]bool
}

func NewMonitor(feedBaseURL, cachePath string) *Monitor {
	var cache processedCache
	if _, err := utils.ReadJSONFile(cachePath, &cache); err != nil {
		utils.Warn("processed video cache unreadable; starting fresh", "path", cachePath, "err", err)
	}
	return &Monitor{
		baseURL:   feedBaseURL,
		cachePath: cachePath,
		parser:    gofeed.NewParser(),
		processed: lo.SliceToMap(cache.ProcessedVideos, func(id string) (string, bool) { return id, true }),
	}
}

func (m *Monitor) feedURL(channelID string) string {
	return m.baseURL + "?channel_id=" + url.QueryEscape(channelID)
}

// ChannelVideos lists up to max entries of a channel's feed, newest first as served.
func (m *Monitor) ChannelVideos(ctx context.Context, channelID string, max int) ([]Video, error) {
	feed, err := m.parser.ParseURLWithContext(m.feedURL(channelID), ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", channelID, err)
	}
	out := []Video{}
	for _, item := range feed.Items {
		if max > 0 && len(out) >= max {
			break
		}
		id := videoID(item)
		if id == "" {
			continue
		}
		v := Video{VideoID: id, Title: item.Title, URL: item.Link, ChannelID: channelID}
		if item.PublishedParsed != nil {
			v.Published = *item.PublishedParsed
		}
		out = append(out, v)
	}
	return out, nil
}

func videoID(item *gofeed.Item) string {
	if ext, ok := item.Extensions["yt"]["videoId"]; ok && len(ext) > 0 && ext[0].Value != "" {
		return ext[0].Value
	}
	if strings.HasPrefix(item.GUID, "yt:video:") {
		return strings.TrimPrefix(item.GUID, "yt:video:")
	}
	if parsed, err := url.Parse(item.Link); err == nil {
		return parsed.Query().Get("v")
	}
	return ""
}

// NewVideos returns the channel's unprocessed videos, at most max of them.
func (m *Monitor) NewVideos(ctx context.Context, channelID string, max int) ([]Video, error) {
	// Look further back than max so already-processed uploads don't hide new ones.
	videos, err := m.ChannelVideos(ctx, channelID, 0)
	if err != nil {
		return nil, err
	}
	fresh := lo.Filter(videos, func(v Video, _ int) bool { return !m.IsProcessed(v.VideoID) })
	if max > 0 && len(fresh) > max {
		fresh = fresh[:max]
	}
	return fresh, nil
}

// CheckChannels collects new videos across channels. A failing channel is logged and skipped.
func (m *Monitor) CheckChannels(ctx context.Context, channelIDs []string, maxPerChannel int) []Video {
	out := []Video{}
	for _, id := range channelIDs {
		if ctx.Err() != nil {
			break
		}
		videos, err := m.NewVideos(ctx, id, maxPerChannel)
		if err != nil {
			utils.Warn("channel check failed", "channel", id, "err", err)
			continue
		}
		utils.Info("channel checked", "channel", id, "new", len(videos))
		out = append(out, videos...)
	}
	return out
}

func (m *Monitor) IsProcessed(videoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[videoID]
}

// MarkProcessed records videoID and rewrites the cache file.
func (m *Monitor) MarkProcessed(videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[videoID] = true
	ids := lo.Keys(m.processed)
	sort.Strings(ids)
	return utils.WriteJSONFile(m.cachePath, processedCache{ProcessedVideos: ids})
}
