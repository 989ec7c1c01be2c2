package pipeline

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"clipfarm/manager-go/internal/clips"
	"clipfarm/manager-go/internal/utils"
	"github.com/h2non/filetype"
)

// Found is a rendered clip picked up from the ready directory.
type Found struct {
	clips.Clip
	CaptionPath string
	StartTime   float64
	EndTime     float64
	Reason      string
}

type clipMeta struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Reason    string  `json:"reason"`
}

// Scan lists <readyDir>/<platform>/*.mp4 for each platform. The caption comes from the
// sibling .txt file, falling back to clips.DefaultCaption. An optional sibling .json
// carries start_time, end_time and reason. Files that don't sniff as video are skipped.
func Scan(readyDir string, platforms []string) ([]Found, error) {
	out := []Found{}
	for _, platform := range platforms {
		matches, err := filepath.Glob(filepath.Join(readyDir, platform, "*.mp4"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, videoPath := range matches {
			ok, err := isVideo(videoPath)
			if err != nil {
				utils.Warn("scan: unreadable clip", "path", videoPath, "err", err)
				continue
			}
			if !ok {
				utils.Warn("scan: not a video, skipping", "path", videoPath)
				continue
			}
			out = append(out, readFound(platform, videoPath))
		}
	}
	return out, nil
}

func readFound(platform, videoPath string) Found {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	f := Found{
		Clip: clips.Clip{
			VideoPath: videoPath,
			Caption:   clips.DefaultCaption,
			Platform:  platform,
		},
	}

	captionPath := base + ".txt"
	if raw, err := os.ReadFile(captionPath); err == nil {
		f.CaptionPath = captionPath
		if caption := strings.TrimSpace(string(raw)); caption != "" {
			f.Caption = caption
		}
	}

	var meta clipMeta
	if found, err := utils.ReadJSONFile(base+".json", &meta); err != nil {
		utils.Debug("scan: bad clip metadata", "path", base+".json", "err", err)
	} else if found {
		f.StartTime, f.EndTime, f.Reason = meta.StartTime, meta.EndTime, meta.Reason
	}
	return f
}

func isVideo(path string) (bool, error) {
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fh.Close()

	head := make([]byte, 262)
	n, err := io.ReadFull(fh, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return filetype.IsVideo(head[:n]), nil
}
