package db

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	StatusPending = "pending"
	StatusPosted  = "posted"
	StatusFailed  = "failed"
)

// HeartbeatTimeout is how stale a worker heartbeat may be before the worker counts as offline.
const HeartbeatTimeout = 120 * time.Second

const defaultLimit = 100

// DefaultSettings are seeded by Migrate when absent.
var DefaultSettings = map[string]string{
	"auto_posting_enabled":   "1",
	"auto_posting_tiktok":    "1",
	"auto_posting_instagram": "1",
	"auto_posting_youtube":   "1",
}

type Clip struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	VideoPath    string     `json:"video_path"`
	CaptionPath  string     `json:"caption_path,omitempty"`
	Caption      string     `json:"caption"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status"`
	StartTime    float64    `json:"start_time"`
	EndTime      float64    `json:"end_time"`
	Reason       string     `json:"reason,omitempty"`
	StorageURL   string     `json:"storage_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
}

// NewClip is the input to AddClip.
type NewClip struct {
	Filename    string
	VideoPath   string
	Platform    string
	Caption     string
	CaptionPath string
	StartTime   float64
	EndTime     float64
	Reason      string
	StorageURL  string
}

type ClipFilter struct {
	Status   string
	Platform string
	Limit    int
}

type PostRecord struct {
	ClipID       string
	Platform     string
	Account      string
	Success      bool
	ErrorMessage string
}

type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

type Analytics struct {
	Pending    int `json:"pending"`
	Posted     int `json:"posted"`
	Failed     int `json:"failed"`
	PostsToday int `json:"posts_today"`
	TotalClips int `json:"total_clips"`
}

type WorkerStatus struct {
	WorkerID string     `json:"worker_id"`
	LastSeen *time.Time `json:"last_seen"`
	Online   bool       `json:"online"`
}

// Store is the clip database. Exactly one implementation is selected at startup by Open.
// Calls are independent: nothing spans more than one call, and a retried write may apply twice.
type Store interface {
	Migrate(ctx context.Context) error

	AddClip(ctx context.Context, clip NewClip) (string, error)
	GetClips(ctx context.Context, filter ClipFilter) ([]Clip, error)
	GetClipByID(ctx context.Context, id string) (Clip, error)
	UpdateClipStatus(ctx context.Context, id, status, errorMessage string) error
	RecordPost(ctx context.Context, post PostRecord) error

	AddLog(ctx context.Context, level, component, message string) error
	GetLogs(ctx context.Context, component string, limit int) ([]LogEntry, error)

	GetSetting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetSettings(ctx context.Context) (map[string]string, error)

	GetAnalytics(ctx context.Context) (Analytics, error)

	UpdateHeartbeat(ctx context.Context, workerID string) error
	GetWorkerStatus(ctx context.Context, workerID string) (WorkerStatus, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func postStatus(success bool) string {
	if success {
		return StatusPosted
	}
	return StatusFailed
}

func workerStatus(workerID string, lastSeen *time.Time, now time.Time) WorkerStatus {
	ws := WorkerStatus{WorkerID: workerID, LastSeen: lastSeen}
	if lastSeen != nil {
		ws.Online = now.Sub(*lastSeen) < HeartbeatTimeout
	}
	return ws
}
