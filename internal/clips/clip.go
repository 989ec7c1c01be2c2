package clips

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const DefaultCaption = "Check out this clip! 🔥"

// Clip is one rendered video waiting to be posted.
type Clip struct {
	ID        string    `json:"id,omitempty"`
	VideoPath string    `json:"video_path"`
	Caption   string    `json:"caption"`
	Platform  string    `json:"platform"`
	AddedAt   Timestamp `json:"added_at"`

	// StoreID links the entry to its row in the clip database, when it has one.
	StoreID string `json:"store_id,omitempty"`

	Attempts         int        `json:"attempts,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastAttemptAt    *Timestamp `json:"last_attempt_at,omitempty"`
	DeadLetteredAt   *Timestamp `json:"dead_lettered_at,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
}

// PlatformOrDefault treats entries without a platform as TikTok clips.
func (c Clip) PlatformOrDefault() string {
	if c.Platform == "" {
		return "tiktok"
	}
	return c.Platform
}

// Timestamp accepts RFC3339 as well as zone-less ISO timestamps written by older tooling.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NewTimestamp drops the monotonic clock reading so the value compares equal to its
// serialized form.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t.Round(0)} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		ts.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			ts.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised format %q", raw)
}
