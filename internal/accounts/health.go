package accounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"clipfarm/manager-go/internal/utils"
)

// CookieLifetime is how long a saved session is assumed to stay valid.
const CookieLifetime = 30

const (
	StatusHealthy      = "healthy"
	StatusExpiringSoon = "expiring_soon"
	StatusExpired      = "expired"
	StatusUnknown      = "unknown"
)

type healthRecord struct {
	Platform      string `json:"platform"`
	Account       string `json:"account"`
	LastUpdated   string `json:"last_updated"`
	ExpiresInDays int    `json:"expires_in_days"`
	Expired       bool   `json:"expired,omitempty"`
}

// Health is the computed state of one account's session cookies.
type Health struct {
	Platform        string `json:"platform"`
	Account         string `json:"account"`
	CookieFile      string `json:"cookie_file"`
	LastUpdated     string `json:"last_updated,omitempty"`
	DaysUntilExpiry *int   `json:"days_until_expiry"`
	Status          string `json:"status"`
	FileExists      bool   `json:"file_exists"`
}

// HealthTracker keeps account_health.json: when each account's cookies were last refreshed.
type HealthTracker struct {
	mu         sync.Mutex
	path       string
	cookiesDir string
	records    map[string]healthRecord
	now        func() time.Time
}

func NewHealthTracker(path, cookiesDir string) (*HealthTracker, error) {
	t := &HealthTracker{
		path:       path,
		cookiesDir: cookiesDir,
		records:    map[string]healthRecord{},
		now:        time.Now,
	}
	if _, err := utils.ReadJSONFile(path, &t.records); err != nil {
		utils.Warn("account health unreadable; starting fresh", "path", path, "err", err)
		t.records = map[string]healthRecord{}
	}
	return t, nil
}

// SetClock overrides the time source.
func (t *HealthTracker) SetClock(now func() time.Time) { t.now = now }

// Touch records that platform/account cookies were refreshed now.
func (t *HealthTracker) Touch(platform, account string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[ID(platform, account)] = healthRecord{
		Platform:      platform,
		Account:       account,
		LastUpdated:   t.now().Format(time.RFC3339),
		ExpiresInDays: CookieLifetime,
	}
	return utils.WriteJSONFile(t.path, t.records)
}

// MarkExpired flags an account whose session was rejected by the platform.
func (t *HealthTracker) MarkExpired(platform, account string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ID(platform, account)
	rec := t.records[key]
	rec.Platform = platform
	rec.Account = account
	rec.Expired = true
	t.records[key] = rec
	return utils.WriteJSONFile(t.path, t.records)
}

// SaveCookie stores an uploaded cookie jar as cookies/<platform>_<account>.pkl and stamps it.
func (t *HealthTracker) SaveCookie(platform, account string, data []byte) (string, error) {
	if platform == "" || account == "" {
		return "", fmt.Errorf("platform and account are required")
	}
	if strings.ContainsAny(platform+account, `/\`) {
		return "", fmt.Errorf("invalid account name %q", account)
	}
	if err := utils.EnsureDir(t.cookiesDir); err != nil {
		return "", err
	}
	path := filepath.Join(t.cookiesDir, ID(platform, account)+".pkl")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("save cookie: %w", err)
	}
	return path, t.Touch(platform, account)
}

// Report lists health for every cookie jar found in the cookies directory.
func (t *HealthTracker) Report() ([]Health, error) {
	files, err := filepath.Glob(filepath.Join(t.cookiesDir, "*.pkl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Health{}
	for _, file := range files {
		stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		platform, account, ok := strings.Cut(stem, "_")
		if !ok || account == "" {
			continue
		}
		rec, known := t.records[ID(platform, account)]
		h := Health{
			Platform:   platform,
			Account:    account,
			CookieFile: file,
			Status:     StatusUnknown,
			FileExists: utils.FileExists(file),
		}
		if known && rec.LastUpdated != "" {
			h.LastUpdated = rec.LastUpdated
			if last, err := time.Parse(time.RFC3339, rec.LastUpdated); err == nil {
				days := CookieLifetime - int(t.now().Sub(last).Hours()/24)
				h.DaysUntilExpiry = &days
				h.Status = statusFor(days)
			}
		}
		if known && rec.Expired {
			h.Status = StatusExpired
		}
		out = append(out, h)
	}
	return out, nil
}

func statusFor(daysUntilExpiry int) string {
	switch {
	case daysUntilExpiry > 7:
		return StatusHealthy
	case daysUntilExpiry > 0:
		return StatusExpiringSoon
	default:
		return StatusExpired
	}
}
