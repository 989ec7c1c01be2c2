package poster

import (
	"sync"
	"time"

	"clipfarm/manager-go/internal/utils"
)

const dateLayout = "2006-01-02"

// History is the persisted per-account daily post counter:
// account_id -> ISO date -> successful posts.
type History struct {
	mu     sync.RWMutex
	path   string
	counts map[string]map[string]int
}

// LoadHistory reads post_history.json. A missing file is an empty history.
func LoadHistory(path string) (*History, error) {
	h := &History{path: path, counts: map[string]map[string]int{}}
	if _, err := utils.ReadJSONFile(path, &h.counts); err != nil {
		return nil, err
	}
	if h.counts == nil {
		h.counts = map[string]map[string]int{}
	}
	return h, nil
}

// Count returns the successful posts for accountID on the local date of day.
func (h *History) Count(accountID string, day time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[accountID][day.Format(dateLayout)]
}

// Increment bumps the counter for accountID on day and rewrites the whole document.
func (h *History) Increment(accountID string, day time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	days, ok := h.counts[accountID]
	if !ok {
		days = map[string]int{}
		h.counts[accountID] = days
	}
	days[day.Format(dateLayout)]++
	return utils.WriteJSONFile(h.path, h.counts)
}

// Snapshot returns a deep copy, for the dashboard.
func (h *History) Snapshot() map[string]map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]map[string]int, len(h.counts))
	for id, days := range h.counts {
		cp := make(map[string]int, len(days))
		for d, n := range days {
			cp[d] = n
		}
		out[id] = cp
	}
	return out
}

// TotalOn sums every account's posts on day.
func (h *History) TotalOn(day time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key := day.Format(dateLayout)
	total := 0
	for _, days := range h.counts {
		total += days[key]
	}
	return total
}
