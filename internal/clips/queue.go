package clips

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"clipfarm/manager-go/internal/utils"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
)

var ErrNotFound = errors.New("clip not found")

// Queue is the file-backed FIFO of clips waiting to be posted, plus the dead-letter list of
// clips that failed too often. Both documents are rewritten wholesale by Save.
type Queue struct {
	mu          sync.Mutex
	path        string
	deadPath    string
	maxAttempts int
	items       []Clip
	dead        []Clip

	now func() time.Time
}

// Open loads the queue and dead-letter documents. An unreadable queue document is logged
// and replaced by an empty queue on the next Save.
func Open(path, deadLetterPath string, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	q := &Queue{
		path:        path,
		deadPath:    deadLetterPath,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	if _, err := utils.ReadJSONFile(path, &q.items); err != nil {
		utils.Warn("clip queue unreadable; starting empty", "path", path, "err", err)
		q.items = nil
	}
	if deadLetterPath != "" {
		if _, err := utils.ReadJSONFile(deadLetterPath, &q.dead); err != nil {
			return nil, err
		}
	}
	for i := range q.items {
		if q.items[i].ID == "" {
			q.items[i].ID = newID()
		}
	}
	utils.Debug("clip queue loaded", "path", path, "pending", len(q.items), "dead", len(q.dead))
	return q, nil
}

func newID() string {
	return gonanoid.Must(12)
}

// SetClock overrides the time source used for attempt bookkeeping.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Save persists the pending queue and the dead-letter list.
func (q *Queue) Save() error {
	q.mu.Lock()
	items := append([]Clip{}, q.items...)
	dead := append([]Clip{}, q.dead...)
	q.mu.Unlock()

	if err := utils.WriteJSONFile(q.path, items); err != nil {
		return fmt.Errorf("save clip queue: %w", err)
	}
	if q.deadPath != "" {
		if err := utils.WriteJSONFile(q.deadPath, dead); err != nil {
			return fmt.Errorf("save dead-letter queue: %w", err)
		}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending clips in queue order.
func (q *Queue) Items() []Clip {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Clip{}, q.items...)
}

// DeadLetters returns a copy of the dead-lettered clips.
func (q *Queue) DeadLetters() []Clip {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Clip{}, q.dead...)
}

// Contains reports whether videoPath is pending or dead-lettered.
func (q *Queue) Contains(videoPath string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.containsLocked(videoPath)
}

func (q *Queue) containsLocked(videoPath string) bool {
	match := func(c Clip) bool { return c.VideoPath == videoPath }
	return lo.ContainsBy(q.items, match) || lo.ContainsBy(q.dead, match)
}

// Add appends the clips whose video path is not already known and returns the ones added.
func (q *Queue) Add(candidates ...Clip) []Clip {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := []Clip{}
	for _, c := range candidates {
		if c.VideoPath == "" || q.containsLocked(c.VideoPath) {
			continue
		}
		if c.ID == "" {
			c.ID = newID()
		}
		if c.AddedAt.IsZero() {
			c.AddedAt = NewTimestamp(q.now())
		}
		q.items = append(q.items, c)
		added = append(added, c)
	}
	return added
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Clip, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Clip{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (Clip, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Clip{}, false
	}
	return q.items[0], true
}

// PushBack re-appends c unchanged.
func (q *Queue) PushBack(c Clip) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
}

// Fail records a failed post attempt for c. The clip goes back to the tail, or to the
// dead-letter list once it has used up its attempts. It reports whether c was dead-lettered.
func (q *Queue) Fail(c Clip, cause error) (Clip, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := NewTimestamp(q.now())
	c.Attempts++
	c.LastAttemptAt = &now
	if cause != nil {
		c.LastError = cause.Error()
	}
	if c.Attempts >= q.maxAttempts {
		c.DeadLetteredAt = &now
		c.DeadLetterReason = fmt.Sprintf("failed %d attempts: %s", c.Attempts, c.LastError)
		q.dead = append(q.dead, c)
		return c, true
	}
	q.items = append(q.items, c)
	return c, false
}

// Requeue moves a dead-lettered clip back to the tail of the queue with a fresh attempt budget.
func (q *Queue) Requeue(id string) (Clip, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, idx, ok := lo.FindIndexOf(q.dead, func(c Clip) bool { return c.ID == id })
	if !ok {
		return Clip{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	c := q.dead[idx]
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)

	c.Attempts = 0
	c.LastError = ""
	c.LastAttemptAt = nil
	c.DeadLetteredAt = nil
	c.DeadLetterReason = ""
	q.items = append(q.items, c)
	return c, nil
}
