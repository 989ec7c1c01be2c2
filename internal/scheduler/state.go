package scheduler

import (
	"strings"
	"sync/atomic"
)

// State is a set of activity flags. Generation and posting are independent, so both
// may be set at once.
type State uint32

const (
	StateIdle       State = 0
	StateGenerating State = 1 << 0
	StatePosting    State = 1 << 1
	StateStopped    State = 1 << 2
)

func (s State) Has(flag State) bool { return s&flag != 0 }

func (s State) String() string {
	if s == StateIdle {
		return "idle"
	}
	parts := []string{}
	if s.Has(StateGenerating) {
		parts = append(parts, "generating")
	}
	if s.Has(StatePosting) {
		parts = append(parts, "posting")
	}
	if s.Has(StateStopped) {
		parts = append(parts, "stopped")
	}
	return strings.Join(parts, "+")
}

type stateBox struct {
	v atomic.Uint32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

// enter sets flag unless it is already set or the automation has stopped.
func (b *stateBox) enter(flag State) bool {
	for {
		cur := b.v.Load()
		if State(cur).Has(flag) || State(cur).Has(StateStopped) {
			return false
		}
		if b.v.CompareAndSwap(cur, cur|uint32(flag)) {
			return true
		}
	}
}

func (b *stateBox) leave(flag State) {
	for {
		cur := b.v.Load()
		if b.v.CompareAndSwap(cur, cur&^uint32(flag)) {
			return
		}
	}
}

func (b *stateBox) set(s State) { b.v.Store(uint32(s)) }

// Outcome is what a single posting cycle did.
type Outcome int

const (
	OutcomeDisabled Outcome = iota
	OutcomeEmpty
	OutcomeDropped
	OutcomeNoAccounts
	OutcomeMissingCookies
	OutcomePosted
	OutcomeFailed
	OutcomeDeadLettered
	OutcomeDeferred
	OutcomeBusy
	OutcomeNoPoster
)

var outcomeNames = map[Outcome]string{
	OutcomeDisabled:       "disabled",
	OutcomeEmpty:          "empty",
	OutcomeDropped:        "dropped",
	OutcomeNoAccounts:     "no_accounts",
	OutcomeMissingCookies: "missing_cookies",
	OutcomePosted:         "posted",
	OutcomeFailed:         "failed",
	OutcomeDeadLettered:   "dead_lettered",
	OutcomeDeferred:       "deferred",
	OutcomeBusy:           "busy",
	OutcomeNoPoster:       "no_poster",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}
