package captions

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"clipfarm/manager-go/internal/utils"
	"github.com/samber/lo"
)

// LinkInBio stands in for a link when none is configured.
const LinkInBio = "Link in bio 🔗"

// RecentWindow is how many of the latest used URLs are avoided when alternatives exist.
const RecentWindow = 5

type Link struct {
	URL     string `json:"url"`
	Niche   string `json:"niche"`
	Weight  int    `json:"weight"`
	Enabled bool   `json:"enabled"`
}

type linksFile struct {
	Links []Link `json:"links"`
}

// Stats summarizes today's rotation.
type Stats struct {
	TotalLinks       int            `json:"total_links"`
	EnabledLinks     int            `json:"enabled_links"`
	UsedToday        int            `json:"used_today"`
	LinkDistribution map[string]int `json:"link_distribution"`
}

// Rotator hands out affiliate links, weighted and spread out over time.
// Usage is kept per day in the history file as {"2026-03-14": [url, ...]}.
type Rotator struct {
	linksPath   string
	historyPath string

	mu      sync.Mutex
	links   []Link
	history map[string][]string
	rng     *rand.Rand
	now     func() time.Time
}

// NewRotator loads the links file, creating a placeholder one when it is missing.
func NewRotator(linksPath, historyPath string) (*Rotator, error) {
	var lf linksFile
	found, err := utils.ReadJSONFile(linksPath, &lf)
	if err != nil {
		return nil, err
	}
	if !found {
		lf.Links = []Link{{URL: "", Niche: "general", Weight: 1, Enabled: true}}
		if err := utils.WriteJSONFile(linksPath, lf); err != nil {
			return nil, err
		}
	}

	history := map[string][]string{}
	if _, err := utils.ReadJSONFile(historyPath, &history); err != nil {
		utils.Warn("link history unreadable; starting fresh", "path", historyPath, "err", err)
		history = map[string][]string{}
	}

	return &Rotator{
		linksPath:   linksPath,
		historyPath: historyPath,
		links:       lf.Links,
		history:     history,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}, nil
}

func (r *Rotator) SetClock(now func() time.Time) { r.now = now }

func (r *Rotator) SetRand(rng *rand.Rand) { r.rng = rng }

func (r *Rotator) today() string { return r.now().Format("2006-01-02") }

// recent returns the last n URLs handed out, oldest first.
func (r *Rotator) recent(n int) []string {
	days := lo.Keys(r.history)
	sort.Strings(days)
	all := lo.FlatMap(days, func(day string, _ int) []string { return r.history[day] })
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Next picks a link for niche and records its use. ok is false when no usable link exists.
func (r *Rotator) Next(niche string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := lo.Filter(r.links, func(l Link, _ int) bool { return l.Enabled && strings.TrimSpace(l.URL) != "" })
	if len(candidates) == 0 {
		return "", false, nil
	}
	if inNiche := lo.Filter(candidates, func(l Link, _ int) bool { return nicheOf(l) == niche }); len(inNiche) > 0 {
		candidates = inNiche
	}
	recent := r.recent(RecentWindow)
	if fresh := lo.Filter(candidates, func(l Link, _ int) bool { return !lo.Contains(recent, l.URL) }); len(fresh) > 0 {
		candidates = fresh
	}

	chosen := r.weighted(candidates)
	day := r.today()
	r.history[day] = append(r.history[day], chosen.URL)
	if err := utils.WriteJSONFile(r.historyPath, r.history); err != nil {
		return chosen.URL, true, err
	}
	return chosen.URL, true, nil
}

func nicheOf(l Link) string {
	if l.Niche == "" {
		return "general"
	}
	return l.Niche
}

func (r *Rotator) weighted(links []Link) Link {
	weight := func(l Link) int { return max(l.Weight, 1) }
	total := lo.SumBy(links, weight)
	pick := r.rng.Intn(total)
	for _, l := range links {
		pick -= weight(l)
		if pick < 0 {
			return l
		}
	}
	return links[len(links)-1]
}

// Add appends a new enabled link and rewrites the links file. Duplicate URLs are rejected.
func (r *Rotator) Add(url, niche string, weight int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lo.ContainsBy(r.links, func(l Link) bool { return l.URL == url }) {
		return errors.New("link already exists: " + url)
	}
	r.links = append(r.links, Link{URL: url, Niche: niche, Weight: weight, Enabled: true})
	return utils.WriteJSONFile(r.linksPath, linksFile{Links: r.links})
}

func (r *Rotator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := r.history[r.today()]
	return Stats{
		TotalLinks:       len(r.links),
		EnabledLinks:     lo.CountBy(r.links, func(l Link) bool { return l.Enabled }),
		UsedToday:        len(used),
		LinkDistribution: lo.CountValues(used),
	}
}

// WithLink appends the rotated link to caption, or LinkInBio when nothing is configured.
func (r *Rotator) WithLink(caption, niche string) string {
	link, ok, err := r.Next(niche)
	if err != nil {
		utils.Warn("link history write failed", "err", err)
	}
	if !ok {
		link = LinkInBio
	}
	return strings.TrimRight(caption, "\n ") + "\n\n" + link
}
