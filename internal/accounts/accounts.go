package accounts

import (
	"fmt"
	"math/rand"
	"sort"

	"clipfarm/manager-go/internal/utils"
	"github.com/samber/lo"
)

// Account is one platform login backed by a saved cookie jar.
type Account struct {
	Username    string `json:"username"`
	CookiesFile string `json:"cookies_file"`
}

// Accounts groups accounts by platform, exactly as accounts.json stores them.
type Accounts map[string][]Account

// ID is the key used for per-account counters: "{platform}_{username}".
func ID(platform, username string) string {
	return platform + "_" + username
}

// Template is written when no accounts file exists. The cookie files it names do not
// exist yet, so every posting cycle re-queues until real sessions are saved.
func Template() Accounts {
	out := Accounts{}
	for _, platform := range []string{"tiktok", "instagram", "youtube"} {
		out[platform] = []Account{{
			Username:    "account1",
			CookiesFile: fmt.Sprintf("cookies/%s_account1.pkl", platform),
		}}
	}
	return out
}

// Load reads the accounts file, writing the template first when it is missing.
func Load(path string) (Accounts, error) {
	var accts Accounts
	found, err := utils.ReadJSONFile(path, &accts)
	if err != nil {
		return nil, err
	}
	if !found {
		utils.Warn("accounts file not found; writing template", "path", path)
		accts = Template()
		if err := utils.WriteJSONFile(path, accts); err != nil {
			return nil, fmt.Errorf("write accounts template: %w", err)
		}
		return accts, nil
	}
	if accts == nil {
		accts = Accounts{}
	}
	return accts, nil
}

// For returns the accounts configured for platform.
func (a Accounts) For(platform string) []Account {
	return a[platform]
}

// Pick chooses one account for platform uniformly at random.
func (a Accounts) Pick(platform string, rng *rand.Rand) (Account, bool) {
	list := a.For(platform)
	if len(list) == 0 {
		return Account{}, false
	}
	if rng == nil {
		return lo.Sample(list), true
	}
	return list[rng.Intn(len(list))], true
}

// Count returns the number of configured accounts per platform, for logging.
func (a Accounts) Count() map[string]int {
	return lo.MapValues(a, func(list []Account, _ string) int { return len(list) })
}

// Platforms returns the platforms that have at least one account, sorted.
func (a Accounts) Platforms() []string {
	out := lo.Filter(lo.Keys(a), func(p string, _ int) bool { return len(a[p]) > 0 })
	sort.Strings(out)
	return out
}
