// Package tier maps token balances onto placement cooldowns and protection
// windows. Resolution is pure and must be re-run on every decision because
// balances move between placements.
package tier

import (
	"fmt"
	"sort"
	"time"
)

// Tier is one balance bucket.
type Tier struct {
	Name       string        `json:"name"`
	MinTokens  int64         `json:"minTokens"`
	Cooldown   time.Duration `json:"-"`
	Protection time.Duration `json:"-"`
}

// CooldownSeconds exposes the cooldown in whole seconds.
func (t Tier) CooldownSeconds() int64 {
	return int64(t.Cooldown / time.Second)
}

// ProtectionHours exposes the protection window in hours.
func (t Tier) ProtectionHours() float64 {
	return t.Protection.Hours()
}

// Table is an immutable, ascending list of tiers. The first entry is the
// default tier returned for balances below every threshold.
type Table struct {
	tiers []Tier
}

// NewTable validates and sorts the supplied tiers.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table must not be empty")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinTokens < sorted[j].MinTokens })
	seen := make(map[int64]struct{}, len(sorted))
	for i, t := range sorted {
		if t.MinTokens < 0 {
			return nil, fmt.Errorf("tier %q: min tokens must not be negative", t.Name)
		}
		if t.Cooldown < 0 || t.Protection < 0 {
			return nil, fmt.Errorf("tier %q: durations must not be negative", t.Name)
		}
		if _, dup := seen[t.MinTokens]; dup {
			return nil, fmt.Errorf("tier %q: duplicate threshold %d", t.Name, t.MinTokens)
		}
		seen[t.MinTokens] = struct{}{}
		if t.Name == "" {
			sorted[i].Name = fmt.Sprintf("tier-%d", i)
		}
	}
	return &Table{tiers: sorted}, nil
}

// Default returns the stock tier table.
func Default() *Table {
	table, err := NewTable([]Tier{
		{Name: "base", MinTokens: 0, Cooldown: 30 * time.Second},
		{Name: "holder", MinTokens: 10_000, Cooldown: 20 * time.Second, Protection: time.Hour},
		{Name: "supporter", MinTokens: 100_000, Cooldown: 15 * time.Second, Protection: 6 * time.Hour},
		{Name: "whale", MinTokens: 1_000_000, Cooldown: 10 * time.Second, Protection: 24 * time.Hour},
		{Name: "leviathan", MinTokens: 10_000_000, Cooldown: 5 * time.Second, Protection: 48 * time.Hour},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Resolve picks the highest tier whose threshold does not exceed balance,
// falling back to the lowest tier.
func (t *Table) Resolve(balance int64) Tier {
	idx := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].MinTokens > balance })
	if idx == 0 {
		return t.tiers[0]
	}
	return t.tiers[idx-1]
}

// Tiers returns a copy of the table in ascending order.
func (t *Table) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// MaxCooldown is the longest cooldown any tier imposes.
func (t *Table) MaxCooldown() time.Duration {
	var max time.Duration
	for _, tier := range t.tiers {
		if tier.Cooldown > max {
			max = tier.Cooldown
		}
	}
	return max
}

// CheckMonotonic reports the first pair of tiers where a higher threshold
// grants less protection than a lower one.
func (t *Table) CheckMonotonic() error {
	for i := 1; i < len(t.tiers); i++ {
		if t.tiers[i].Protection < t.tiers[i-1].Protection {
			return fmt.Errorf("tier %q protects less than %q", t.tiers[i].Name, t.tiers[i-1].Name)
		}
	}
	return nil
}

// ProtectionRemaining returns how long a pixel placed at placedAt by an owner
// of tier owner stays protected. Exactly reaching the window counts as expired.
func ProtectionRemaining(owner Tier, placedAt, now time.Time) time.Duration {
	if owner.Protection <= 0 {
		return 0
	}
	elapsed := now.Sub(placedAt)
	if elapsed >= owner.Protection {
		return 0
	}
	return owner.Protection - elapsed
}
