package tier

import (
	"testing"
	"time"
)

func TestResolveDefaultTable(t *testing.T) {
	table := Default()
	cases := []struct {
		balance int64
		want    string
	}{
		{-5, "base"},
		{0, "base"},
		{9_999, "base"},
		{10_000, "holder"},
		{500_000, "supporter"},
		{1_000_000, "whale"},
		{2_000_000, "whale"},
		{10_000_000, "leviathan"},
	}
	for _, tc := range cases {
		if got := table.Resolve(tc.balance); got.Name != tc.want {
			t.Fatalf("balance %d: expected %s got %s", tc.balance, tc.want, got.Name)
		}
	}
}

func TestResolveIsMonotonic(t *testing.T) {
	table := Default()
	if err := table.CheckMonotonic(); err != nil {
		t.Fatalf("default table: %v", err)
	}
	balances := []int64{0, 1, 9_999, 10_000, 50_000, 100_000, 999_999, 1_000_000, 5_000_000, 10_000_000, 1 << 40}
	for i := 1; i < len(balances); i++ {
		lo := table.Resolve(balances[i-1])
		hi := table.Resolve(balances[i])
		if hi.Protection < lo.Protection {
			t.Fatalf("protection decreased between %d and %d", balances[i-1], balances[i])
		}
	}
}

func TestNewTableValidation(t *testing.T) {
	if _, err := NewTable(nil); err == nil {
		t.Fatalf("expected empty table to fail")
	}
	if _, err := NewTable([]Tier{{MinTokens: 1}, {MinTokens: 1}}); err == nil {
		t.Fatalf("expected duplicate thresholds to fail")
	}
	table, err := NewTable([]Tier{{Name: "b", MinTokens: 100, Protection: time.Hour}, {Name: "a", MinTokens: 5}})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if got := table.Resolve(0); got.Name != "a" {
		t.Fatalf("expected lowest tier as fallback, got %s", got.Name)
	}
	if err := table.CheckMonotonic(); err != nil {
		t.Fatalf("unexpected monotonic error: %v", err)
	}
	inverted, _ := NewTable([]Tier{{Name: "a", MinTokens: 0, Protection: time.Hour}, {Name: "b", MinTokens: 10}})
	if err := inverted.CheckMonotonic(); err == nil {
		t.Fatalf("expected inverted table to fail monotonic check")
	}
}

func TestProtectionBoundary(t *testing.T) {
	owner := Tier{Protection: 24 * time.Hour}
	placed := time.Unix(1_700_000_000, 0)
	if got := ProtectionRemaining(owner, placed, placed.Add(23*time.Hour)); got != time.Hour {
		t.Fatalf("expected one hour remaining, got %s", got)
	}
	if got := ProtectionRemaining(owner, placed, placed.Add(24*time.Hour)); got != 0 {
		t.Fatalf("exact boundary must count as expired, got %s", got)
	}
	if got := ProtectionRemaining(Tier{}, placed, placed); got != 0 {
		t.Fatalf("zero-protection tier must never protect")
	}
}

func TestMaxCooldown(t *testing.T) {
	if got := Default().MaxCooldown(); got != 30*time.Second {
		t.Fatalf("unexpected max cooldown %s", got)
	}
}
