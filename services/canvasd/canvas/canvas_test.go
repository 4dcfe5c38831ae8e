package canvas

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeColor(t *testing.T) {
	got, ok := NormalizeColor(" #E50000 ")
	if !ok || got != "#e50000" {
		t.Fatalf("expected palette colour, got %q ok=%v", got, ok)
	}
	if _, ok := NormalizeColor("#123456"); ok {
		t.Fatalf("expected off-palette colour to be rejected")
	}
	if len(Palette()) != 20 {
		t.Fatalf("expected 20 palette entries, got %d", len(Palette()))
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, ok := NormalizeAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	if !ok {
		t.Fatalf("expected valid address")
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected canonical address %q", got)
	}
	if _, ok := NormalizeAddress("not-an-address"); ok {
		t.Fatalf("expected invalid address to be rejected")
	}
}

func TestCellKeyRoundTrip(t *testing.T) {
	x, y, err := ParseCellKey(CellKey(399, 7))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if x != 399 || y != 7 {
		t.Fatalf("unexpected coordinates %d,%d", x, y)
	}
	if _, _, err := ParseCellKey("12"); err == nil {
		t.Fatalf("expected malformed key error")
	}
}

func TestBoundsAndDefaults(t *testing.T) {
	if !InBounds(0, 0) || !InBounds(GridSize-1, GridSize-1) {
		t.Fatalf("expected corners to be in bounds")
	}
	if InBounds(-1, 0) || InBounds(0, GridSize) {
		t.Fatalf("expected out-of-range coordinates to be rejected")
	}
	if NextVersion(0) != 1 || NextVersion(4) != 5 {
		t.Fatalf("unexpected next version")
	}
	if VersionOrDefault(nil) != 1 {
		t.Fatalf("missing version must default to 1")
	}
	if SnapshotBalance(nil) != 0 {
		t.Fatalf("missing snapshot must default to 0")
	}
}

func TestErrorDetails(t *testing.T) {
	cooldown := &CooldownError{Remaining: 1500 * time.Millisecond}
	if cooldown.RemainingSeconds() != 2 {
		t.Fatalf("expected remaining seconds rounded up, got %d", cooldown.RemainingSeconds())
	}
	protected := &ProtectedError{Remaining: 90 * time.Minute}
	if protected.HoursRemaining() != 1.5 {
		t.Fatalf("unexpected hours remaining %v", protected.HoursRemaining())
	}
	if err := InvalidInput("x=%d", 500); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input sentinel")
	}
	lockUntil := time.Unix(2000, 0)
	p := Pixel{LockUntil: &lockUntil}
	if !p.LockedAt(time.Unix(1999, 0)) || p.LockedAt(time.Unix(2000, 0)) {
		t.Fatalf("unexpected lock evaluation")
	}
}
