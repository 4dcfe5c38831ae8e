package canvas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GridSize bounds both axes of the canvas: 0 <= x, y < GridSize.
const GridSize = 400

// Pixel is the latest accepted state of one occupied cell.
type Pixel struct {
	X             int        `json:"x"`
	Y             int        `json:"y"`
	Color         string     `json:"color"`
	WalletAddress string     `json:"wallet_address"`
	PlacedAt      time.Time  `json:"placed_at"`
	Version       int64      `json:"version"`
	TokenBalance  int64      `json:"token_balance"`
	LockUntil     *time.Time `json:"lock_until,omitempty"`
}

// Key returns the store field identifying the pixel's cell.
func (p Pixel) Key() string {
	return CellKey(p.X, p.Y)
}

// LockedAt reports whether an explicit lock forbids overwrites at the supplied time.
func (p Pixel) LockedAt(now time.Time) bool {
	return p.LockUntil != nil && p.LockUntil.After(now)
}

// HistoryEntry is one accepted placement in the append-only activity feed.
type HistoryEntry struct {
	X             int       `json:"x"`
	Y             int       `json:"y"`
	Color         string    `json:"color"`
	WalletAddress string    `json:"wallet_address"`
	PlacedAt      time.Time `json:"placed_at"`
	Version       int64     `json:"version"`
}

// EntryFor derives the history entry recorded for an accepted pixel.
func EntryFor(p Pixel) HistoryEntry {
	return HistoryEntry{
		X:             p.X,
		Y:             p.Y,
		Color:         p.Color,
		WalletAddress: p.WalletAddress,
		PlacedAt:      p.PlacedAt,
		Version:       p.Version,
	}
}

// UserProfile is the per-wallet record mirrored into the ledger's users table.
// Username and PfpURL belong to an external enrichment collaborator and are
// only carried through, never computed here.
type UserProfile struct {
	WalletAddress string    `json:"wallet_address"`
	TokenBalance  *int64    `json:"token_balance,omitempty"`
	Username      *string   `json:"username,omitempty"`
	PfpURL        *string   `json:"pfp_url,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Ban records a permanent placement ban. Inactive records persist unbans.
type Ban struct {
	WalletAddress string    `json:"wallet_address"`
	Reason        string    `json:"reason,omitempty"`
	BannedBy      string    `json:"banned_by,omitempty"`
	BannedAt      time.Time `json:"banned_at"`
	Active        bool      `json:"active"`
}

// CellKey renders the canonical "x:y" identifier of a cell.
func CellKey(x, y int) string {
	return strconv.Itoa(x) + ":" + strconv.Itoa(y)
}

// ParseCellKey reverses CellKey.
func ParseCellKey(key string) (int, int, error) {
	xs, ys, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cell key %q", key)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cell key %q: %w", key, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cell key %q: %w", key, err)
	}
	return x, y, nil
}

// InBounds reports whether the coordinate lies on the canvas.
func InBounds(x, y int) bool {
	return x >= 0 && x < GridSize && y >= 0 && y < GridSize
}

// NextVersion returns the version an accepted write over observed produces.
// An empty cell is observed as version 0, so first placements yield 1.
func NextVersion(observed int64) int64 {
	if observed < 0 {
		observed = 0
	}
	return observed + 1
}

// VersionOrDefault resolves a persisted version that may be absent in legacy rows.
func VersionOrDefault(v *int64) int64 {
	if v == nil || *v <= 0 {
		return 1
	}
	return *v
}

// SnapshotBalance resolves the owner balance frozen on a legacy record.
func SnapshotBalance(v *int64) int64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}
