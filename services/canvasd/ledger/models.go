package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tokencanvas/services/canvasd/canvas"
)

// User is the durable per-wallet row. Username and PfpURL are written by an
// external enrichment job; canvasd only carries them through.
type User struct {
	WalletAddress string `gorm:"primaryKey;size:42"`
	TokenBalance  *int64
	Username      *string `gorm:"size:64"`
	PfpURL        *string `gorm:"size:512"`
	UpdatedAt     time.Time
}

// Pixel is one accepted placement. The table is append-only; the unique index
// makes replayed queue items and backup sweeps idempotent.
type Pixel struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	X             int       `gorm:"not null;uniqueIndex:idx_pixels_write,priority:1"`
	Y             int       `gorm:"not null;uniqueIndex:idx_pixels_write,priority:2"`
	Color         string    `gorm:"size:7;not null"`
	WalletAddress string    `gorm:"size:42;not null;index"`
	PlacedAt      time.Time `gorm:"not null;index;uniqueIndex:idx_pixels_write,priority:4"`
	// Version is nullable for rows written before versioning existed.
	Version      *int64  `gorm:"uniqueIndex:idx_pixels_write,priority:3"`
	Username     *string `gorm:"size:64"`
	PfpURL       *string `gorm:"size:512"`
	TokenBalance *int64
}

// BannedUser persists ban state. Unbans keep the row with Active=false.
type BannedUser struct {
	WalletAddress string `gorm:"primaryKey;size:42"`
	Reason        string `gorm:"size:256"`
	BannedBy      string `gorm:"size:42"`
	BannedAt      time.Time
	Active        bool `gorm:"not null;index"`
	UpdatedAt     time.Time
}

// BackupLog records each full-backup run of the queue processor.
type BackupLog struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Pixels     int
	Bans       int
	Status     string `gorm:"size:32"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time
	FinishedAt time.Time
}

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Pixel{},
		&BannedUser{},
		&BackupLog{},
	)
}

// ToCanvas converts the row into the domain pixel, applying the defaults for
// legacy rows.
func (p Pixel) ToCanvas() canvas.Pixel {
	return canvas.Pixel{
		X:             p.X,
		Y:             p.Y,
		Color:         p.Color,
		WalletAddress: p.WalletAddress,
		PlacedAt:      p.PlacedAt.UTC(),
		Version:       canvas.VersionOrDefault(p.Version),
		TokenBalance:  canvas.SnapshotBalance(p.TokenBalance),
	}
}

// ToProfile converts the row into the cached profile.
func (u User) ToProfile() canvas.UserProfile {
	return canvas.UserProfile{
		WalletAddress: u.WalletAddress,
		TokenBalance:  u.TokenBalance,
		Username:      u.Username,
		PfpURL:        u.PfpURL,
		UpdatedAt:     u.UpdatedAt.UTC(),
	}
}

// ToCanvas converts the row into the domain ban.
func (b BannedUser) ToCanvas() canvas.Ban {
	return canvas.Ban{
		WalletAddress: b.WalletAddress,
		Reason:        b.Reason,
		BannedBy:      b.BannedBy,
		BannedAt:      b.BannedAt.UTC(),
		Active:        b.Active,
	}
}
