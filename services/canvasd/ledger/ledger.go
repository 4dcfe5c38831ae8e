// Package ledger is the durable relational record of the canvas. It only
// ever receives writes from the queue processor and only serves reads to the
// cache rebuilder.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Ledger wraps the gorm handle.
type Ledger struct {
	db *gorm.DB
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Open connects to the configured database and applies migrations.
func Open(driver, dsn string) (*Ledger, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return New(db), nil
}

// DB exposes the gorm handle.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

// Ping checks database reachability.
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertUsers writes profile rows keyed by wallet address. Null fields in an
// incoming row never clear a stored value.
func (l *Ledger) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"token_balance": gorm.Expr("COALESCE(excluded.token_balance, users.token_balance)"),
			"username":      gorm.Expr("COALESCE(excluded.username, users.username)"),
			"pfp_url":       gorm.Expr("COALESCE(excluded.pfp_url, users.pfp_url)"),
			"updated_at":    gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&users).Error
}

// EnsureUsers inserts stub rows for addresses without one. Existing rows are
// left untouched.
func (l *Ledger) EnsureUsers(ctx context.Context, addresses []string, now time.Time) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	stubs := make([]User, 0, len(addresses))
	for _, addr := range addresses {
		stubs = append(stubs, User{WalletAddress: addr, UpdatedAt: now.UTC()})
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&stubs)
	return res.RowsAffected, res.Error
}

// InsertPixels appends placement rows. Rows already present are skipped.
func (l *Ledger) InsertPixels(ctx context.Context, pixels []Pixel) (int64, error) {
	if len(pixels) == 0 {
		return 0, nil
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&pixels)
	return res.RowsAffected, res.Error
}

// UpsertBans writes ban state keyed by wallet address.
func (l *Ledger) UpsertBans(ctx context.Context, bans []BannedUser) error {
	if len(bans) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "banned_by", "banned_at", "active", "updated_at"}),
	}).Create(&bans).Error
}

// RecordBackup stores a backup log row.
func (l *Ledger) RecordBackup(ctx context.Context, entry BackupLog) error {
	if entry.ID == uuid.Nil {
		return fmt.Errorf("backup log id required")
	}
	return l.db.WithContext(ctx).Create(&entry).Error
}

// StreamPixels calls fn with successive batches of pixel rows ordered by
// placement time.
func (l *Ledger) StreamPixels(ctx context.Context, batch int, fn func([]Pixel) error) error {
	return stream(ctx, l.db, batch, "placed_at ASC, id ASC", fn)
}

// StreamUsers calls fn with successive batches of user rows.
func (l *Ledger) StreamUsers(ctx context.Context, batch int, fn func([]User) error) error {
	return stream(ctx, l.db, batch, "wallet_address ASC", fn)
}

// StreamBans calls fn with successive batches of ban rows, active or not.
func (l *Ledger) StreamBans(ctx context.Context, batch int, fn func([]BannedUser) error) error {
	return stream(ctx, l.db, batch, "wallet_address ASC", fn)
}

func stream[T any](ctx context.Context, db *gorm.DB, batch int, order string, fn func([]T) error) error {
	if batch <= 0 {
		batch = 1000
	}
	for offset := 0; ; offset += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows []T
		if err := db.WithContext(ctx).Order(order).Limit(batch).Offset(offset).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < batch {
			return nil
		}
	}
}
