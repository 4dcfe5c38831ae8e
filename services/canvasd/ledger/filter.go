package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tokencanvas/services/canvasd/canvas"
)

// Writers accept queue payloads as loose JSON documents. Only the columns
// below survive; anything else in a payload is dropped.
var (
	userColumns  = []string{"wallet_address", "token_balance", "username", "pfp_url", "updated_at"}
	pixelColumns = []string{"x", "y", "color", "wallet_address", "placed_at", "version", "username", "pfp_url", "token_balance"}
	banColumns   = []string{"wallet_address", "reason", "banned_by", "banned_at", "active"}
)

type row map[string]any

func filterColumns(raw string, allowed []string) (row, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out := make(row, len(allowed))
	for _, col := range allowed {
		if v, ok := doc[col]; ok && v != nil {
			out[col] = v
		}
	}
	return out, nil
}

func (r row) address(col string) (string, error) {
	raw, _ := r[col].(string)
	addr, ok := canvas.NormalizeAddress(raw)
	if !ok {
		return "", fmt.Errorf("%s: invalid address %q", col, raw)
	}
	return addr, nil
}

func (r row) str(col string) *string {
	v, ok := r[col].(string)
	if !ok {
		return nil
	}
	return &v
}

func (r row) integer(col string) (*int64, error) {
	switch v := r[col].(type) {
	case nil:
		return nil, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return &n, nil
		}
		f, err := v.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%s: not a number", col)
		}
		n := int64(f)
		return &n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", col, err)
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("%s: unexpected type %T", col, v)
	}
}

func (r row) timestamp(col string) (time.Time, bool, error) {
	switch v := r[col].(type) {
	case nil:
		return time.Time{}, false, nil
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%s: %w", col, err)
		}
		return time.UnixMilli(ms).UTC(), true, nil
	case string:
		t, err := ParseTimestamp(v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%s: %w", col, err)
		}
		return t, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%s: unexpected type %T", col, v)
	}
}

// ParseTimestamp normalises the timestamp encodings seen in queue payloads:
// RFC 3339 (with or without fractional seconds) and unix milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// DecodeUser filters a queued profile payload into a users row. A missing
// updated_at is stamped with now.
func DecodeUser(raw string, now time.Time) (User, error) {
	r, err := filterColumns(raw, userColumns)
	if err != nil {
		return User{}, err
	}
	addr, err := r.address("wallet_address")
	if err != nil {
		return User{}, err
	}
	balance, err := r.integer("token_balance")
	if err != nil {
		return User{}, err
	}
	updated, ok, err := r.timestamp("updated_at")
	if err != nil {
		return User{}, err
	}
	if !ok || updated.IsZero() {
		updated = now.UTC()
	}
	return User{
		WalletAddress: addr,
		TokenBalance:  balance,
		Username:      r.str("username"),
		PfpURL:        r.str("pfp_url"),
		UpdatedAt:     updated,
	}, nil
}

// DecodePixel filters a queued pixel payload into a pixels row.
func DecodePixel(raw string) (Pixel, error) {
	r, err := filterColumns(raw, pixelColumns)
	if err != nil {
		return Pixel{}, err
	}
	x, err := r.integer("x")
	if err != nil || x == nil {
		return Pixel{}, fmt.Errorf("x: missing coordinate")
	}
	y, err := r.integer("y")
	if err != nil || y == nil {
		return Pixel{}, fmt.Errorf("y: missing coordinate")
	}
	if !canvas.InBounds(int(*x), int(*y)) {
		return Pixel{}, fmt.Errorf("coordinates %d,%d out of bounds", *x, *y)
	}
	color, ok := canvas.NormalizeColor(stringOr(r.str("color")))
	if !ok {
		return Pixel{}, fmt.Errorf("color: not in palette")
	}
	addr, err := r.address("wallet_address")
	if err != nil {
		return Pixel{}, err
	}
	placed, ok, err := r.timestamp("placed_at")
	if err != nil {
		return Pixel{}, err
	}
	if !ok {
		return Pixel{}, fmt.Errorf("placed_at: missing")
	}
	version, err := r.integer("version")
	if err != nil {
		return Pixel{}, err
	}
	balance, err := r.integer("token_balance")
	if err != nil {
		return Pixel{}, err
	}
	return Pixel{
		X:             int(*x),
		Y:             int(*y),
		Color:         color,
		WalletAddress: addr,
		PlacedAt:      placed,
		Version:       version,
		Username:      r.str("username"),
		PfpURL:        r.str("pfp_url"),
		TokenBalance:  balance,
	}, nil
}

// DecodeBan filters a queued ban payload into a banned_users row.
func DecodeBan(raw string, now time.Time) (BannedUser, error) {
	r, err := filterColumns(raw, banColumns)
	if err != nil {
		return BannedUser{}, err
	}
	addr, err := r.address("wallet_address")
	if err != nil {
		return BannedUser{}, err
	}
	bannedAt, ok, err := r.timestamp("banned_at")
	if err != nil {
		return BannedUser{}, err
	}
	if !ok || bannedAt.IsZero() {
		bannedAt = now.UTC()
	}
	active := true
	if v, ok := r["active"].(bool); ok {
		active = v
	}
	return BannedUser{
		WalletAddress: addr,
		Reason:        stringOr(r.str("reason")),
		BannedBy:      stringOr(r.str("banned_by")),
		BannedAt:      bannedAt,
		Active:        active,
		UpdatedAt:     now.UTC(),
	}, nil
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
