package store

import (
	"encoding/json"
	"fmt"

	"tokencanvas/services/canvasd/canvas"
)

// All values crossing the Redis boundary are JSON documents produced by the
// encoders below; nothing above this file handles raw payloads.

func encodePixel(p canvas.Pixel) (string, error) {
	p.PlacedAt = p.PlacedAt.UTC()
	if p.LockUntil != nil {
		until := p.LockUntil.UTC()
		p.LockUntil = &until
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode pixel: %w", err)
	}
	return string(data), nil
}

// DecodePixel parses a stored or queued pixel document.
func DecodePixel(raw string) (canvas.Pixel, error) {
	var p canvas.Pixel
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return canvas.Pixel{}, fmt.Errorf("decode pixel: %w", err)
	}
	if !canvas.InBounds(p.X, p.Y) {
		return canvas.Pixel{}, fmt.Errorf("decode pixel: coordinates %d,%d out of bounds", p.X, p.Y)
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	return p, nil
}

func encodeEntry(e canvas.HistoryEntry) (string, error) {
	e.PlacedAt = e.PlacedAt.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode history entry: %w", err)
	}
	return string(data), nil
}

func decodeEntry(raw string) (canvas.HistoryEntry, error) {
	var e canvas.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return canvas.HistoryEntry{}, fmt.Errorf("decode history entry: %w", err)
	}
	return e, nil
}

func encodeProfile(p canvas.UserProfile) (string, error) {
	p.UpdatedAt = p.UpdatedAt.UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(data), nil
}

func decodeProfile(raw string) (canvas.UserProfile, error) {
	var p canvas.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return canvas.UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func encodeBan(b canvas.Ban) (string, error) {
	b.BannedAt = b.BannedAt.UTC()
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode ban: %w", err)
	}
	return string(data), nil
}

func decodeBan(raw string) (canvas.Ban, error) {
	var b canvas.Ban
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return canvas.Ban{}, fmt.Errorf("decode ban: %w", err)
	}
	return b, nil
}

func historyScore(p canvas.Pixel) float64 {
	return float64(p.PlacedAt.UnixMilli())
}
