package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"tokencanvas/services/canvasd/canvas"
)

var (
	pixelsBucket = []byte("pixels")
	metaBucket   = []byte("meta")
)

// ExportSummary describes a written snapshot.
type ExportSummary struct {
	Path       string    `json:"path"`
	Pixels     int       `json:"pixels"`
	ExportedAt time.Time `json:"exportedAt"`
}

// PixelSource streams occupied cells in batches.
type PixelSource interface {
	ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error
}

// ExportSnapshot copies every occupied cell from src into a bbolt file at
// path. Cells are keyed "x:y" in the pixels bucket; the meta bucket records
// grid size, cell count and export time. An existing snapshot is replaced.
func ExportSnapshot(ctx context.Context, src PixelSource, path string, now time.Time) (ExportSummary, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return ExportSummary{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	summary := ExportSummary{Path: path, ExportedAt: now.UTC()}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{pixelsBucket, metaBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		pixels, err := tx.CreateBucket(pixelsBucket)
		if err != nil {
			return err
		}
		err = src.ScanPixels(ctx, func(batch []canvas.Pixel) error {
			for _, p := range batch {
				raw, err := json.Marshal(p)
				if err != nil {
					return fmt.Errorf("encode cell %s: %w", p.Key(), err)
				}
				if err := pixels.Put([]byte(p.Key()), raw); err != nil {
					return err
				}
				summary.Pixels++
			}
			return ctx.Err()
		})
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		for k, v := range map[string]string{
			"grid_size":   strconv.Itoa(canvas.GridSize),
			"pixels":      strconv.Itoa(summary.Pixels),
			"exported_at": summary.ExportedAt.Format(time.RFC3339Nano),
		} {
			if err := meta.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ExportSummary{}, fmt.Errorf("write snapshot: %w", err)
	}
	return summary, nil
}

// ReadSnapshot loads the cells stored in a snapshot written by ExportSnapshot.
func ReadSnapshot(path string) (map[string]canvas.Pixel, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	out := make(map[string]canvas.Pixel)
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(pixelsBucket)
		if bucket == nil {
			return fmt.Errorf("snapshot has no %s bucket", pixelsBucket)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var p canvas.Pixel
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode cell %s: %w", k, err)
			}
			out[string(k)] = p
			return nil
		})
	})
	return out, err
}
