package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

func openTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, WithPrefix("test")), mr
}

func pixelAt(x, y int, owner string, version int64, placed time.Time) canvas.Pixel {
	return canvas.Pixel{X: x, Y: y, Color: "#e50000", WalletAddress: owner, PlacedAt: placed, Version: version}
}

func TestCommitCreatesAndVersionsCell(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	res, err := store.Commit(ctx, pixelAt(10, 10, addrA, 1, now), 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !res.Committed || res.Version != 1 || res.QueueDepth != 1 {
		t.Fatalf("unexpected first commit result: %+v", res)
	}
	res, err = store.Commit(ctx, pixelAt(10, 10, addrB, 2, now.Add(time.Second)), 1)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !res.Committed || res.Version != 2 {
		t.Fatalf("unexpected second commit result: %+v", res)
	}

	stale, err := store.Commit(ctx, pixelAt(10, 10, addrA, 2, now.Add(2*time.Second)), 1)
	if err != nil {
		t.Fatalf("stale commit: %v", err)
	}
	if stale.Committed || stale.Version != 2 || stale.Current == nil || stale.Current.WalletAddress != addrB {
		t.Fatalf("expected conflict carrying current cell, got %+v", stale)
	}

	p, ok, err := store.Pixel(ctx, 10, 10)
	if err != nil || !ok {
		t.Fatalf("load pixel: ok=%v err=%v", ok, err)
	}
	if p.Version != 2 || p.WalletAddress != addrB {
		t.Fatalf("unexpected stored pixel %+v", p)
	}
	if n, _ := store.HistoryLen(ctx); n != 2 {
		t.Fatalf("expected two history entries, got %d", n)
	}
	if n, _ := store.Len(ctx, KindPixels); n != 2 {
		t.Fatalf("expected two queued pixels, got %d", n)
	}
}

func TestCommitEmptyCellConflict(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	res, err := store.Commit(ctx, pixelAt(1, 1, addrA, 4, time.Now()), 3)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Committed || res.Version != 0 || res.Current != nil {
		t.Fatalf("expected conflict against empty cell, got %+v", res)
	}
	if _, err := store.Commit(ctx, pixelAt(1, 1, addrA, 3, time.Now()), 0); err == nil {
		t.Fatalf("expected mismatched successor version to be refused")
	}
}

func TestCommitInvalidatesBalanceCache(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.CacheBalance(ctx, addrA, 42, time.Minute); err != nil {
		t.Fatalf("cache balance: %v", err)
	}
	if _, err := store.Commit(ctx, pixelAt(3, 3, addrA, 1, time.Now()), 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, _ := store.CachedBalance(ctx, addrA); ok {
		t.Fatalf("expected balance cache to be invalidated by commit")
	}
}

func TestConcurrentCommitsSerializePerCell(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	const workers = 16
	var accepted atomic.Int64
	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		observed := int64(round)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.Commit(ctx, pixelAt(5, 5, addrA, observed+1, time.Now()), observed)
				if err != nil {
					t.Errorf("commit: %v", err)
					return
				}
				if res.Committed {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
	}
	p, _, err := store.Pixel(ctx, 5, 5)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if accepted.Load() != 4 || p.Version != 4 {
		t.Fatalf("expected exactly one winner per observed version, accepted=%d version=%d", accepted.Load(), p.Version)
	}
}

func TestCooldownAtomicity(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.CheckAndConsume(ctx, addrA, 30*time.Second, time.Minute, now)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 1 {
		t.Fatalf("expected exactly one allowed placement, got %d", allowed.Load())
	}

	ok, remaining, err := store.CheckAndConsume(ctx, addrA, 30*time.Second, time.Minute, now.Add(10*time.Second))
	if err != nil || ok || remaining != 20*time.Second {
		t.Fatalf("expected 20s remaining, got ok=%v remaining=%s err=%v", ok, remaining, err)
	}
	peek, err := store.CooldownRemaining(ctx, addrA, 30*time.Second, now.Add(25*time.Second))
	if err != nil || peek != 5*time.Second {
		t.Fatalf("expected 5s peek, got %s err=%v", peek, err)
	}
	ok, _, err = store.CheckAndConsume(ctx, addrA, 30*time.Second, time.Minute, now.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected cooldown to elapse at boundary, ok=%v err=%v", ok, err)
	}
	// A shorter cooldown after a tier upgrade is measured from the last placement.
	ok, _, err = store.CheckAndConsume(ctx, addrA, 5*time.Second, time.Minute, now.Add(36*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected upgraded cooldown to allow, ok=%v err=%v", ok, err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	store, mr := openTestStore(t)
	ctx := context.Background()
	lease, ok, err := store.AcquireLease(ctx, "queue", 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := store.AcquireLease(ctx, "queue", 5*time.Minute); ok {
		t.Fatalf("expected second acquire to fail while held")
	}
	if released, err := store.ReleaseLease(ctx, Lease{Name: "queue", Token: "other"}); err != nil || released {
		t.Fatalf("foreign token must not release lease")
	}
	if released, err := store.ReleaseLease(ctx, lease); err != nil || !released {
		t.Fatalf("expected release, got %v err=%v", released, err)
	}

	if _, ok, _ := store.AcquireLease(ctx, "queue", time.Minute); !ok {
		t.Fatalf("expected re-acquire after release")
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.AcquireLease(ctx, "queue", time.Minute); !ok {
		t.Fatalf("expected lease to expire via ttl")
	}
}

func TestQueuePeekAndRemove(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueRaw(ctx, KindUsers, "a", "b", "c"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, err := store.Peek(ctx, KindUsers, 1, 5)
	if err != nil || len(items) != 2 || items[0] != "b" {
		t.Fatalf("unexpected peek %v err=%v", items, err)
	}
	removed, err := store.Remove(ctx, KindUsers, []string{"a", "c", "missing"})
	if err != nil || removed != 2 {
		t.Fatalf("expected two removals, got %d err=%v", removed, err)
	}
	if n, _ := store.Len(ctx, KindUsers); n != 1 {
		t.Fatalf("expected one remaining item, got %d", n)
	}
}

func TestBansAndPurge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	ban := canvas.Ban{WalletAddress: addrB, Reason: "spam", BannedAt: time.Now(), Active: true}
	if err := store.ApplyBan(ctx, ban); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if banned, _ := store.IsBanned(ctx, addrB); !banned {
		t.Fatalf("expected address to be banned")
	}
	bans, err := store.Bans(ctx)
	if err != nil || len(bans) != 1 || bans[0].Reason != "spam" {
		t.Fatalf("unexpected bans %+v err=%v", bans, err)
	}
	ban.Active = false
	if err := store.ApplyBan(ctx, ban); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if banned, _ := store.IsBanned(ctx, addrB); banned {
		t.Fatalf("expected ban to be lifted")
	}
	if n, _ := store.Len(ctx, KindBans); n != 2 {
		t.Fatalf("expected ban and unban to be queued, got %d", n)
	}

	if _, err := store.Commit(ctx, pixelAt(0, 0, addrA, 1, time.Now()), 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	pixels, err := store.Pixels(ctx)
	if err != nil || len(pixels) != 0 {
		t.Fatalf("expected empty canvas after purge, got %d err=%v", len(pixels), err)
	}
	for _, kind := range Kinds() {
		if n, _ := store.Len(ctx, kind); n != 0 {
			t.Fatalf("expected %s queue to be purged", kind)
		}
	}
}

func TestLoadPixelsKeepsLatest(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	rows := []canvas.Pixel{
		pixelAt(2, 2, addrA, 1, base),
		pixelAt(2, 2, addrB, 2, base.Add(time.Minute)),
		pixelAt(3, 4, addrA, 1, base.Add(2*time.Minute)),
	}
	if err := store.LoadPixels(ctx, rows); err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok, _ := store.Pixel(ctx, 2, 2)
	if !ok || p.WalletAddress != addrB || p.Version != 2 {
		t.Fatalf("expected latest row to win, got %+v", p)
	}
	res, err := store.Commit(ctx, pixelAt(2, 2, addrA, 3, base.Add(time.Hour)), 2)
	if err != nil || !res.Committed {
		t.Fatalf("expected commit over rebuilt version, res=%+v err=%v", res, err)
	}
	recent, err := store.RecentHistory(ctx, 2)
	if err != nil || len(recent) != 2 || recent[0].Version != 3 {
		t.Fatalf("unexpected recent history %+v err=%v", recent, err)
	}
	window, err := store.HistoryBetween(ctx, base, base.Add(90*time.Second))
	if err != nil || len(window) != 2 {
		t.Fatalf("unexpected window %+v err=%v", window, err)
	}
}

func TestSetLockKeepsVersionAndQueue(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	if _, found, err := store.SetLock(ctx, 3, 3, &now); err != nil || found {
		t.Fatalf("expected empty cell to be reported missing, found=%v err=%v", found, err)
	}
	if _, err := store.Commit(ctx, pixelAt(3, 3, addrA, 1, now), 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	until := now.Add(time.Hour)
	locked, found, err := store.SetLock(ctx, 3, 3, &until)
	if err != nil || !found {
		t.Fatalf("set lock: found=%v err=%v", found, err)
	}
	if locked.Version != 1 || locked.LockUntil == nil || !locked.LockUntil.Equal(until) {
		t.Fatalf("unexpected locked pixel %+v", locked)
	}
	stored, _, err := store.Pixel(ctx, 3, 3)
	if err != nil || !stored.LockedAt(now) {
		t.Fatalf("expected stored cell to be locked, got %+v err=%v", stored, err)
	}
	if n, _ := store.Len(ctx, KindPixels); n != 1 {
		t.Fatalf("locking must not enqueue a pixel row, queue length %d", n)
	}

	if _, _, err := store.SetLock(ctx, 3, 3, nil); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	stored, _, _ = store.Pixel(ctx, 3, 3)
	if stored.LockUntil != nil || stored.Version != 1 {
		t.Fatalf("expected lock cleared at version 1, got %+v", stored)
	}
}
