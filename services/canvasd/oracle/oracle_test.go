package oracle

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tokencanvas/observability/metrics"
	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/store"
)

const holder = "0x00000000000000000000000000000000000000aa"

type fakeCaller struct {
	result []byte
	err    error
	msg    ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.msg = msg
	return f.result, f.err
}

func TestERC20OracleScalesDecimals(t *testing.T) {
	raw := new(big.Int).Mul(big.NewInt(1_234_567), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	raw.Add(raw, big.NewInt(999))
	caller := &fakeCaller{result: common.LeftPadBytes(raw.Bytes(), 32)}
	o, err := NewERC20Oracle(caller, "0x1000000000000000000000000000000000000001", 18, time.Second)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	balance, err := o.Balance(context.Background(), holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1_234_567 {
		t.Fatalf("expected 1234567 whole tokens, got %d", balance)
	}
	if len(caller.msg.Data) != 36 || common.Bytes2Hex(caller.msg.Data[:4]) != "70a08231" {
		t.Fatalf("unexpected calldata %x", caller.msg.Data)
	}
	if caller.msg.To == nil || caller.msg.To.Hex() != "0x1000000000000000000000000000000000000001" {
		t.Fatalf("unexpected call target %v", caller.msg.To)
	}
}

func TestERC20OracleClampsAndErrors(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	caller := &fakeCaller{result: common.LeftPadBytes(huge.Bytes(), 32)}
	o, err := NewERC20Oracle(caller, "0x1000000000000000000000000000000000000001", 0, 0)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	if balance, err := o.Balance(context.Background(), holder); err != nil || balance != math.MaxInt64 {
		t.Fatalf("expected clamped balance, got %d err=%v", balance, err)
	}
	caller.err = errors.New("connection refused")
	if _, err := o.Balance(context.Background(), holder); err == nil {
		t.Fatalf("expected rpc failure to surface")
	}
	if _, err := o.Balance(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected invalid holder to be rejected")
	}
	if _, err := NewERC20Oracle(caller, "nope", 18, 0); err == nil {
		t.Fatalf("expected invalid token contract to be rejected")
	}
}

func newCachedOracle(t *testing.T, upstream Oracle, opts ...Option) (*Cached, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb, store.WithPrefix("test"))
	c, err := NewCached(upstream, st, opts...)
	if err != nil {
		t.Fatalf("new cached oracle: %v", err)
	}
	return c, st
}

func TestCachedServesFreshValueWithinTTL(t *testing.T) {
	var calls atomic.Int64
	upstream := Func(func(context.Context, string) (int64, error) {
		calls.Add(1)
		return 500, nil
	})
	reg := prometheus.NewRegistry()
	c, _ := newCachedOracle(t, upstream, WithMetrics(metrics.NewCanvas(reg)))
	ctx := context.Background()

	first, err := c.Balance(ctx, holder, false)
	if err != nil || first.Balance != 500 || first.Source != SourceOracle {
		t.Fatalf("unexpected first lookup %+v err=%v", first, err)
	}
	second, err := c.Balance(ctx, holder, false)
	if err != nil || second.Source != SourceCache {
		t.Fatalf("expected cached lookup, got %+v err=%v", second, err)
	}
	if _, err := c.Balance(ctx, holder, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two upstream calls, got %d", calls.Load())
	}
}

func TestCachedEnqueuesProfileOnBalanceChange(t *testing.T) {
	balance := int64(10)
	upstream := Func(func(context.Context, string) (int64, error) { return balance, nil })
	now := time.Unix(1_700_000_000, 0)
	c, st := newCachedOracle(t, upstream, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Balance(ctx, holder, true); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if n, _ := st.Len(ctx, store.KindUsers); n != 1 {
		t.Fatalf("expected one profile upsert for an unchanged balance, got %d", n)
	}
	balance = 20
	if _, err := c.Balance(ctx, holder, true); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n, _ := st.Len(ctx, store.KindUsers); n != 2 {
		t.Fatalf("expected balance change to enqueue an upsert, got %d", n)
	}
	profile, ok, err := st.Profile(ctx, holder)
	if err != nil || !ok || profile.TokenBalance == nil || *profile.TokenBalance != 20 {
		t.Fatalf("unexpected profile %+v ok=%v err=%v", profile, ok, err)
	}
}

func TestCachedFallsBackToLastKnown(t *testing.T) {
	fail := false
	upstream := Func(func(context.Context, string) (int64, error) {
		if fail {
			return 0, errors.New("rpc down")
		}
		return 77, nil
	})
	c, _ := newCachedOracle(t, upstream)
	ctx := context.Background()

	if _, err := c.Balance(ctx, holder, false); err != nil {
		t.Fatalf("warm: %v", err)
	}
	fail = true
	got, err := c.Balance(ctx, holder, true)
	if err != nil || got.Balance != 77 || got.Source != SourceFallback {
		t.Fatalf("expected last known balance, got %+v err=%v", got, err)
	}

	_, err = c.Balance(ctx, "0x00000000000000000000000000000000000000cc", true)
	if !errors.Is(err, canvas.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable for unknown wallet, got %v", err)
	}
}
