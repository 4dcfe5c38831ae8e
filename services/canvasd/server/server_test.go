package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/oracle"
	"tokencanvas/services/canvasd/placement"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/recovery"
	"tokencanvas/services/canvasd/store"
	"tokencanvas/services/canvasd/tier"
)

const (
	jwtSecret   = "session-secret"
	adminSecret = "admin-secret"
	cronSecret  = "cron-secret"

	addrA     = "0x00000000000000000000000000000000000000aa"
	addrB     = "0x00000000000000000000000000000000000000bb"
	addrAdmin = "0x00000000000000000000000000000000000000ad"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

type fixedBalances struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (f *fixedBalances) Balance(_ context.Context, addr string, _ bool) (oracle.Lookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return oracle.Lookup{Balance: f.balances[addr], Source: oracle.SourceOracle}, nil
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []queue.RunOptions
}

func (f *fakeRunner) Run(_ context.Context, opts queue.RunOptions) (queue.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	return queue.Report{Pixels: queue.KindReport{Written: 3}}, nil
}

type fakeRebuilder struct{ calls int }

func (f *fakeRebuilder) Rebuild(context.Context) (recovery.Report, error) {
	f.calls++
	return recovery.Report{Pixels: 7}, nil
}

type harness struct {
	handler   http.Handler
	store     *store.Store
	balances  *fixedBalances
	runner    *fakeRunner
	rebuilder *fakeRebuilder
}

func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb, store.WithPrefix("test"))
	balances := &fixedBalances{balances: map[string]int64{}}
	now := func() time.Time { return epoch }

	pipeline, err := placement.New(st, balances, tier.Default(), placement.WithClock(now))
	require.NoError(t, err)
	sessions, err := NewSessionAuth(SessionConfig{HMACSecret: jwtSecret, Issuer: "canvas", AdminAddresses: []string{addrAdmin}})
	require.NoError(t, err)
	operators, err := NewSecretAuth(adminSecret, cronSecret)
	require.NoError(t, err)

	h := &harness{store: st, balances: balances, runner: &fakeRunner{}, rebuilder: &fakeRebuilder{}}
	srv, err := New(Config{RateLimit: limit}, Deps{
		Placer:    pipeline,
		Store:     st,
		Balances:  balances,
		Rebuilder: h.rebuilder,
		Processor: h.runner,
		Sessions:  sessions,
		Operators: operators,
		Gatherer:  prometheus.NewRegistry(),
		Now:       now,
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = "canvas"
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) place(t *testing.T, addr string, x, y int, color string, version int64) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/api/place",
		map[string]any{"x": x, "y": y, "color": color, "version": version},
		map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"sub": addr})})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPlaceRequiresValidSession(t *testing.T) {
	h := newHarness(t, RateLimit{})
	body := map[string]any{"x": 1, "y": 1, "color": "#ffffff", "version": 0}

	rec := h.do(t, http.MethodPost, "/api/place", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", decode(t, rec)["error"])

	expired := token(t, jwt.MapClaims{"sub": addrA, "exp": time.Now().Add(-time.Hour).Unix()})
	rec = h.do(t, http.MethodPost, "/api/place", body, map[string]string{"Authorization": "Bearer " + expired})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": addrA, "iss": "canvas"}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/api/place", body, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer := token(t, jwt.MapClaims{"sub": addrA, "iss": "elsewhere"})
	rec = h.do(t, http.MethodPost, "/api/place", body, map[string]string{"Authorization": "Bearer " + wrongIssuer})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceAcceptedThenStaleVersionConflicts(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.place(t, addrA, 10, 10, "#E50000", 0)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pixel := decode(t, rec)["pixel"].(map[string]any)
	require.Equal(t, float64(1), pixel["version"])
	require.Equal(t, "#e50000", pixel["color"])
	require.Equal(t, addrA, pixel["wallet_address"])

	rec = h.place(t, addrB, 10, 10, "#0000ea", 0)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "version_conflict", body["error"])
	require.Equal(t, float64(1), body["currentVersion"])
	require.Equal(t, addrA, body["currentPixel"].(map[string]any)["wallet_address"])
}

func TestPlaceCooldownReportsRemainingSeconds(t *testing.T) {
	h := newHarness(t, RateLimit{})
	require.Equal(t, http.StatusOK, h.place(t, addrA, 1, 1, "#ffffff", 0).Code)

	rec := h.place(t, addrA, 2, 2, "#ffffff", 0)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))
	require.Equal(t, float64(30), decode(t, rec)["remainingSeconds"])

	_, ok, err := h.store.Pixel(context.Background(), 2, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdminSessionBypassesCooldown(t *testing.T) {
	h := newHarness(t, RateLimit{})
	require.Equal(t, http.StatusOK, h.place(t, addrAdmin, 1, 1, "#ffffff", 0).Code)
	require.Equal(t, http.StatusOK, h.place(t, addrAdmin, 2, 2, "#ffffff", 0).Code)

	claimed := token(t, jwt.MapClaims{"sub": addrB, "admin": true})
	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/api/place",
			map[string]any{"x": 3 + i, "y": 3, "color": "#ffffff", "version": 0},
			map[string]string{"Authorization": "Bearer " + claimed})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestProtectedOverwriteExposesBalanceGap(t *testing.T) {
	h := newHarness(t, RateLimit{})
	h.balances.balances[addrA] = 1_000_000
	h.balances.balances[addrB] = 500_000
	require.Equal(t, http.StatusOK, h.place(t, addrA, 5, 5, "#ffffff", 0).Code)

	rec := h.place(t, addrB, 5, 5, "#222222", 1)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "protected", body["error"])
	require.Equal(t, float64(1_000_000), body["ownerBalance"])
	require.Equal(t, float64(500_000), body["yourBalance"])
	require.Equal(t, float64(24), body["hoursRemaining"])
}

func TestPlaceRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, RateLimit{})
	rec := h.place(t, addrA, canvas.GridSize, 0, "#ffffff", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decode(t, rec)["error"])

	rec = h.place(t, addrA, 0, 0, "#123456", 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/place", map[string]any{"color": "#ffffff"},
		map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"sub": addrA})})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBanLifecycleRequiresAdminSecret(t *testing.T) {
	h := newHarness(t, RateLimit{})
	ban := map[string]any{"address": addrB, "reason": "griefing"}

	rec := h.do(t, http.MethodPost, "/admin/bans", ban, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, http.MethodPost, "/admin/bans", ban, map[string]string{"X-Cron-Secret": cronSecret})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/bans", ban, map[string]string{"X-Admin-Secret": adminSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.place(t, addrB, 1, 1, "#ffffff", 0)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "banned", decode(t, rec)["error"])

	rec = h.do(t, http.MethodDelete, "/admin/bans/"+addrB, nil, map[string]string{"Authorization": "Bearer " + adminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusOK, h.place(t, addrB, 1, 1, "#ffffff", 0).Code)
}

func TestCellLockLifecycle(t *testing.T) {
	h := newHarness(t, RateLimit{})
	admin := map[string]string{"X-Admin-Secret": adminSecret}
	require.Equal(t, http.StatusOK, h.place(t, addrA, 6, 6, "#ffffff", 0).Code)

	until := epoch.Add(time.Hour)
	lock := map[string]any{"x": 6, "y": 6, "until": until}
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/admin/locks", lock, nil).Code)
	rec := h.do(t, http.MethodPost, "/admin/locks", map[string]any{"x": 6, "y": 6, "until": epoch}, admin)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/admin/locks", map[string]any{"x": 7, "y": 7, "until": until}, admin)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/locks", lock, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(1), decode(t, rec)["version"])

	rec = h.place(t, addrB, 6, 6, "#222222", 1)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "locked", body["error"])
	require.Equal(t, until.Format(time.RFC3339), body["lockUntil"])

	rec = h.do(t, http.MethodDelete, "/admin/locks/6/6", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, decode(t, rec), "lock_until")
	require.Equal(t, http.StatusOK, h.place(t, addrAdmin, 6, 6, "#222222", 1).Code)
}

func TestOperatorEndpoints(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodPost, "/admin/process-queue", nil, map[string]string{"X-Cron-Secret": cronSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(3), decode(t, rec)["pixels"].(map[string]any)["written"])

	rec = h.do(t, http.MethodPost, "/admin/backup", nil, map[string]string{"X-Admin-Secret": adminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.runner.runs, 2)
	require.False(t, h.runner.runs[0].FullBackup)
	require.True(t, h.runner.runs[1].FullBackup)

	rec = h.do(t, http.MethodPost, "/admin/rebuild-cache", nil, map[string]string{"X-Cron-Secret": cronSecret})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, http.MethodPost, "/admin/rebuild-cache", nil, map[string]string{"X-Admin-Secret": adminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.rebuilder.calls)
}

func TestReadEndpoints(t *testing.T) {
	h := newHarness(t, RateLimit{})
	require.Equal(t, http.StatusOK, h.place(t, addrA, 4, 4, "#ffffff", 0).Code)
	require.Equal(t, http.StatusOK, h.place(t, addrB, 4, 4, "#222222", 1).Code)

	rec := h.do(t, http.MethodGet, "/api/canvas", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["pixels"], 1)

	rec = h.do(t, http.MethodGet, "/api/pixels/4/4", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), decode(t, rec)["version"])
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/pixels/9/9", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/pixels/-1/9", nil, nil).Code)

	rec = h.do(t, http.MethodGet, "/api/history?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)

	rec = h.do(t, http.MethodGet, "/api/leaderboard?window=1h", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["leaders"], 2)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/leaderboard?window=soon", nil, nil).Code)

	rec = h.do(t, http.MethodGet, "/api/tiers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["tiers"], len(tier.Default().Tiers()))

	rec = h.do(t, http.MethodGet, "/api/me", nil, map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"sub": addrA})})
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode(t, rec)
	require.Equal(t, addrA, me["address"])
	require.Equal(t, float64(30), me["cooldownSeconds"])

	rec = h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "disabled", decode(t, rec)["ledger"])
}

func TestRankPlacementsOrdersByCountThenAddress(t *testing.T) {
	entries := []canvas.HistoryEntry{
		{WalletAddress: addrB}, {WalletAddress: addrA}, {WalletAddress: addrB}, {WalletAddress: addrAdmin},
	}
	rows := rankPlacements(entries, 2)
	if len(rows) != 2 || rows[0].Address != addrB || rows[0].Placements != 2 || rows[1].Address != addrA {
		t.Fatalf("unexpected ranking %+v", rows)
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	h := newHarness(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	req := func(ip string) int {
		return h.do(t, http.MethodGet, "/api/tiers", nil, map[string]string{"X-Real-IP": ip}).Code
	}
	if code := req("10.0.0.1"); code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", code)
	}
	if code := req("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", code)
	}
	if code := req("10.0.0.2"); code != http.StatusOK {
		t.Fatalf("expected a different client to have its own budget, got %d", code)
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := parseBearerToken(tt.header); got != tt.want {
			t.Fatalf("parseBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
