package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/placement"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/tier"
)

type placeRequest struct {
	X       *int   `json:"x"`
	Y       *int   `json:"y"`
	Color   string `json:"color"`
	Version int64  `json:"version"`
	Refresh bool   `json:"refresh"`
}

type placeResponse struct {
	Pixel         canvas.Pixel `json:"pixel"`
	Tier          tierView     `json:"tier"`
	CooldownUntil time.Time    `json:"cooldownUntil"`
}

type tierView struct {
	Name            string  `json:"name"`
	MinTokens       int64   `json:"minTokens"`
	CooldownSeconds int64   `json:"cooldownSeconds"`
	ProtectionHours float64 `json:"protectionHours"`
}

func viewTier(t tier.Tier) tierView {
	return tierView{
		Name:            t.Name,
		MinTokens:       t.MinTokens,
		CooldownSeconds: t.CooldownSeconds(),
		ProtectionHours: t.ProtectionHours(),
	}
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, canvas.ErrUnauthenticated)
		return
	}
	var req placeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, canvas.InvalidInput("malformed body: %v", err))
		return
	}
	if req.X == nil || req.Y == nil {
		writeError(w, canvas.InvalidInput("x and y are required"))
		return
	}
	res, err := s.deps.Placer.Place(r.Context(), placement.Request{
		Address:         session.Address,
		X:               *req.X,
		Y:               *req.Y,
		Color:           req.Color,
		ObservedVersion: req.Version,
		Admin:           session.Admin,
		RefreshBalance:  req.Refresh,
	})
	if err != nil {
		if placement.Outcome(err) == "error" {
			s.logger.Error("placement failed", "component", "server", "address", session.Address, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, placeResponse{Pixel: res.Pixel, Tier: viewTier(res.Tier), CooldownUntil: res.CooldownUntil})
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	pixels, err := s.deps.Store.Pixels(r.Context())
	if err != nil {
		s.internal(w, "load canvas", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"size": canvas.GridSize, "pixels": pixels})
}

func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil || !canvas.InBounds(x, y) {
		writeError(w, canvas.InvalidInput("coordinates out of range"))
		return
	}
	pixel, ok, err := s.deps.Store.Pixel(r.Context(), x, y)
	if err != nil {
		s.internal(w, "load pixel", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"x": x, "y": y, "version": 0})
		return
	}
	writeJSON(w, http.StatusOK, pixel)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.boundedLimit(r.URL.Query().Get("limit"), 50)
	entries, err := s.deps.Store.RecentHistory(r.Context(), limit)
	if err != nil {
		s.internal(w, "load history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type leaderboardRow struct {
	Address    string `json:"address"`
	Placements int    `json:"placements"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > 30*24*time.Hour {
			writeError(w, canvas.InvalidInput("window must be a positive duration up to 720h"))
			return
		}
		window = parsed
	}
	limit := s.boundedLimit(r.URL.Query().Get("limit"), 10)
	now := s.now()
	entries, err := s.deps.Store.HistoryBetween(r.Context(), now.Add(-window), now)
	if err != nil {
		s.internal(w, "load leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":  window.String(),
		"leaders": rankPlacements(entries, limit),
	})
}

func rankPlacements(entries []canvas.HistoryEntry, limit int) []leaderboardRow {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.WalletAddress]++
	}
	rows := make([]leaderboardRow, 0, len(counts))
	for addr, n := range counts {
		rows = append(rows, leaderboardRow{Address: addr, Placements: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Placements != rows[j].Placements {
			return rows[i].Placements > rows[j].Placements
		}
		return rows[i].Address < rows[j].Address
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	tiers := s.deps.Placer.Tiers().Tiers()
	views := make([]tierView, 0, len(tiers))
	for _, t := range tiers {
		views = append(views, viewTier(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": views})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, canvas.ErrUnauthenticated)
		return
	}
	ctx := r.Context()
	lookup, err := s.deps.Balances.Balance(ctx, session.Address, r.URL.Query().Get("refresh") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	current := s.deps.Placer.Tiers().Resolve(lookup.Balance)
	remaining, err := s.deps.Store.CooldownRemaining(ctx, session.Address, current.Cooldown, s.now())
	if err != nil {
		s.internal(w, "load cooldown", err)
		return
	}
	banned, err := s.deps.Store.IsBanned(ctx, session.Address)
	if err != nil {
		s.internal(w, "load ban state", err)
		return
	}
	cooldown := &canvas.CooldownError{Remaining: remaining}
	if session.Admin {
		cooldown.Remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":         session.Address,
		"admin":           session.Admin,
		"banned":          banned,
		"balance":         lookup.Balance,
		"balanceSource":   lookup.Source,
		"tier":            viewTier(current),
		"cooldownSeconds": cooldown.RemainingSeconds(),
	})
}

type banRequest struct {
	Address  string `json:"address"`
	Reason   string `json:"reason"`
	BannedBy string `json:"bannedBy"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, canvas.InvalidInput("malformed body: %v", err))
		return
	}
	s.applyBan(r.Context(), w, req.Address, req.Reason, req.BannedBy, true)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	s.applyBan(r.Context(), w, chi.URLParam(r, "address"), "", "", false)
}

type lockRequest struct {
	X     *int      `json:"x"`
	Y     *int      `json:"y"`
	Until time.Time `json:"until"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, canvas.InvalidInput("malformed body: %v", err))
		return
	}
	if req.X == nil || req.Y == nil {
		writeError(w, canvas.InvalidInput("x and y are required"))
		return
	}
	if !req.Until.After(s.now()) {
		writeError(w, canvas.InvalidInput("until must be in the future"))
		return
	}
	s.setLock(r.Context(), w, *req.X, *req.Y, &req.Until)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil {
		writeError(w, canvas.InvalidInput("coordinates out of range"))
		return
	}
	s.setLock(r.Context(), w, x, y, nil)
}

func (s *Server) setLock(ctx context.Context, w http.ResponseWriter, x, y int, until *time.Time) {
	if !canvas.InBounds(x, y) {
		writeError(w, canvas.InvalidInput("coordinates out of range"))
		return
	}
	pixel, found, err := s.deps.Store.SetLock(ctx, x, y, until)
	if err != nil {
		s.internal(w, "set lock", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "cell is empty"})
		return
	}
	s.logger.Info("cell lock updated", "component", "server", "cell", pixel.Key(), "locked", until != nil)
	writeJSON(w, http.StatusOK, pixel)
}

func (s *Server) applyBan(ctx context.Context, w http.ResponseWriter, address, reason, by string, active bool) {
	normalized, ok := canvas.NormalizeAddress(address)
	if !ok {
		writeError(w, canvas.InvalidInput("invalid wallet address"))
		return
	}
	ban := canvas.Ban{
		WalletAddress: normalized,
		Reason:        strings.TrimSpace(reason),
		BannedBy:      strings.TrimSpace(by),
		BannedAt:      s.now().UTC(),
		Active:        active,
	}
	if err := s.deps.Store.ApplyBan(ctx, ban); err != nil {
		s.internal(w, "apply ban", err)
		return
	}
	s.logger.Info("ban updated", "component", "server", "address", normalized, "active", active)
	writeJSON(w, http.StatusOK, ban)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rebuilder == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "ledger not configured"})
		return
	}
	report, err := s.deps.Rebuilder.Rebuild(r.Context())
	if err != nil {
		s.internal(w, "rebuild cache", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	s.runProcessor(w, r, queue.RunOptions{})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	s.runProcessor(w, r, queue.RunOptions{FullBackup: true})
}

func (s *Server) runProcessor(w http.ResponseWriter, r *http.Request, opts queue.RunOptions) {
	if s.deps.Processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "ledger not configured"})
		return
	}
	report, err := s.deps.Processor.Run(r.Context(), opts)
	if err != nil {
		s.internal(w, "process queue", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"redis": "ok", "ledger": "ok"}
	code := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.deps.Ledger == nil {
		status["ledger"] = "disabled"
	} else if err := s.deps.Ledger.Ping(ctx); err != nil {
		status["ledger"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) boundedLimit(raw string, fallback int) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		limit = fallback
	}
	if limit > s.cfg.MaxHistory {
		limit = s.cfg.MaxHistory
	}
	return limit
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "component", "server", "error", err)
	writeError(w, err)
}
