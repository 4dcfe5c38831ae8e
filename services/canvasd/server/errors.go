package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tokencanvas/services/canvasd/canvas"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`

	RemainingSeconds *int64        `json:"remainingSeconds,omitempty"`
	CurrentVersion   *int64        `json:"currentVersion,omitempty"`
	CurrentPixel     *canvas.Pixel `json:"currentPixel,omitempty"`
	LockUntil        *time.Time    `json:"lockUntil,omitempty"`
	OwnerBalance     *int64        `json:"ownerBalance,omitempty"`
	YourBalance      *int64        `json:"yourBalance,omitempty"`
	HoursRemaining   *float64      `json:"hoursRemaining,omitempty"`
}

// writeError renders a pipeline outcome as the REST contract expects.
func writeError(w http.ResponseWriter, err error) {
	var (
		cooldown  *canvas.CooldownError
		conflict  *canvas.VersionConflictError
		locked    *canvas.LockedError
		protected *canvas.ProtectedError
	)
	switch {
	case errors.Is(err, canvas.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, canvas.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "wallet session required"})
	case errors.Is(err, canvas.ErrBanned):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "banned", Message: "address is banned"})
	case errors.As(err, &cooldown):
		secs := cooldown.RemainingSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "cooldown", RemainingSeconds: &secs})
	case errors.As(err, &conflict):
		current := conflict.CurrentVersion
		writeJSON(w, http.StatusConflict, errorBody{Error: "version_conflict", CurrentVersion: &current, CurrentPixel: conflict.Current})
	case errors.As(err, &locked):
		until := locked.Until.UTC()
		writeJSON(w, http.StatusForbidden, errorBody{Error: "locked", LockUntil: &until})
	case errors.As(err, &protected):
		owner, yours, hours := protected.OwnerBalance, protected.YourBalance, protected.HoursRemaining()
		writeJSON(w, http.StatusForbidden, errorBody{Error: "protected", OwnerBalance: &owner, YourBalance: &yours, HoursRemaining: &hours})
	case errors.Is(err, canvas.ErrUpstreamUnavailable):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream_unavailable", Message: "balance lookup unavailable, retry shortly"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
