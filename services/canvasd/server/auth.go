package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tokencanvas/services/canvasd/canvas"
)

// SessionConfig configures wallet session verification.
type SessionConfig struct {
	HMACSecret     string
	Issuer         string
	Audience       string
	AdminAddresses []string
	ClockSkew      time.Duration
}

// Session is the authenticated wallet behind a request.
type Session struct {
	Address string
	Admin   bool
}

type sessionContextKey struct{}

// SessionFromContext extracts the wallet session from the request context.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	s, ok := ctx.Value(sessionContextKey{}).(Session)
	return s, ok
}

// SessionAuth verifies HMAC-signed session tokens whose subject is the wallet
// address. The admin flag comes from an `admin` claim or the configured
// admin address list.
type SessionAuth struct {
	secret    []byte
	issuer    string
	audience  string
	admins    map[string]struct{}
	clockSkew time.Duration
}

// NewSessionAuth constructs a verifier.
func NewSessionAuth(cfg SessionConfig) (*SessionAuth, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("session secret required")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	admins := make(map[string]struct{}, len(cfg.AdminAddresses))
	for _, addr := range cfg.AdminAddresses {
		if normalized, ok := canvas.NormalizeAddress(addr); ok {
			admins[normalized] = struct{}{}
		}
	}
	return &SessionAuth{
		secret:    []byte(secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		admins:    admins,
		clockSkew: skew,
	}, nil
}

// Optional attaches a session when a valid token is presented and passes
// anonymous requests through untouched.
func (a *SessionAuth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a != nil {
			if session, err := a.authenticate(r); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, session))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests without a valid session.
func (a *SessionAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, canvas.ErrUnauthenticated)
			return
		}
		session, err := a.authenticate(r)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", canvas.ErrUnauthenticated, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, session)))
	})
}

func (a *SessionAuth) authenticate(r *http.Request) (Session, error) {
	raw := parseBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return Session{}, errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Session{}, err
	}
	if !token.Valid {
		return Session{}, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return Session{}, err
	}
	address, ok := canvas.NormalizeAddress(subject)
	if !ok {
		return Session{}, errors.New("subject is not a wallet address")
	}
	session := Session{Address: address}
	if flag, ok := claims["admin"].(bool); ok && flag {
		session.Admin = true
	}
	if _, ok := a.admins[address]; ok {
		session.Admin = true
	}
	return session, nil
}

// SecretAuth guards operator endpoints with shared secrets compared in
// constant time. The cron secret only unlocks endpoints that opt into it.
type SecretAuth struct {
	admin []byte
	cron  []byte
}

// NewSecretAuth constructs the operator authenticator. At least the admin
// secret must be set.
func NewSecretAuth(adminSecret, cronSecret string) (*SecretAuth, error) {
	adminSecret = strings.TrimSpace(adminSecret)
	if adminSecret == "" {
		return nil, fmt.Errorf("admin secret required")
	}
	return &SecretAuth{admin: []byte(adminSecret), cron: []byte(strings.TrimSpace(cronSecret))}, nil
}

// Admin requires the admin secret.
func (a *SecretAuth) Admin(next http.Handler) http.Handler {
	return a.guard(next, false)
}

// AdminOrCron accepts either the admin or the cron secret.
func (a *SecretAuth) AdminOrCron(next http.Handler) http.Handler {
	return a.guard(next, true)
}

func (a *SecretAuth) guard(next http.Handler, allowCron bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "admin_disabled", Message: "operator authentication not configured"})
			return
		}
		if a.matches(r, allowCron) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "operator secret required"})
	})
}

func (a *SecretAuth) matches(r *http.Request, allowCron bool) bool {
	candidates := []string{
		parseBearerToken(r.Header.Get("Authorization")),
		strings.TrimSpace(r.Header.Get("X-Admin-Secret")),
	}
	if allowCron {
		candidates = append(candidates, strings.TrimSpace(r.Header.Get("X-Cron-Secret")))
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), a.admin) == 1 {
			return true
		}
		if allowCron && len(a.cron) > 0 && subtle.ConstantTimeCompare([]byte(candidate), a.cron) == 1 {
			return true
		}
	}
	return false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(trimmed, " ")
	if !ok || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
