package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CookieName carries the signed session token on every response.
	CookieName = "docgenius_session"
	// DefaultTTL is the session lifetime when none is configured.
	DefaultTTL = 7 * 24 * time.Hour

	leeway = 15 * time.Second
)

var errInvalidSession = errors.New("invalid session token")

// Manager issues and verifies signed session cookies. Each session carries
// only an opaque user id; users exist for exactly as long as their cookie.
type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewManager constructs a session manager signing with the given secret.
func NewManager(secret string, ttl time.Duration, secureCookies bool) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, secure: secureCookies}, nil
}

// Issue signs a session token for the given user id.
func (m *Manager) Issue(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify returns the user id embedded in a session token.
func (m *Manager) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSession
		}
		return m.secret, nil
	}, jwt.WithLeeway(leeway))
	if err != nil || !parsed.Valid {
		return "", errInvalidSession
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidSession
	}
	return claims.Subject, nil
}

// EnsureUser resolves the caller's user id from the session cookie,
// minting a fresh session when the cookie is absent or invalid.
func (m *Manager) EnsureUser(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if userID, err := m.Verify(cookie.Value); err == nil {
			return userID
		}
	}
	userID := uuid.NewString()
	token, err := m.Issue(userID)
	if err != nil {
		return userID
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return userID
}
