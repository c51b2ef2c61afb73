// Package auth manages the Planet Radio account session: the CSRF-then-login
// handshake, decoding of the session cookie, expiry, and invalidation when the
// stored credentials change.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
	"github.com/micro-nova/planetradio-go/internal/upstream"
)

const (
	csrfHeader        = "X-CSRF-Token"
	csrfFormField     = "_csrf"
	sessionCookieName = "bauer_session"

	// loginOKStatus is the "status" value in the login response body that
	// signals success. The HTTP status alone is not reliable: failed logins
	// also come back as 200.
	loginOKStatus = 200
)

var (
	errMissingCredentials = errors.New("username and password are required")
	errNoCSRF             = errors.New("no csrf token in response")
	errNoSessionCookie    = errors.New("no session cookie in login response")
)

// Session owns the authenticated identity for one plugin instance.
// All methods are safe to call concurrently; Authenticate calls are
// serialized so at most one handshake runs at a time.
type Session struct {
	loginMu sync.Mutex // held for a whole handshake

	mu      sync.Mutex // guards the fields below, never held across I/O
	authURL string
	state   models.Session
	epoch   uint64 // bumped whenever the session is dropped

	client *upstream.Client
	now    func() time.Time
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces time.Now; tests use it to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates a Session that logs in against authURL.
func NewSession(client *upstream.Client, authURL string, opts ...Option) *Session {
	s := &Session{
		client:  client,
		authURL: authURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAuthURL points the session at a different login endpoint and drops
// any session obtained from the previous one.
func (s *Session) SetAuthURL(authURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authURL == authURL {
		return
	}
	s.authURL = authURL
	s.state = models.Session{}
	s.epoch++
}

// Authenticate returns the user id for the given credentials, performing the
// CSRF and login handshake unless an unexpired session already exists.
func (s *Session) Authenticate(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", &models.AuthError{Op: "authenticate", Err: errMissingCredentials}
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	s.mu.Lock()
	if s.validLocked() {
		uid := s.state.UserID
		s.mu.Unlock()
		return uid, nil
	}
	authURL, epoch := s.authURL, s.epoch
	s.mu.Unlock()

	next, err := s.login(ctx, authURL, username, password)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return "", err
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	// A session dropped mid-handshake was for other credentials or another
	// endpoint; the caller still gets its user id but it is not kept.
	if s.epoch != epoch {
		slog.Info("auth: session dropped during login, not kept", "user_id", next.UserID)
		return next.UserID, nil
	}
	s.state = next
	slog.Info("auth: logged in", "user_id", next.UserID, "expires_at", next.ExpiresAt)
	return next.UserID, nil
}

// IsValid reports whether a usable session exists. An expired session is
// cleared as a side effect.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked()
}

// Invalidate clears the session unconditionally.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.UserID != "" {
		slog.Info("auth: session invalidated", "user_id", s.state.UserID)
	}
	s.state = models.Session{}
	s.epoch++
}

// UserID returns the current user id, or "" when no valid session exists.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return ""
	}
	return s.state.UserID
}

// Cookie returns the session cookie value, or "" when no valid session exists.
func (s *Session) Cookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return ""
	}
	return s.state.Token
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// validLocked must be called with s.mu held.
func (s *Session) validLocked() bool {
	if s.state.UserID == "" || s.state.Token == "" {
		return false
	}
	if s.state.Expired(s.now()) {
		slog.Debug("auth: session expired", "user_id", s.state.UserID, "expires_at", s.state.ExpiresAt)
		s.state = models.Session{}
		return false
	}
	return true
}

// login runs both handshake steps. Any failure is an *models.AuthError.
func (s *Session) login(ctx context.Context, authURL, username, password string) (models.Session, error) {
	csrf, csrfCookies, err := s.fetchCSRF(ctx, authURL)
	if err != nil {
		return models.Session{}, &models.AuthError{Op: "csrf", Err: err}
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set(csrfFormField, csrf)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.Session{}, &models.AuthError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(csrfHeader, csrf)
	for _, c := range csrfCookies {
		req.AddCookie(c)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Session{}, &models.AuthError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return models.Session{}, &models.AuthError{Op: "login", Err: fmt.Errorf("read body: %w", err)}
	}

	var result struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return models.Session{}, &models.AuthError{Op: "login", Err: fmt.Errorf("parse body: %w", err)}
	}
	if result.Status != loginOKStatus {
		msg := result.Message
		if msg == "" {
			msg = "login rejected"
		}
		return models.Session{}, &models.AuthError{Op: "login", Err: fmt.Errorf("%s (status %d)", msg, result.Status)}
	}

	var token string
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			token = c.Value
			break
		}
	}
	if token == "" {
		return models.Session{}, &models.AuthError{Op: "login", Err: errNoSessionCookie}
	}

	claims, err := decodeClaims(token)
	if err != nil {
		return models.Session{}, &models.AuthError{Op: "decode", Err: err}
	}

	return models.Session{
		Token:     token,
		UserID:    claims.UserID,
		CSRF:      csrf,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// fetchCSRF requests a CSRF token and the cookies that bind it.
func (s *Session) fetchCSRF(ctx context.Context, authURL string) (string, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, &upstream.StatusError{URL: authURL, StatusCode: resp.StatusCode}
	}
	token := resp.Header.Get(csrfHeader)
	if token == "" {
		return "", nil, errNoCSRF
	}
	return token, resp.Cookies(), nil
}
