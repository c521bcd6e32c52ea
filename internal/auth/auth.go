// Package auth carries gateway session credentials into API calls.
//
// Logging in is done outside this module: the Client Portal gateway hands
// out a session cookie after an interactive login, and a helper writes it to
// a file or environment variable. This package only loads that cookie and
// turns it into request headers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrNoSession is returned when no session cookie is configured.
var ErrNoSession = errors.New("no gateway session configured")

// Header names used by the gateway.
const (
	HeaderCookie = "Cookie"
	HeaderCSRF   = "X-CSRF-TOKEN"
)

// Session is the value object passed explicitly into every API call.
type Session struct {
	Cookie    string // Cookie header value, e.g. "api=abc123"
	CSRFToken string // Optional anti-CSRF token echoed by the gateway
}

// Valid reports whether the session carries a cookie. A local gateway with
// cookie checks disabled accepts an empty session, so callers decide
// whether an invalid session is fatal.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.Cookie) != ""
}

// Headers returns the authentication headers for a request.
func (s Session) Headers() map[string]string {
	h := make(map[string]string, 2)
	if s.Cookie != "" {
		h[HeaderCookie] = s.Cookie
	}
	if s.CSRFToken != "" {
		h[HeaderCSRF] = s.CSRFToken
	}
	return h
}

// Apply sets the session headers on req.
func (s Session) Apply(req *http.Request) {
	for k, v := range s.Headers() {
		req.Header.Set(k, v)
	}
}

// WithCSRFToken returns a copy of the session carrying token. An empty token
// leaves the session unchanged.
func (s Session) WithCSRFToken(token string) Session {
	if token != "" {
		s.CSRFToken = token
	}
	return s
}

// Provider supplies the current session.
type Provider interface {
	Session(ctx context.Context) (Session, error)
}

// StaticProvider always returns the same session.
type StaticProvider struct {
	session Session
}

// NewStaticProvider wraps a fixed session.
func NewStaticProvider(s Session) *StaticProvider {
	return &StaticProvider{session: s}
}

func (p *StaticProvider) Session(context.Context) (Session, error) {
	return p.session, nil
}

// FileProvider re-reads the cookie file on every call, so a login helper
// can refresh the session without restarting the sync process.
type FileProvider struct {
	path string
	csrf string
}

// NewFileProvider reads the cookie from path.
func NewFileProvider(path, csrfToken string) *FileProvider {
	return &FileProvider{path: path, csrf: csrfToken}
}

func (p *FileProvider) Session(context.Context) (Session, error) {
	cookie, err := LoadCookie(p.path)
	if err != nil {
		return Session{}, err
	}
	return Session{Cookie: cookie, CSRFToken: p.csrf}, nil
}

// LoadCookie reads a cookie file. The file holds either a full Cookie header
// value ("api=abc; x-sess-uuid=...") or a bare session token, which is sent
// as the gateway's "api" cookie. Lines starting with '#' are ignored.
func LoadCookie(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	var parts []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
	}
	cookie := strings.Join(parts, "; ")
	if cookie == "" {
		return "", fmt.Errorf("cookie file %s: %w", path, ErrNoSession)
	}
	if !strings.Contains(cookie, "=") {
		cookie = "api=" + cookie
	}
	return cookie, nil
}

// NewProvider picks a provider from configuration: a cookie file wins over
// an inline cookie. With neither, the provider yields an empty session.
func NewProvider(cookie, cookieFile, csrfToken string) Provider {
	if cookieFile != "" {
		return NewFileProvider(cookieFile, csrfToken)
	}
	return NewStaticProvider(Session{Cookie: strings.TrimSpace(cookie), CSRFToken: csrfToken})
}
