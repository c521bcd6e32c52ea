package auth

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Headers(t *testing.T) {
	s := Session{Cookie: "api=abc123", CSRFToken: "tok"}

	headers := s.Headers()
	assert.Equal(t, "api=abc123", headers[HeaderCookie])
	assert.Equal(t, "tok", headers[HeaderCSRF])
	assert.Empty(t, Session{}.Headers())
}

func TestSession_Apply(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://localhost:5000/v1/api/portfolio/accounts", nil)
	require.NoError(t, err)
	Session{Cookie: "api=xyz"}.Apply(req)

	assert.Equal(t, "api=xyz", req.Header.Get("Cookie"))
	assert.Empty(t, req.Header.Get("X-CSRF-TOKEN"))
}

func TestSession_WithCSRFToken(t *testing.T) {
	s := Session{Cookie: "api=1", CSRFToken: "old"}
	assert.Equal(t, "old", s.WithCSRFToken("").CSRFToken, "empty token replaced the CSRF token")
	assert.Equal(t, "new", s.WithCSRFToken("new").CSRFToken)
	assert.Equal(t, "old", s.CSRFToken, "WithCSRFToken mutated the receiver")
}

func TestLoadCookie(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"bare token", "abc123\n", "api=abc123", false},
		{"header value", "api=abc; x-sess-uuid=42\n", "api=abc; x-sess-uuid=42", false},
		{"multi line", "# written by login helper\napi=abc\nx-sess-uuid=42\n", "api=abc; x-sess-uuid=42", false},
		{"empty", "\n# nothing\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cookie")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			got, err := LoadCookie(path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoSession)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := LoadCookie(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFileProvider_RereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))
	p := NewFileProvider(path, "csrf")

	s, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api=first", s.Cookie)
	assert.Equal(t, "csrf", s.CSRFToken)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	s, err = p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api=second", s.Cookie)
}

func TestNewProvider(t *testing.T) {
	assert.IsType(t, &FileProvider{}, NewProvider("api=1", "/tmp/cookie", ""), "cookie file should take precedence")

	s, err := NewProvider(" api=1 ", "", "tok").Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api=1", s.Cookie)
	assert.Equal(t, "tok", s.CSRFToken)
	assert.True(t, s.Valid())
	assert.False(t, Session{}.Valid())
}
