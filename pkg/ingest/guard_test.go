package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csbot-dev/csbot/pkg/domain"
)

func TestValidatePath_InsideBase(t *testing.T) {
	base := t.TempDir()
	sub := filepath.Join(base, "docs")
	require.NoError(t, os.MkdirAll(sub, 0755))
	file := filepath.Join(sub, "faq.md")
	require.NoError(t, os.WriteFile(file, []byte("# FAQ"), 0644))

	resolved, err := ValidatePath(base, file)
	require.NoError(t, err)
	assert.NotEmpty(t, resolved)
}

func TestValidatePath_TraversalRejected(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.md")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0644))

	_, err := ValidatePath(base, filepath.Join(base, "..", filepath.Base(outside), "secret.md"))
	assert.ErrorIs(t, err, domain.ErrPathTraversal)

	_, err = ValidatePath(base, secret)
	assert.ErrorIs(t, err, domain.ErrPathTraversal)
}

func TestValidatePath_SymlinkEscapeRejected(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "target.md")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))

	link := filepath.Join(base, "link.md")
	require.NoError(t, os.Symlink(target, link))

	_, err := ValidatePath(base, link)
	assert.ErrorIs(t, err, domain.ErrPathTraversal)
}

func TestValidatePath_NoBaseConfigured(t *testing.T) {
	_, err := ValidatePath("", "/anything")
	assert.ErrorIs(t, err, domain.ErrConfigurationError)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"loopback ip", "http://127.0.0.1/admin", domain.ErrBlockedURL},
		{"loopback name", "http://localhost:8080/", domain.ErrBlockedURL},
		{"private ten", "http://10.0.0.5/", domain.ErrBlockedURL},
		{"private one-seven-two", "http://172.16.0.1/", domain.ErrBlockedURL},
		{"private one-nine-two", "http://192.168.1.1/", domain.ErrBlockedURL},
		{"link local", "http://169.254.169.254/latest/meta-data/", domain.ErrBlockedURL},
		{"cgnat", "http://100.64.0.1/", domain.ErrBlockedURL},
		{"unspecified", "http://0.0.0.0/", domain.ErrBlockedURL},
		{"file scheme", "file:///etc/passwd", domain.ErrBlockedURL},
		{"gopher scheme", "gopher://example.com/", domain.ErrBlockedURL},
		{"missing host", "http:///path", domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateURL(tt.url)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
