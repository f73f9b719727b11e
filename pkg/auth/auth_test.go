package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticate(t *testing.T) {
	s := NewStatic(map[string]string{"alice": "wonderland", "bob": "builder"})

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"valid credentials", "alice", "wonderland", true},
		{"wrong password", "alice", "builder", false},
		{"unknown user", "mallory", "wonderland", false},
		{"empty password", "alice", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Authenticate(tt.username, tt.password))
		})
	}
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
alice:
  password: wonderland
bob:
  password: builder
  disabled: true
`), 0o600))

	s, err := LoadStatic(path)
	require.NoError(t, err)

	assert.True(t, s.Authenticate("alice", "wonderland"))
	assert.True(t, s.Authorized("alice"))

	// Disabled users still authenticate but are not authorized.
	assert.True(t, s.Authenticate("bob", "builder"))
	assert.False(t, s.Authorized("bob"))

	assert.False(t, s.Authorized("mallory"))
}

func TestLoadStaticMissingFile(t *testing.T) {
	_, err := LoadStatic(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	var a AllowAll
	assert.True(t, a.Authenticate("anyone", "anything"))
	assert.False(t, a.Authenticate("", "anything"))
	assert.False(t, a.Authenticate("anyone", ""))
	assert.True(t, a.Authorized("anyone"))
	assert.False(t, a.Authorized(""))
}
