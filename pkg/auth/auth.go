package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Authenticator answers the two questions session establishment asks:
// are these credentials valid, and may this user submit jobs.
type Authenticator interface {
	// Authenticate checks a username and password pair
	Authenticate(username, password string) bool

	// Authorized reports whether an authenticated user may use the
	// platform
	Authorized(username string) bool
}

// AllowAll accepts any non-empty credentials. Used in development
// deployments where the platform runs behind an external gateway.
type AllowAll struct{}

func (AllowAll) Authenticate(username, password string) bool {
	return username != "" && password != ""
}

func (AllowAll) Authorized(username string) bool { return username != "" }

type userRecord struct {
	Password string `yaml:"password"`
	Disabled bool   `yaml:"disabled"`
}

// Static authenticates against a fixed user table loaded from a YAML
// file.
type Static struct {
	users map[string]userRecord
}

// LoadStatic reads a users file of the form:
//
//	alice:
//	  password: "..."
//	bob:
//	  password: "..."
//	  disabled: true
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var users map[string]userRecord
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("users file %s defines no users", path)
	}
	return &Static{users: users}, nil
}

// NewStatic builds an authenticator from an in-memory user table
func NewStatic(users map[string]string) *Static {
	table := make(map[string]userRecord, len(users))
	for name, password := range users {
		table[name] = userRecord{Password: password}
	}
	return &Static{users: table}
}

func (s *Static) Authenticate(username, password string) bool {
	rec, ok := s.users[username]
	if !ok {
		return false
	}
	// Constant-time comparison over digests so length differences leak
	// nothing either.
	want := sha256.Sum256([]byte(rec.Password))
	got := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func (s *Static) Authorized(username string) bool {
	rec, ok := s.users[username]
	return ok && !rec.Disabled
}
