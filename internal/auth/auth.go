package auth

import (
	"errors"
	"os"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Authenticator validates operator credentials for the control API.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *TokenManager
}

// NewAuthenticator creates an authenticator from environment variables.
// With AUTH_ENABLED unset the control API is open (dev mode).
func NewAuthenticator() *Authenticator {
	enabled := os.Getenv("AUTH_ENABLED") == "true"

	username := os.Getenv("AUTH_USERNAME")
	if username == "" {
		username = "admin"
	}

	password := os.Getenv("AUTH_PASSWORD")
	var passwordHash []byte

	if enabled && password != "" {
		// Accept a pre-computed bcrypt hash as-is
		if len(password) == 60 && password[0] == '$' {
			passwordHash = []byte(password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err == nil {
				passwordHash = hash
			}
		}
	}

	return &Authenticator{
		enabled:      enabled,
		username:     username,
		passwordHash: passwordHash,
		tokens:       NewTokenManager(),
	}
}

// IsEnabled reports whether authentication is enforced.
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a signed token with its
// expiry (unix seconds).
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.Generate(username)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a token and returns its claims.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Validate(token)
}
