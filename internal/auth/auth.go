package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserBlocked is returned while a user is locked out
	ErrUserBlocked = errors.New("too many failed attempts")
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid token")
)

// BlockedError carries the remaining lockout time
type BlockedError struct {
	Remaining time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrUserBlocked, e.Remaining.Round(time.Second))
}

func (e *BlockedError) Unwrap() error { return ErrUserBlocked }

// Verifier checks a user name and password
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

// APIKeys maps static API keys to the user they authenticate as
type APIKeys map[string]string

// Lookup returns the user owning key. The comparison runs over every
// entry in constant time per key.
func (k APIKeys) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	var found string
	for candidate, user := range k {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found = user
		}
	}
	return found, found != ""
}

// Authenticator combines the user store, token issuer and lockout
type Authenticator struct {
	users   Verifier
	tokens  *TokenIssuer
	lockout *Lockout
	apiKeys APIKeys
	logger  zerolog.Logger
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(users Verifier, tokens *TokenIssuer, lockout *Lockout, apiKeys APIKeys, logger zerolog.Logger) *Authenticator {
	if apiKeys == nil {
		apiKeys = APIKeys{}
	}
	return &Authenticator{
		users:   users,
		tokens:  tokens,
		lockout: lockout,
		apiKeys: apiKeys,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
}

// Login verifies the credentials and issues a token
func (a *Authenticator) Login(ctx context.Context, username, password string) (Token, error) {
	if blocked, remaining := a.lockout.Blocked(username); blocked {
		a.logger.Warn().Str("user", username).Dur("remaining", remaining).Msg("Login refused, user blocked")
		return Token{}, &BlockedError{Remaining: remaining}
	}

	if err := a.users.Verify(ctx, username, password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return Token{}, err
		}
		n, blocked := a.lockout.Fail(username)
		ev := a.logger.Warn().Str("user", username).Int("attempt", n)
		if blocked {
			ev.Msg("User blocked after repeated failed logins")
		} else {
			ev.Msg("Failed login attempt")
		}
		return Token{}, err
	}

	a.lockout.Reset(username)
	tok, err := a.tokens.Issue(username)
	if err != nil {
		return Token{}, err
	}
	a.logger.Info().Str("user", username).Msg("Issued access token")
	return tok, nil
}

// VerifyToken returns the user a bearer token was issued to
func (a *Authenticator) VerifyToken(raw string) (string, error) {
	return a.tokens.Verify(raw)
}

// VerifyAPIKey returns the user owning key
func (a *Authenticator) VerifyAPIKey(key string) (string, bool) {
	return a.apiKeys.Lookup(key)
}
