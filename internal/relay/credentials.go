package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"protorelay/internal/account"
)

// AuthError means the caller did not present a usable credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// IsAuthError reports whether err is an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ExtractCredentials returns the caller's keys from x-api-key, falling back to
// Authorization: Bearer. Either may hold a comma separated list.
func ExtractCredentials(h http.Header) []string {
	if v := strings.TrimSpace(h.Get("X-Api-Key")); v != "" {
		return account.ParseCredentials(v)
	}
	auth := strings.TrimSpace(h.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return account.ParseCredentials(auth[len("bearer "):])
	}
	return nil
}

// lease is one selected account together with the pool it came from.
type lease struct {
	pool      *account.Pool
	account   *account.Account
	ephemeral bool
}

// acquire resolves the pool for a request and selects an account from it.
func (r *Relay) acquire(h http.Header) (*lease, error) {
	creds := ExtractCredentials(h)

	var (
		pool      *account.Pool
		ephemeral bool
	)
	switch r.opts.Mode {
	case Static:
		if !r.opts.AllowAnonymous {
			if len(creds) == 0 {
				return nil, &AuthError{Reason: "missing API key"}
			}
			if !r.clientKeyAllowed(creds) {
				return nil, &AuthError{Reason: "invalid API key"}
			}
		}
		pool = r.opts.Pool
	default:
		if len(creds) == 0 {
			return nil, &AuthError{Reason: "missing API key"}
		}
		p, err := account.NewEphemeralPool(creds, r.opts.PoolOptions)
		if err != nil {
			return nil, &AuthError{Reason: err.Error()}
		}
		pool = p
		ephemeral = true
	}

	a, err := pool.Select()
	if err != nil {
		return nil, err
	}
	return &lease{pool: pool, account: a, ephemeral: ephemeral}, nil
}

func (r *Relay) clientKeyAllowed(creds []string) bool {
	for _, c := range creds {
		for _, k := range r.opts.ClientKeys {
			if subtle.ConstantTimeCompare([]byte(c), []byte(k)) == 1 {
				return true
			}
		}
	}
	return false
}
