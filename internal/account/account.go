// Package account owns the upstream credential pool: per-account health,
// selection strategies and the optional snapshot store that carries health
// across restarts.
package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrNoAccount is returned by Select when the pool has no enabled account.
var ErrNoAccount = errors.New("no enabled account available")

// Entry describes one configured credential.
type Entry struct {
	Name       string
	Credential string
	Weight     int
	Disabled   bool
}

// Account is a pool-owned credential. Its mutable state is only touched
// under the owning pool's lock; callers read it through Snapshot.
type Account struct {
	Name       string
	Credential string
	Weight     int

	key                 string
	enabled             bool
	healthy             bool
	consecutiveFailures int
	lastFailure         time.Time
	total               int64
	success             int64
}

// Key is the store key of the account. It never contains the credential.
func (a *Account) Key() string {
	return a.key
}

func (a *Account) weight() int {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}

func (a *Account) snapshot() Snapshot {
	return Snapshot{
		Key:                 a.key,
		Name:                a.Name,
		Enabled:             a.enabled,
		Healthy:             a.healthy,
		Weight:              a.weight(),
		ConsecutiveFailures: a.consecutiveFailures,
		LastFailure:         a.lastFailure,
		TotalRequests:       a.total,
		SuccessfulRequests:  a.success,
	}
}

// Snapshot is a point-in-time copy of an account's state.
type Snapshot struct {
	Key                 string    `json:"-"`
	Name                string    `json:"name"`
	Enabled             bool      `json:"enabled"`
	Healthy             bool      `json:"healthy"`
	Weight              int       `json:"weight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
}

// StoreKey derives a stable key from a credential: account:<first 16 hex of sha256>.
func StoreKey(credential string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(credential)))
	return "account:" + hex.EncodeToString(sum[:])[:16]
}

// ParseCredentials splits a comma separated credential list, dropping blanks.
func ParseCredentials(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
