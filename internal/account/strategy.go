package account

import (
	"fmt"
	"math/rand"
	"strings"
)

// Strategy picks among healthy accounts.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	Weighted   Strategy = "weighted"
)

// ParseStrategy accepts the config spellings of a strategy. Empty means round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "round-robin", "roundrobin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "weighted":
		return Weighted, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// pickWeighted draws an integer in [1, total] and returns the first account
// whose cumulative weight reaches it.
func pickWeighted(rng *rand.Rand, accounts []*Account) *Account {
	total := 0
	for _, a := range accounts {
		total += a.weight()
	}
	draw := rng.Intn(total) + 1
	cumulative := 0
	for _, a := range accounts {
		cumulative += a.weight()
		if cumulative >= draw {
			return a
		}
	}
	return accounts[len(accounts)-1]
}
