package account

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/metrics"
)

const (
	DefaultFailureThreshold = 3
	DefaultResetWindow      = 60 * time.Second
)

// Options configures a Pool.
type Options struct {
	Strategy Strategy
	// FailureThreshold is the number of consecutive failures that marks an
	// account unhealthy (default 3).
	FailureThreshold int
	// ResetWindow is how long after its last failure an unhealthy account is
	// given another chance (default 60s). Recovery is evaluated on Select.
	ResetWindow time.Duration

	// Now and Rand are injectable for tests.
	Now    func() time.Time
	Rand   *rand.Rand
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = RoundRobin
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ResetWindow <= 0 {
		o.ResetWindow = DefaultResetWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Pool holds accounts and their health. All state changes happen under mu.
type Pool struct {
	mu       sync.Mutex
	opts     Options
	accounts []*Account
	byKey    map[string]*Account
	rrIndex  uint64
	logger   *zap.Logger
}

// NewPool builds a pool from configured entries.
func NewPool(entries []Entry, opts Options) (*Pool, error) {
	if len(entries) == 0 {
		return nil, errors.New("account pool needs at least one entry")
	}
	opts = opts.withDefaults()

	p := &Pool{
		opts:     opts,
		accounts: make([]*Account, 0, len(entries)),
		byKey:    make(map[string]*Account, len(entries)),
		logger:   opts.Logger.Named("accounts"),
	}
	for i, e := range entries {
		if e.Credential == "" {
			return nil, fmt.Errorf("account %d: credential is empty", i)
		}
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("account-%d", i+1)
		}
		a := &Account{
			Name:       name,
			Credential: e.Credential,
			Weight:     e.Weight,
			key:        StoreKey(e.Credential),
			enabled:    !e.Disabled,
			healthy:    true,
		}
		p.accounts = append(p.accounts, a)
		p.byKey[a.key] = a
	}
	return p, nil
}

// NewEphemeralPool builds a throwaway pool from caller supplied credentials.
// Its round-robin index starts fresh, so nothing carries across requests.
func NewEphemeralPool(credentials []string, opts Options) (*Pool, error) {
	entries := make([]Entry, 0, len(credentials))
	for i, c := range credentials {
		entries = append(entries, Entry{Name: fmt.Sprintf("key-%d", i+1), Credential: c})
	}
	return NewPool(entries, opts)
}

// Len is the number of accounts, enabled or not.
func (p *Pool) Len() int {
	return len(p.accounts)
}

// Strategy reports the configured selection strategy.
func (p *Pool) Strategy() Strategy {
	return p.opts.Strategy
}

// Select returns one enabled account. Healthy accounts are preferred; when
// none is healthy the first enabled account is returned and a warning logged.
func (p *Pool) Select() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recoverLocked(p.opts.Now())

	if len(p.accounts) == 1 {
		a := p.accounts[0]
		if !a.enabled {
			return nil, ErrNoAccount
		}
		p.observeSelection(a, "single")
		return a, nil
	}

	healthy := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.enabled && a.healthy {
			healthy = append(healthy, a)
		}
	}

	if len(healthy) == 0 {
		for _, a := range p.accounts {
			if a.enabled {
				p.logger.Warn("no healthy account, using first enabled account",
					zap.String("account", a.Name),
					zap.Int("pool_size", len(p.accounts)),
				)
				p.observeSelection(a, "degraded")
				return a, nil
			}
		}
		return nil, ErrNoAccount
	}

	var chosen *Account
	switch p.opts.Strategy {
	case Random:
		chosen = healthy[p.opts.Rand.Intn(len(healthy))]
	case Weighted:
		chosen = pickWeighted(p.opts.Rand, healthy)
	default:
		chosen = healthy[p.rrIndex%uint64(len(healthy))]
		p.rrIndex++
	}

	p.observeSelection(chosen, "healthy")
	return chosen, nil
}

// recoverLocked flips back any unhealthy account whose last failure is older
// than the reset window.
func (p *Pool) recoverLocked(now time.Time) {
	for _, a := range p.accounts {
		if a.healthy || now.Sub(a.lastFailure) <= p.opts.ResetWindow {
			continue
		}
		a.healthy = true
		a.consecutiveFailures = 0
		p.logger.Info("account recovered",
			zap.String("account", a.Name),
			zap.Duration("reset_window", p.opts.ResetWindow),
		)
	}
}

func (p *Pool) observeSelection(a *Account, outcome string) {
	metrics.AccountSelectionsTotal.WithLabelValues(string(p.opts.Strategy), outcome).Inc()
	p.logger.Debug("account selected",
		zap.String("account", a.Name),
		zap.String("outcome", outcome),
	)
}

// MarkSuccess records a successful request on a.
func (p *Pool) MarkSuccess(a *Account) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	a.total++
	a.success++
	a.consecutiveFailures = 0
	return a.snapshot()
}

// MarkFailure records a failed request on a and flips it unhealthy once the
// failure threshold is reached.
func (p *Pool) MarkFailure(a *Account) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	a.total++
	a.consecutiveFailures++
	a.lastFailure = p.opts.Now()

	if a.healthy && a.consecutiveFailures >= p.opts.FailureThreshold {
		a.healthy = false
		p.logger.Warn("account marked unhealthy",
			zap.String("account", a.Name),
			zap.Int("consecutive_failures", a.consecutiveFailures),
			zap.Int("threshold", p.opts.FailureThreshold),
		)
	}
	return a.snapshot()
}

// Snapshots returns the state of every account in pool order.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.snapshot())
	}
	return out
}

// Restore applies persisted health and counters to the account with the same
// key. Identity fields (name, weight, enabled) always come from config.
func (p *Pool) Restore(key string, s Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.byKey[key]
	if !ok {
		return false
	}
	a.healthy = s.Healthy
	a.consecutiveFailures = s.ConsecutiveFailures
	a.lastFailure = s.LastFailure
	a.total = s.TotalRequests
	a.success = s.SuccessfulRequests
	return true
}

// Keys lists the store keys of every account.
func (p *Pool) Keys() []string {
	out := make([]string, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.key)
	}
	return out
}
