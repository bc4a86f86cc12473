// Package relay ties the pieces of one request together: credential and
// account selection, request translation, the upstream call, response or
// stream translation, and health feedback to the account pool.
package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/account"
	"protorelay/internal/llm"
	"protorelay/internal/metrics"
	"protorelay/internal/protocol"
)

// CredentialMode decides where upstream credentials come from.
type CredentialMode string

const (
	// Passthrough builds a throwaway pool from the caller's own keys.
	Passthrough CredentialMode = "passthrough"
	// Static uses the configured shared pool.
	Static CredentialMode = "static"
)

const storeSaveTimeout = 2 * time.Second

type Options struct {
	Mode CredentialMode
	// Pool is the shared pool for Static mode.
	Pool *account.Pool
	// PoolOptions configure ephemeral pools in Passthrough mode.
	PoolOptions account.Options
	// ClientKeys are the caller keys accepted in Static mode.
	ClientKeys []string
	// AllowAnonymous serves Static mode callers without checking any key.
	AllowAnonymous bool

	Store    account.HealthStore
	StoreTTL time.Duration

	ForceBuffered        bool
	ForwardClientHeaders bool
	DefaultSystemPrompt  string
	DefaultMaxTokens     int
	// Models, when set, is served by the models endpoint instead of asking
	// the upstream.
	Models []string

	Logger *zap.Logger
}

type Relay struct {
	client   llm.Client
	upstream protocol.Protocol
	opts     Options
	logger   *zap.Logger
}

// New builds a relay in front of client.
func New(client llm.Client, opts Options) (*Relay, error) {
	if client == nil {
		return nil, errors.New("relay: upstream client is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Mode {
	case "":
		opts.Mode = Passthrough
	case Passthrough:
	case Static:
		if opts.Pool == nil {
			return nil, errors.New("relay: static mode needs an account pool")
		}
		if len(opts.ClientKeys) == 0 && !opts.AllowAnonymous {
			return nil, errors.New("relay: static mode needs client keys or AllowAnonymous")
		}
	default:
		return nil, errors.New("relay: unknown credential mode " + string(opts.Mode))
	}
	if opts.PoolOptions.Logger == nil {
		opts.PoolOptions.Logger = opts.Logger
	}

	r := &Relay{
		client:   client,
		upstream: client.Protocol(),
		opts:     opts,
		logger:   opts.Logger.Named("relay"),
	}
	if opts.Pool != nil {
		for _, snap := range opts.Pool.Snapshots() {
			setHealthGauge(snap)
		}
	}
	return r, nil
}

// Upstream is the protocol of the backend.
func (r *Relay) Upstream() protocol.Protocol {
	return r.upstream
}

// feedback reports the outcome of one upstream exchange to the pool. It is
// called exactly once per request.
func (r *Relay) feedback(ctx context.Context, lease *lease, failed bool) {
	var snap account.Snapshot
	if failed {
		snap = lease.pool.MarkFailure(lease.account)
	} else {
		snap = lease.pool.MarkSuccess(lease.account)
	}
	if lease.ephemeral {
		return
	}

	setHealthGauge(snap)
	if r.opts.Store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeSaveTimeout)
	defer cancel()
	if err := r.opts.Store.Save(saveCtx, snap.Key, snap, r.opts.StoreTTL); err != nil {
		r.logger.Warn("account snapshot not saved", zap.String("account", snap.Name), zap.Error(err))
	}
}

func setHealthGauge(snap account.Snapshot) {
	v := 0.0
	if snap.Healthy {
		v = 1
	}
	metrics.AccountHealthy.WithLabelValues(snap.Name).Set(v)
}

// Health summarises the relay for the health endpoint.
type Health struct {
	Status   string             `json:"status"`
	Upstream protocol.Protocol  `json:"upstream"`
	Mode     CredentialMode     `json:"credential_mode"`
	Accounts []account.Snapshot `json:"accounts,omitempty"`
}

// Health reports "ok", or "degraded" when the shared pool has no healthy
// enabled account left.
func (r *Relay) Health() Health {
	h := Health{Status: "ok", Upstream: r.upstream, Mode: r.opts.Mode}
	if r.opts.Mode != Static {
		return h
	}
	h.Accounts = r.opts.Pool.Snapshots()
	healthy := false
	for _, s := range h.Accounts {
		if s.Enabled && s.Healthy {
			healthy = true
			break
		}
	}
	if !healthy {
		h.Status = "degraded"
	}
	return h
}
