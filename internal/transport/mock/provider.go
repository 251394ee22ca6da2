package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/acme/blast-dispatch/internal/config"
	"github.com/acme/blast-dispatch/internal/transport"
)

// Provider simulates a messaging gateway.
type Provider struct {
	successRate float64
	latency     time.Duration
	clock       clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider. A nil clock uses wall time.
func NewProvider(cfg config.TransportConfig, clock clockwork.Clock) *Provider {
	rate := cfg.MockSuccess
	if rate <= 0 || rate > 1 {
		rate = 0.95
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{
		successRate: rate,
		latency:     cfg.MockLatency,
		clock:       clock,
		rng:         rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// Send simulates a delivery attempt.
func (p *Provider) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	p.mu.Lock()
	jitter := time.Duration(0)
	if p.latency > 0 {
		jitter = time.Duration(p.rng.Int63n(int64(p.latency)))
	}
	roll := p.rng.Float64()
	retryRoll := p.rng.Float64()
	p.mu.Unlock()

	if wait := p.latency/2 + jitter; wait > 0 {
		timer := p.clock.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return transport.Result{}, &transport.Error{Reason: ctx.Err().Error(), Retryable: true}
		case <-timer.Chan():
		}
	}

	if roll <= p.successRate {
		return transport.Result{ProviderMessageID: uuid.NewString()}, nil
	}

	switch {
	case retryRoll < 0.6:
		return transport.Result{}, &transport.Error{Reason: "simulated gateway timeout", Retryable: true}
	case retryRoll < 0.8:
		return transport.Result{}, &transport.Error{Reason: "simulated recipient block", Blocked: true}
	default:
		return transport.Result{}, &transport.Error{Reason: "simulated invalid recipient"}
	}
}
