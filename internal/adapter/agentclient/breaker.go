package agentclient

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"masterlinc/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	Enabled bool
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 keeps them until the circuit opens.
	Interval time.Duration
}

// breakers lazily creates one breaker per agent id.
type breakers struct {
	settings BreakerConfig
	logger   *slog.Logger

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker[*domain.ExecuteResult]
}

func newBreakers(cfg BreakerConfig, logger *slog.Logger) *breakers {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &breakers{
		settings: cfg,
		logger:   logger,
		m:        make(map[string]*gobreaker.CircuitBreaker[*domain.ExecuteResult]),
	}
}

// execute runs fn through the agent's breaker. With breakers disabled fn runs directly.
func (b *breakers) execute(agentID string, fn func() (*domain.ExecuteResult, error)) (*domain.ExecuteResult, error) {
	if !b.settings.Enabled {
		return fn()
	}
	return b.get(agentID).Execute(fn)
}

func (b *breakers) get(agentID string) *gobreaker.CircuitBreaker[*domain.ExecuteResult] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[agentID]; ok {
		return cb
	}
	maxFailures := b.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*domain.ExecuteResult](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// An agent-reported failure is a healthy reply; a caller giving up says
		// nothing about the agent.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrCancelled)
		},
	})
	b.m[agentID] = cb
	return cb
}

func (b *breakers) states() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.m))
	for id, cb := range b.m {
		out[id] = cb.State().String()
	}
	return out
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
