// Package breaker keeps one circuit breaker per named engine so repeated
// failures of a collaborator stop being retried for a cooldown period.
package breaker

import (
	"sync"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute while the named breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

type Settings struct {
	// Failures is the consecutive-failure count that opens a breaker.
	Failures int
	// Cooldown is how long an open breaker waits before a half-open probe.
	Cooldown time.Duration
}

type Registry struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	changed  map[string]time.Time
}

func NewRegistry(settings Settings) *Registry {
	if settings.Failures < 1 {
		settings.Failures = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = time.Minute
	}
	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		changed:  make(map[string]time.Time),
	}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := uint32(r.settings.Failures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Breaker %s: %s -> %s", name, from, to)
			r.mu.Lock()
			r.changed[name] = time.Now()
			r.mu.Unlock()
		},
	})
	r.breakers[name] = cb
	r.changed[name] = time.Now()
	return cb
}

// Execute runs fn through the breaker called name. While the breaker is open
// fn is not called and ErrOpen is returned.
func (r *Registry) Execute(name string, fn func() error) error {
	_, err := r.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Allowed reports whether a call through name would currently be attempted.
func (r *Registry) Allowed(name string) bool {
	return r.get(name).State() != gobreaker.StateOpen
}

// Snapshot returns the state of every breaker used so far, keyed by name.
func (r *Registry) Snapshot() map[string]jobs.BreakerState {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	cbs := make([]*gobreaker.CircuitBreaker, 0, len(r.breakers))
	for name, cb := range r.breakers {
		names = append(names, name)
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	out := make(map[string]jobs.BreakerState, len(names))
	for i, cb := range cbs {
		// State() must be read before taking r.mu: it can fire OnStateChange.
		state := cb.State()
		counts := cb.Counts()
		r.mu.Lock()
		updated := r.changed[names[i]]
		r.mu.Unlock()
		out[names[i]] = jobs.BreakerState{
			State:               state.String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			UpdatedAt:           updated,
		}
	}
	return out
}
