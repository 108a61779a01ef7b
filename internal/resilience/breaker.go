// Package resilience wraps calls to external dependencies with named
// circuit breakers and an exponential backoff retry policy. The retry
// runs inside the breaker, so the breaker counts one failure per
// exhausted retry sequence, not per attempt.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// BreakerConfig holds the three state-machine thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a
	// closed breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive success count that closes a
	// half-open breaker; it also caps probes admitted while half-open.
	SuccessThreshold uint32
	// OpenDuration is how long an open breaker rejects before probing.
	OpenDuration time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	return c
}

// Breaker guards one named external dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker

	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
	timeouts   atomic.Int64
}

// StateHook observes breaker state transitions by state name.
type StateHook func(name, from, to string)

// NewBreaker builds a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, logger observability.Logger) *Breaker {
	return newBreaker(name, cfg, logger, nil)
}

func newBreaker(name string, cfg BreakerConfig, logger observability.Logger, hook StateHook) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	b := &Breaker{name: name, cfg: cfg}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Capacity pushback is the dependency protecting itself,
			// not the dependency failing.
			return err == nil || faults.KindOf(err) == faults.KindCapacity
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			if hook != nil {
				hook(name, from.String(), to.String())
			}
		},
	})
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn through the breaker. Open-state rejections return a
// retryable fault carrying the open duration as a retry-after hint.
// Deadline expiries count as timeouts and as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	switch {
	case err == nil:
		b.successes.Add(1)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejections.Add(1)
		return &faults.Error{
			Kind:       faults.KindRetryableTransport,
			Msg:        b.name + " unavailable, circuit open",
			Err:        err,
			RetryAfter: b.cfg.OpenDuration,
		}
	case errors.Is(err, context.DeadlineExceeded):
		b.timeouts.Add(1)
		return err
	default:
		b.failures.Add(1)
		return err
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Snapshot is one breaker's outcome counters for the status surface.
type Snapshot struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
	Rejections int64  `json:"rejections"`
	Timeouts   int64  `json:"timeouts"`
}

// Snapshot reads the counters without resetting them.
func (b *Breaker) Snapshot() Snapshot {
	return Snapshot{
		Name:       b.name,
		State:      b.State(),
		Successes:  b.successes.Load(),
		Failures:   b.failures.Load(),
		Rejections: b.rejections.Load(),
		Timeouts:   b.timeouts.Load(),
	}
}

// Registry hands out one breaker per dependency name.
type Registry struct {
	cfg    BreakerConfig
	logger observability.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	hook     StateHook
}

// NewRegistry builds a registry applying cfg to every new breaker.
func NewRegistry(cfg BreakerConfig, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.cfg, r.logger, r.notify)
	r.breakers[name] = b
	return b
}

// SetStateHook installs fn for every breaker the registry manages.
// Transitions that race the install may be delivered or missed.
func (r *Registry) SetStateHook(fn StateHook) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

func (r *Registry) notify(name, from, to string) {
	r.mu.RLock()
	fn := r.hook
	r.mu.RUnlock()
	if fn != nil {
		fn(name, from, to)
	}
}

// Snapshots returns every breaker's snapshot, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
