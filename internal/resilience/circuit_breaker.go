package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by every error a breaker returns while rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // time spent open before a trial call
	SuccessThreshold int           `json:"success_threshold"` // half-open successes needed to close

	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to CircuitBreakerState) `json:"-"`
}

// CircuitBreaker guards calls to one downstream service such as the page
// fetcher or the block webhook.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	successes   int
	nextAttempt time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a circuit breaker, filling zero config fields with defaults
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the guarded service name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call executes fn unless the breaker is open
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Before(cb.nextAttempt) {
		cb.mu.Unlock()
		return &CircuitBreakerError{Service: cb.name, State: StateOpen}
	}
	cb.successes = 0
	from := cb.transition(StateHalfOpen)
	cb.mu.Unlock()

	cb.notify(from, StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	from := cb.state
	to := from

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				to = StateClosed
			}
		}
	} else {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			to = StateOpen
			cb.nextAttempt = cb.now().Add(cb.config.RecoveryTimeout)
		}
	}
	if to != from {
		cb.transition(to)
	}
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitBreakerState) CircuitBreakerState {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
		cb.successes = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// CircuitBreakerError is returned while a breaker rejects calls
type CircuitBreakerError struct {
	Service string
	State   CircuitBreakerState
}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker for " + e.Service + " is " + e.State.String()
}

func (e *CircuitBreakerError) Is(target error) bool { return target == ErrCircuitOpen }

// CircuitBreakerRegistry manages one breaker per downstream service
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new registry
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (r *CircuitBreakerRegistry) GetOrCreate(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}
	breaker := NewCircuitBreaker(name, config)
	r.breakers[name] = breaker
	return breaker
}

// Get returns a circuit breaker by name
func (r *CircuitBreakerRegistry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	breaker, exists := r.breakers[name]
	return breaker, exists
}

// ResetAll resets all circuit breakers
func (r *CircuitBreakerRegistry) ResetAll() {
	for _, breaker := range r.list() {
		breaker.Reset()
	}
}

func (r *CircuitBreakerRegistry) list() []*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// GetStats returns statistics for all circuit breakers
func (r *CircuitBreakerRegistry) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, breaker := range r.list() {
		stats[breaker.name] = map[string]interface{}{
			"state":    breaker.State().String(),
			"failures": breaker.Failures(),
		}
	}
	return stats
}
