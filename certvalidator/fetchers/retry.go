package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig is the backoff policy applied to requests against one URL.
type RetryConfig struct {
	// MaxAttempts counts the first request. Values below one mean one.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by +/- this fraction.
	Jitter float64

	// RetryableErrors limits retries to matching errors when non-empty.
	RetryableErrors []error

	// OnRetry sees every failed attempt that is about to be retried.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the backoff timer. Nil uses the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig allows three attempts, doubling a one second delay.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// backoff returns the wait that follows failed attempt number attempt.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// retryable reports whether err warrants another attempt. Context errors
// never do.
func (c *RetryConfig) retryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case len(c.RetryableErrors) == 0:
		return true
	}
	for _, target := range c.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// AttemptError is the failure of one numbered attempt.
type AttemptError struct {
	Attempt int
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Retry calls fn until it succeeds or config gives up, sleeping on the
// config's clock in between. It returns the number of attempts made and, on
// failure, the joined AttemptErrors. A nil config means DefaultRetryConfig.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var zero T
	var errs []error
	for attempt := 1; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, attempt, nil
		}
		errs = append(errs, &AttemptError{Attempt: attempt, Err: err})
		if attempt >= config.MaxAttempts || !config.retryable(err) {
			return zero, attempt, errors.Join(errs...)
		}

		delay := config.backoff(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return zero, attempt, errors.Join(append(errs, ctx.Err())...)
		case <-clock.After(delay):
		}
	}
}

// firstSuccess returns the first value fn obtains from urls. URLs are tried
// in order, or all at once when concurrent is set, in which case the
// remaining requests are cancelled after a success. The error names the
// failure of every URL tried and wraps ErrFetchFailed.
func firstSuccess[T any](ctx context.Context, urls []string, concurrent bool, fn func(ctx context.Context, url string) (T, error)) (T, error) {
	var zero T
	if len(urls) == 0 {
		return zero, fmt.Errorf("%w: no URLs", ErrFetchFailed)
	}

	failures := make([]error, len(urls))
	var value T
	var ok bool
	if concurrent {
		value, ok = raceURLs(ctx, urls, failures, fn)
	} else {
		value, ok = walkURLs(ctx, urls, failures, fn)
	}
	if ok {
		return value, nil
	}
	return zero, fmt.Errorf("%w: all URLs failed: %w", ErrFetchFailed, errors.Join(failures...))
}

func walkURLs[T any](ctx context.Context, urls []string, failures []error, fn func(ctx context.Context, url string) (T, error)) (T, bool) {
	var zero T
	for i, u := range urls {
		value, err := fn(ctx, u)
		if err == nil {
			return value, true
		}
		failures[i] = fmt.Errorf("%s: %w", u, err)
		if ctx.Err() != nil {
			break
		}
	}
	return zero, false
}

func raceURLs[T any](ctx context.Context, urls []string, failures []error, fn func(ctx context.Context, url string) (T, error)) (T, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		index int
		value T
		err   error
	}
	outcomes := make(chan outcome, len(urls))
	for i, u := range urls {
		go func(i int, u string) {
			value, err := fn(ctx, u)
			outcomes <- outcome{index: i, value: value, err: err}
		}(i, u)
	}

	var zero T
	for range urls {
		o := <-outcomes
		if o.err == nil {
			return o.value, true
		}
		failures[o.index] = fmt.Errorf("%s: %w", urls[o.index], o.err)
	}
	return zero, false
}

// ErrCircuitOpen is returned without contacting the server while a breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreaker stops calling a failing responder or distribution point for
// a cool-down period. After the cool-down requests pass again, and the
// breaker closes once enough of them succeed in a row.
type CircuitBreaker struct {
	openAfter  int
	closeAfter int
	coolDown   time.Duration
	clock      clockwork.Clock

	mu    sync.Mutex
	state CircuitState
	// streak counts consecutive failures while closed and consecutive
	// successes while half-open.
	streak   int
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker that opens after
// failureThreshold consecutive failures, half-opens resetTimeout later and
// closes after successThreshold successes. A nil clock uses the real clock.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		openAfter:  failureThreshold,
		closeAfter: successThreshold,
		coolDown:   resetTimeout,
		clock:      clock,
	}
}

// DefaultCircuitBreaker opens after five consecutive failures and half-opens
// after 30 seconds on clock. A nil clock uses the real clock.
func DefaultCircuitBreaker(clock clockwork.Clock) *CircuitBreaker {
	return NewCircuitBreaker(5, 2, 30*time.Second, clock)
}

func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may be sent. An open breaker whose
// cool-down has elapsed becomes half-open.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.clock.Since(b.openedAt) >= b.coolDown {
		b.state, b.streak = CircuitHalfOpen, 0
	}
	return b.state != CircuitOpen
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		b.streak = 0
	case CircuitHalfOpen:
		if b.streak++; b.streak >= b.closeAfter {
			b.state, b.streak = CircuitClosed, 0
		}
	}
}

// RecordFailure counts a failed request. A failure while half-open reopens
// the breaker at once.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		if b.streak++; b.streak >= b.openAfter {
			b.trip()
		}
	case CircuitHalfOpen:
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state, b.streak, b.openedAt = CircuitOpen, 0, b.clock.Now()
}

// Reset closes the breaker and forgets its history.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.streak = CircuitClosed, 0
}
