package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages per-chat circuit breakers for outbound
// delivery.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for chatID, creating it on first use.
func (r *CircuitBreakerRegistry) Get(chatID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[chatID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        chatID,
		MaxRequests: 1,                // One probe in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("chat delivery breaker changed state", "chat_id", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is ours, not the channel's fault.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[chatID] = cb
	return cb
}

// Notifier wraps a Channel with per-chat breakers and retry. It is itself a
// Channel.
type Notifier struct {
	channel  Channel
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	logger   *slog.Logger
}

// NewNotifier creates a Notifier over channel.
func NewNotifier(channel Channel, retry RetryConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		channel:  channel,
		breakers: NewCircuitBreakerRegistry(logger),
		retry:    retry,
		logger:   logger,
	}
}

// SendMessage delivers text, retrying transient failures. It fails fast
// while the chat's breaker is open.
func (n *Notifier) SendMessage(ctx context.Context, chatID, text string) error {
	return sendWithRetry(ctx, n.channel, chatID, text, n.breakers.Get(chatID), n.retry)
}

// SetTyping is a single attempt; typing indicators are not worth retrying.
func (n *Notifier) SetTyping(ctx context.Context, chatID string, on bool) error {
	return n.channel.SetTyping(ctx, chatID, on)
}

// sendWithRetry sends text with exponential backoff retry and circuit breaker protection.
func sendWithRetry(ctx context.Context, ch Channel, chatID, text string, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) error {
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, ch.SendMessage(ctx, chatID, text)
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
}
