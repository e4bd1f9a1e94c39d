package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/martinemde/vizagent/logging"
)

// Middleware wraps a completion call. It receives the prompt and a next
// function that calls the downstream completer.
type Middleware func(ctx context.Context, p Prompt, next func(context.Context, Prompt) (string, error)) (string, error)

// Client decorates a Completer with retries, middleware and logging. It is
// safe for concurrent use if the wrapped Completer is.
type Client struct {
	base       Completer
	policy     RetryPolicy
	middleware []Middleware
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithMiddleware adds middleware to the client. The first registered runs first.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps base.
func NewClient(base Completer, opts ...ClientOption) *Client {
	c := &Client{
		base:   base,
		policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Complete sends p through the middleware chain with retries.
func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.base == nil {
		return "", &Error{Kind: KindUnavailable, Message: "no completer configured"}
	}

	handler := func(ctx context.Context, p Prompt) (string, error) {
		return c.base.Complete(ctx, p)
	}
	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, p Prompt) (string, error) {
			return mw(ctx, p, next)
		}
	}

	policy := c.policy
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		c.logger.Warn("retrying completion", "attempt", attempt, "delay", delay, "error", err)
		if userOnRetry != nil {
			userOnRetry(err, attempt, delay)
		}
	}

	return Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return handler(ctx, p)
	})
}

// Stream streams p from the wrapped completer when it implements Streamer.
// Otherwise the full completion is delivered as a single chunk. Streams are
// not retried once the first chunk has been produced.
func (c *Client) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	if s, ok := c.base.(Streamer); ok {
		ch, err := Retry(ctx, c.policy, func(ctx context.Context) (<-chan Chunk, error) {
			return s.Stream(ctx, p)
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	text, err := c.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: text}
	close(ch)
	return ch, nil
}
