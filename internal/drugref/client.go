package drugref

import (
	"context"

	"go.uber.org/zap"

	"github.com/pharmos/dispense-engine/pkg/circuitbreaker"
)

// Client wraps a Lookup with a circuit breaker so a failing reference
// service degrades ingestion to fallback metadata instead of blocking it.
type Client struct {
	inner   Lookup
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a breaker-protected lookup client.
func NewClient(inner Lookup, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{inner: inner, breaker: breaker, logger: logger}
}

// Get implements Lookup. A lookup miss passes through as ErrNotFound and
// does not count against the breaker; an open circuit surfaces as ErrNotFound
// so the enricher applies its conservative fallback.
func (c *Client) Get(ctx context.Context, drugID string) (*Drug, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		d, err := c.inner.Get(ctx, drugID)
		if err == ErrNotFound {
			// Not a service failure.
			return nil, nil
		}
		return d, err
	})
	if err != nil {
		c.logger.Warn("drug reference lookup degraded",
			zap.String("drug_id", drugID),
			zap.Error(err))
		return nil, ErrNotFound
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result.(*Drug), nil
}
