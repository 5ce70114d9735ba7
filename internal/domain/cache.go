package domain

import (
	"context"
	"time"
)

// PriceCache is the fast path for latest trade prices, keyed by market and
// outcome. Reads are batched; a miss is absent from the result, never an
// error.
type PriceCache interface {
	SetPrices(ctx context.Context, prices map[Pair]PricePoint) error
	GetPrices(ctx context.Context, pairs []Pair) (map[Pair]PricePoint, error)
}

// LockManager hands out coarse distributed locks for passes that must run on
// at most one worker at a time.
type LockManager interface {
	// Acquire takes the named lock for ttl. ErrLockHeld when another holder
	// has it. The release func is safe to call after expiry.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

// EventBus fans risk and lifecycle events out to subscribers such as the
// notifier.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of payloads; it closes when ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter throttles calls to external collaborators across processes.
type RateLimiter interface {
	// Allow reports whether one more request fits in the sliding window,
	// counting it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request is allowed or ctx ends.
	Wait(ctx context.Context, key string) error
}
