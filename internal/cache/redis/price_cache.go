package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pmquant/polyrev/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. The latest
// trade price for each (market, outcome) pair lives at key
// "price:{marketID}:{outcome}" with fields "price" and "ts" (Unix
// nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb}
}

func priceKey(p domain.Pair) string {
	return "price:" + p.MarketID + ":" + strconv.Itoa(p.Outcome)
}

// SetPrices writes the latest price points for multiple pairs in one
// pipeline.
func (pc *PriceCache) SetPrices(ctx context.Context, prices map[domain.Pair]domain.PricePoint) error {
	if len(prices) == 0 {
		return nil
	}

	pipe := pc.rdb.Pipeline()
	for pair, pp := range prices {
		fields := map[string]interface{}{
			"price": strconv.FormatFloat(pp.Price, 'f', -1, 64),
			"ts":    strconv.FormatInt(pp.At.UnixNano(), 10),
		}
		pipe.HSet(ctx, priceKey(pair), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prices pipeline: %w", err)
	}
	return nil
}

// GetPrices retrieves the latest price points for multiple pairs using a
// pipeline. Pairs whose keys do not exist are silently omitted from the
// result map.
func (pc *PriceCache) GetPrices(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]domain.PricePoint, error) {
	if len(pairs) == 0 {
		return map[domain.Pair]domain.PricePoint{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[domain.Pair]*redis.MapStringStringCmd, len(pairs))
	for _, pair := range pairs {
		cmds[pair] = pipe.HGetAll(ctx, priceKey(pair))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[domain.Pair]domain.PricePoint, len(pairs))
	for pair, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(vals["price"], 64)
		if err != nil {
			continue
		}
		tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
		if err != nil {
			continue
		}
		result[pair] = domain.PricePoint{Price: price, At: time.Unix(0, tsNano)}
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
