package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// RedisOracle reads prices published by an external feed writer. Each feed
// is a hash at "price:{feedID}" with fields "value", "expo" and "ts" (Unix
// nanoseconds).
type RedisOracle struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisOracle creates an oracle backed by rdb.
func NewRedisOracle(rdb *redis.Client, now func() time.Time) *RedisOracle {
	if now == nil {
		now = time.Now
	}
	return &RedisOracle{rdb: rdb, now: now}
}

func priceKey(feedID string) string {
	return "price:" + feedID
}

// SetPrice publishes an observation for feedID.
func (o *RedisOracle) SetPrice(ctx context.Context, feedID string, p Price) error {
	fields := map[string]interface{}{
		"value": strconv.FormatInt(p.Value, 10),
		"expo":  strconv.FormatInt(int64(p.Exponent), 10),
		"ts":    strconv.FormatInt(p.PublishedAt.UnixNano(), 10),
	}
	if err := o.rdb.HSet(ctx, priceKey(feedID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feedID, err)
	}
	return nil
}

func (o *RedisOracle) GetPrice(ctx context.Context, feedID string, maxAge time.Duration) (Price, error) {
	vals, err := o.rdb.HGetAll(ctx, priceKey(feedID)).Result()
	if err != nil {
		return Price{}, fmt.Errorf("%w: redis: get price %s: %v", model.ErrPriceUnavailable, feedID, err)
	}
	p, err := parsePrice(feedID, vals)
	if err != nil {
		return Price{}, err
	}
	if err := checkFresh(feedID, p, o.now(), maxAge); err != nil {
		return Price{}, err
	}
	return p, nil
}

func parsePrice(feedID string, vals map[string]string) (Price, error) {
	if len(vals) == 0 {
		return Price{}, fmt.Errorf("%w: feed %s", model.ErrPriceUnavailable, feedID)
	}
	value, err := strconv.ParseInt(vals["value"], 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("%w: feed %s value: %v", model.ErrInvalidAssetPrice, feedID, err)
	}
	expo, err := strconv.ParseInt(vals["expo"], 10, 32)
	if err != nil {
		return Price{}, fmt.Errorf("%w: feed %s expo: %v", model.ErrInvalidAssetPrice, feedID, err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("%w: feed %s ts: %v", model.ErrInvalidAssetPrice, feedID, err)
	}
	return Price{Value: value, Exponent: int32(expo), PublishedAt: time.Unix(0, ts)}, nil
}
