package currencyrate

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/costing_backend/config"
	"github.com/sirupsen/logrus"
)

// Cache stores resolved rates. The redis implementation is a no-op until redis is connected.
type Cache interface {
	Get(ctx context.Context, key string, dest *Rate) (bool, error)
	Set(ctx context.Context, key string, rate Rate, ttl time.Duration) error
}

type redisCache struct{}

func (redisCache) Get(ctx context.Context, key string, dest *Rate) (bool, error) {
	return config.GetRedisObject(ctx, key, dest)
}

func (redisCache) Set(ctx context.Context, key string, rate Rate, ttl time.Duration) error {
	return config.SetRedisObject(ctx, key, rate, ttl)
}

func RedisCache() Cache { return redisCache{} }

// CachedProvider memoizes rates per currency and requested day. Published rates for a past day
// do not change, so cache errors only cost a refetch.
type CachedProvider struct {
	Next   Provider
	Cache  Cache
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewCachedProvider(next Provider, cache Cache, ttl time.Duration, logger *logrus.Logger) *CachedProvider {
	return &CachedProvider{Next: next, Cache: cache, TTL: ttl, Logger: logger}
}

func cacheKey(currency string, day time.Time) string {
	return fmt.Sprintf("CurrencyRate:%s:%s", currency, day.Format(DateLayout))
}

func (p *CachedProvider) GetRate(ctx context.Context, currency string, date time.Time) (Rate, error) {
	currency = normalizeCurrency(currency)
	key := cacheKey(currency, Day(date))

	if p.Cache != nil {
		var cached Rate
		found, err := p.Cache.Get(ctx, key, &cached)
		if err != nil {
			config.LogError(p.Logger, "currencyrate", "GetRate", "cache get", key, err)
		} else if found && cached.Rate.IsPositive() {
			return cached, nil
		}
	}

	rate, err := p.Next.GetRate(ctx, currency, date)
	if err != nil {
		return Rate{}, err
	}
	if p.Cache != nil {
		if err := p.Cache.Set(ctx, key, rate, p.TTL); err != nil {
			config.LogError(p.Logger, "currencyrate", "GetRate", "cache set", key, err)
		}
	}
	return rate, nil
}
