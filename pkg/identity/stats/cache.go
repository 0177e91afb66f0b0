package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/logging"
)

// CacheClient is the subset of a redis client used for caching.
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CacheConfig configures CachedProvider.
type CacheConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultCacheConfig returns the standard cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{KeyPrefix: "canonid:stats:", TTL: 6 * time.Hour}
}

// CachedProvider fronts a Provider with a redis cache. Cache failures fall
// through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	client CacheClient
	cfg    CacheConfig
	logger logging.Logger
}

// CacheOption configures a CachedProvider.
type CacheOption func(*CachedProvider)

// WithCacheLogger sets the logger.
func WithCacheLogger(l logging.Logger) CacheOption {
	return func(c *CachedProvider) { c.logger = l }
}

// NewCachedProvider wraps next with client.
func NewCachedProvider(next Provider, client CacheClient, cfg CacheConfig, opts ...CacheOption) *CachedProvider {
	def := DefaultCacheConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	c := &CachedProvider{next: next, client: client, cfg: cfg, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.F("component", "stats_cache"))
	return c
}

func (c *CachedProvider) cacheKey(key identity.MappingKey) string {
	return fmt.Sprintf("%s%s:%d:%d", c.cfg.KeyPrefix, key.Kind, key.SourceID, key.Season)
}

func (c *CachedProvider) Profile(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	ck := c.cacheKey(key)

	data, err := c.client.Get(ctx, ck).Bytes()
	switch {
	case err == nil:
		var prof identity.StatisticalProfile
		if jerr := json.Unmarshal(data, &prof); jerr == nil {
			return &prof, nil
		}
		c.logger.Warn("Discarding undecodable cache entry", logging.F("key", ck))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Debug("Stats cache read failed", logging.F("key", ck), logging.Err(err))
	}

	prof, err := c.next.Profile(ctx, key)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(prof); err == nil {
		if err := c.client.Set(ctx, ck, data, c.cfg.TTL).Err(); err != nil {
			c.logger.Debug("Stats cache write failed", logging.F("key", ck), logging.Err(err))
		}
	}
	return prof, nil
}
