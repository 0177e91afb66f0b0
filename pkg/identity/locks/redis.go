package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// RedisClient is the subset of a redis client used by RedisLocker.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisConfig configures RedisLocker.
type RedisConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
	WaitLimit time.Duration `yaml:"wait_limit"`
	RetryWait time.Duration `yaml:"retry_wait"`
}

// DefaultRedisConfig returns the standard lease settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: "canonid:lock:",
		LeaseTTL:  30 * time.Second,
		WaitLimit: 5 * time.Second,
		RetryWait: 25 * time.Millisecond,
	}
}

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker is a Locker shared across processes. Each key is a lease set
// with SET NX PX and a random token. A key that stays held past WaitLimit
// fails with errors.ErrConcurrentModification.
type RedisLocker struct {
	client RedisClient
	cfg    RedisConfig
}

// NewRedisLocker returns a RedisLocker.
func NewRedisLocker(client RedisClient, cfg RedisConfig) *RedisLocker {
	def := DefaultRedisConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.WaitLimit <= 0 {
		cfg.WaitLimit = def.WaitLimit
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	return &RedisLocker{client: client, cfg: cfg}
}

func (r *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release must run even if the caller's context is done.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			r.client.Eval(rctx, releaseScript, []string{held[i]}, token)
		}
		held = held[:0]
	}

	deadline := time.Now().Add(r.cfg.WaitLimit)
	for _, key := range keys {
		full := r.cfg.KeyPrefix + key
		if err := r.acquire(ctx, full, token, deadline); err != nil {
			release()
			return nil, err
		}
		held = append(held, full)
	}
	return onceFunc(release), nil
}

func (r *RedisLocker) acquire(ctx context.Context, key, token string, deadline time.Time) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.LeaseTTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s held elsewhere: %w", key, cierrors.ErrConcurrentModification)
		}
		t := time.NewTimer(r.cfg.RetryWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
