package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const identityKeyPrefix = "usermgmt:identity:"

const (
	// loadTimeout bounds a shared load, which no longer follows the
	// cancellation of the request that started it.
	loadTimeout = 10 * time.Second
	// generationTTL must outlive any load in flight.
	generationTTL = time.Hour
)

var errStaleLoad = errors.New("identity invalidated during load")

// IdentityCache keeps sanitized users resolved by the session middleware in
// Redis for a short TTL. Redis errors degrade to the loader.
type IdentityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewIdentityCache instantiates the cache helper.
func NewIdentityCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *IdentityCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityCache{client: client, ttl: ttl, logger: logger}
}

// NewRedisClient connects to the server in cfg, or returns nil when no
// address is configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func identityKey(id uuid.UUID) string {
	return identityKeyPrefix + id.String()
}

// generationKey counts invalidations of an identity. A load only writes its
// result back when the count is unchanged since the load began.
func generationKey(id uuid.UUID) string {
	return identityKeyPrefix + id.String() + ":gen"
}

// Load returns the cached user for id, or calls loader and caches its result.
// Concurrent misses for the same id share one loader call.
func (c *IdentityCache) Load(ctx context.Context, id uuid.UUID, loader func(context.Context) (types.User, error)) (types.User, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	key := identityKey(id)
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var user types.User
		if err := json.Unmarshal(payload, &user); err == nil {
			return user, nil
		}
		c.logger.Warn("discarding unreadable identity cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("identity cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		genKey := generationKey(id)
		generation, genErr := c.client.Get(loadCtx, genKey).Int64()
		if genErr != nil && !errors.Is(genErr, redis.Nil) {
			c.logger.Warn("identity cache read failed", zap.String("key", genKey), zap.Error(genErr))
		}

		user, err := loader(loadCtx)
		if err != nil {
			return types.User{}, err
		}
		user = user.Sanitize()
		if genErr != nil && !errors.Is(genErr, redis.Nil) {
			return user, nil
		}
		raw, err := json.Marshal(user)
		if err != nil {
			return user, nil
		}
		c.store(loadCtx, key, genKey, generation, raw)
		return user, nil
	})
	if err != nil {
		return types.User{}, err
	}
	return value.(types.User), nil
}

// store writes raw under key unless the identity was invalidated after
// generation was read.
func (c *IdentityCache) store(ctx context.Context, key, genKey string, generation int64, raw []byte) {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleLoad), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("skipping stale identity cache write", zap.String("key", key))
	default:
		c.logger.Warn("identity cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached entry for id and fences off loads that read
// the store before the change being invalidated.
func (c *IdentityCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := identityKey(id)
	genKey := generationKey(id)
	c.group.Forget(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	return err
}
