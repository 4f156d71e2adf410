// Package redis shares commitments between proof server replicas through Redis.
//
// Layout, every key optionally prefixed by RedisConfig.KeyPrefix:
//
//	certs:commitment:<courseID>       JSON commitment
//	certs:commitments:index           set of course IDs with a commitment
//	certs:metadata:schema_version     layout stamp
//
// Saves run under WATCH on the commitment key so two replicas publishing the
// same course cannot both win.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/persistence"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

const (
	commitmentKeyPrefix = "certs:commitment:"
	indexKey            = "certs:commitments:index"
	schemaKey           = "certs:metadata:schema_version"
	schemaVersion       = "v1"

	dialTimeout = 5 * time.Second
)

// RedisConfig holds the connection settings.
type RedisConfig struct {
	Address  string
	Password string
	// DB is the logical database, 0-15
	DB int
	// KeyPrefix namespaces every key, e.g. "staging:"
	KeyPrefix string
}

// RedisPersistence implements ICommitmentPersistence on a Redis server.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedisPersistence dials Redis, pings it and stamps or checks the schema key.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("redis config cannot be nil")
	case cfg.Address == "":
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	rp := &RedisPersistence{client: client, logger: logger, keyPrefix: cfg.KeyPrefix}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	if err := rp.ensureSchema(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)
	return rp, nil
}

func (r *RedisPersistence) k(name string) string {
	return r.keyPrefix + name
}

func (r *RedisPersistence) commitmentKey(courseID string) string {
	return r.k(commitmentKeyPrefix + courseID)
}

// ensureSchema uses SETNX so replicas starting together agree on one stamp.
func (r *RedisPersistence) ensureSchema(ctx context.Context) error {
	if err := r.client.SetNX(ctx, r.k(schemaKey), schemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	got, err := r.client.Get(ctx, r.k(schemaKey)).Result()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if got != schemaVersion {
		return fmt.Errorf("unsupported schema version %q, want %q", got, schemaVersion)
	}
	return nil
}

func (r *RedisPersistence) open(fn func(ctx context.Context) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return persistence.ErrClosed
	}
	return fn(context.Background())
}

func decode(raw []byte, err error) (*types.Commitment, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return persistence.UnmarshalCommitment(raw)
}

func (r *RedisPersistence) SaveCommitment(commitment *types.Commitment) error {
	if err := persistence.CheckSaveable(commitment); err != nil {
		return err
	}
	data, err := persistence.MarshalCommitment(commitment)
	if err != nil {
		return err
	}
	key := r.commitmentKey(commitment.CourseID)

	return r.open(func(ctx context.Context) error {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := decode(tx.Get(ctx, key).Bytes())
			if err != nil {
				return fmt.Errorf("failed to read stored commitment: %w", err)
			}
			if err := persistence.CheckSupersedes(stored, commitment); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, r.k(indexKey), commitment.CourseID)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: course %s changed during publish", persistence.ErrVersionConflict, commitment.CourseID)
		}
		return err
	})
}

func (r *RedisPersistence) LoadCommitment(courseID string) (*types.Commitment, error) {
	var c *types.Commitment
	err := r.open(func(ctx context.Context) error {
		var err error
		c, err = decode(r.client.Get(ctx, r.commitmentKey(courseID)).Bytes())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load commitment for %s: %w", courseID, err)
	}
	return c, nil
}

// ListCommitments walks the index set. Index entries whose key has vanished are
// pruned; values that fail to decode are logged and skipped.
func (r *RedisPersistence) ListCommitments() ([]*types.Commitment, error) {
	out := make([]*types.Commitment, 0)

	err := r.open(func(ctx context.Context) error {
		ids, err := r.client.SMembers(ctx, r.k(indexKey)).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		sort.Strings(ids)

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.commitmentKey(id)
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}

		var stale []interface{}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			c, err := persistence.UnmarshalCommitment([]byte(s))
			if err != nil {
				r.logger.Sugar().Warnw("Skipping undecodable commitment", "key", keys[i], "error", err)
				continue
			}
			out = append(out, c)
		}
		if len(stale) > 0 {
			if err := r.client.SRem(ctx, r.k(indexKey), stale...).Err(); err != nil {
				r.logger.Sugar().Warnw("Failed to prune commitment index", "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	return out, nil
}

func (r *RedisPersistence) DeleteCommitment(courseID string) error {
	return r.open(func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.commitmentKey(courseID))
			pipe.SRem(ctx, r.k(indexKey), courseID)
			return nil
		})
		return err
	})
}

func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck pings Redis and requires the schema stamp to still be present.
func (r *RedisPersistence) HealthCheck() error {
	return r.open(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		if err := r.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		n, err := r.client.Exists(ctx, r.k(schemaKey)).Result()
		if err != nil {
			return fmt.Errorf("failed to verify schema version: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("schema version missing, database was flushed or never initialized")
		}
		return nil
	})
}
