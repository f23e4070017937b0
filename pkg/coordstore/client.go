// Package coordstore wraps the Sentinel-backed key-value store every worker
// shares: task status, artifact maps, build caches, cluster membership,
// advisory locks and set-valued work queues.
package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/b3yond/bugbuster/pkg/config"
	"github.com/b3yond/bugbuster/pkg/retry"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("coordstore: key not found")

// Store is the process-wide handle to the coordination store. It is safe
// for concurrent use; the underlying client pools connections.
type Store struct {
	rdb redis.UniversalClient
}

// New connects to the store. With sentinel hosts configured, master
// discovery and failover follow the sentinel cluster; otherwise a direct
// single-node client is used (local development).
func New(cfg config.RedisConfig) (*Store, error) {
	var rdb redis.UniversalClient
	if len(cfg.SentinelHosts) > 0 {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelHosts,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     "localhost:6379",
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the string value of key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return retryNotFound
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, retryNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

// retryNotFound keeps redis.Nil out of the transient classifier.
var retryNotFound = errors.New("coordstore: nil reply")

// Set stores a value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return retry.Do(ctx, func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores a value only if the key does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

// Incr increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return retry.Do(ctx, func() error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// Expire sets a ttl on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return retry.Do(ctx, func() error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

// HGet returns one hash field, or ErrNotFound.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return retryNotFound
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, retryNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

// HSet writes one hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return retry.Do(ctx, func() error {
		return s.rdb.HSet(ctx, key, field, value).Err()
	})
}

// HGetAll returns all fields of a hash. Missing hashes yield an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// SAdd adds members to a set and returns how many were new.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.SAdd(ctx, key, args...).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return retry.Do(ctx, func() error {
		return s.rdb.SRem(ctx, key, args...).Err()
	})
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.SIsMember(ctx, key, member).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = v
		return nil
	})
	return members, err
}

// SRandMember returns one random member, or ErrNotFound on an empty set.
func (s *Store) SRandMember(ctx context.Context, key string) (string, error) {
	var member string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.SRandMember(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return retryNotFound
		}
		if err != nil {
			return err
		}
		member = v
		return nil
	})
	if errors.Is(err, retryNotFound) {
		return "", ErrNotFound
	}
	return member, err
}

// RPush appends values to a list.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return retry.Do(ctx, func() error {
		return s.rdb.RPush(ctx, key, args...).Err()
	})
}

// LIndex returns the element at index, or ErrNotFound.
func (s *Store) LIndex(ctx context.Context, key string, index int64) (string, error) {
	var val string
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.LIndex(ctx, key, index).Result()
		if errors.Is(err, redis.Nil) {
			return retryNotFound
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, retryNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

// Eval runs a Lua script. Used by the lock release path.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var res interface{}
	err := retry.Do(ctx, func() error {
		v, err := s.rdb.Eval(ctx, script, keys, args...).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		res = v
		return nil
	})
	return res, err
}
