package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"offline0/internal/resource"
)

const redisPutAttempts = 8

// Redis keeps stores in Redis: the name set at <ns>:stores, one hash per store
// at <ns>:store:<name>, and the marker at <ns>:marker.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
}

var _ Backend = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = "offline0"
	}
	return &Redis{rdb: client, ns: namespace}
}

func (r *Redis) namesKey() string           { return r.ns + ":stores" }
func (r *Redis) storeKey(name string) string { return r.ns + ":store:" + name }
func (r *Redis) markerKey() string           { return r.ns + ":marker" }

func (r *Redis) Open(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := r.rdb.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (r *Redis) Names(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Delete(ctx context.Context, name string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.namesKey(), name)
		p.Del(ctx, r.storeKey(name))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete store %s: %w", name, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, name, key string) (*resource.Response, error) {
	b, err := r.rdb.HGet(ctx, r.storeKey(name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return decodeResponse(b)
}

// Put watches the name set so a concurrent Delete aborts the transaction; the
// retry then observes the store as gone.
func (r *Redis) Put(ctx context.Context, name, key string, resp *resource.Response) error {
	if err := checkPut(name, resp); err != nil {
		return err
	}
	b, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, r.namesKey(), name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrStoreNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, r.storeKey(name), key, b)
			return nil
		})
		return err
	}

	for i := 0; i < redisPutAttempts; i++ {
		err = r.rdb.Watch(ctx, txf, r.namesKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrStoreNotFound) {
		return fmt.Errorf("redis put: %w", err)
	}
	return err
}

func (r *Redis) Marker(ctx context.Context) (string, error) {
	v, err := r.rdb.Get(ctx, r.markerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get marker: %w", err)
	}
	return v, nil
}

func (r *Redis) SetMarker(ctx context.Context, name string) error {
	if err := r.rdb.Set(ctx, r.markerKey(), name, 0).Err(); err != nil {
		return fmt.Errorf("redis set marker: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
