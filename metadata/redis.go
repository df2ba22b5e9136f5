package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/video"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

var ErrNoRedis = errors.New("no redis connection available")

// RedisStore reads the flat key schema meta-sort writes: one string key per field,
// {prefix}file:{id}/{field}
type RedisStore struct {
	prefix string
	paths  Paths

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisStore takes ownership of client, which may be nil until SetClient is called
func NewRedisStore(client *redis.Client, prefix string, paths Paths) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, paths: paths}
}

func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// SetClient swaps the connection, closing the previous one
func (s *RedisStore) SetClient(client *redis.Client) {
	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	if old != nil && old != client {
		_ = old.Close()
	}
}

func (s *RedisStore) Client() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) Prefix() string {
	return s.prefix
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisStore) keyPrefix(assetID string) string {
	return s.prefix + "file:" + assetID + "/"
}

func (s *RedisStore) Get(ctx context.Context, assetID string) (*video.MediaAsset, error) {
	if err := ValidateAssetID(assetID); err != nil {
		return nil, err
	}
	var fields map[string]string
	op := func() error {
		var err error
		fields, err = s.readFields(ctx, assetID)
		if err != nil && (errors.Is(err, redis.Nil) || errors.Is(err, ErrNoRedis) || ctx.Err() != nil) {
			return catErrs.Unretriable(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", catErrs.ErrAssetNotFound, assetID)
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %w", assetID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", catErrs.ErrAssetNotFound, assetID)
	}
	return ParseFields(assetID, fields, s.paths)
}

// readFields collects every field of the record with SCAN and one MGET
func (s *RedisStore) readFields(ctx context.Context, assetID string) (map[string]string, error) {
	client := s.Client()
	if client == nil {
		return nil, ErrNoRedis
	}
	prefix := s.keyPrefix(assetID)

	var keys []string
	iter := client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	return collectFields(prefix, keys, values), nil
}

func collectFields(prefix string, keys []string, values []interface{}) map[string]string {
	fields := make(map[string]string, len(keys))
	for i, key := range keys {
		if i >= len(values) {
			break
		}
		v, ok := values[i].(string)
		if !ok || v == "" {
			// deleted between SCAN and MGET
			continue
		}
		fields[strings.TrimPrefix(key, prefix)] = v
	}
	return fields
}
