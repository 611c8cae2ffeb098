// Package redis persists queue snapshots as one Redis hash, one field per
// bucket.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"beamlinecore/internal/infra/persistence/snapshot"
	"beamlinecore/pkg/domain"
)

// DefaultKey is the hash holding the queue buckets.
const DefaultKey = "beamlinecore:queue"

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store reads and writes the queue hash.
type Store struct {
	client goredis.UniversalClient
	key    string
	owned  bool
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	s := NewStoreWithClient(client, opts.Key)
	s.owned = true
	return s, nil
}

// NewStoreWithClient wraps an existing client. The caller keeps ownership of
// the client.
func NewStoreWithClient(client goredis.UniversalClient, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Load reads the stored snapshot.
func (s *Store) Load(ctx context.Context) (domain.QueueSnapshot, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return domain.QueueSnapshot{}, false, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	buckets := make(map[string][]byte, len(fields))
	for name, value := range fields {
		buckets[name] = []byte(value)
	}
	return snapshot.Decode(buckets)
}

// Save writes every bucket atomically.
func (s *Store) Save(ctx context.Context, snap domain.QueueSnapshot) error {
	buckets, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	values := make([]any, 0, 2*len(buckets))
	for _, name := range snapshot.Buckets {
		values = append(values, name, buckets[name])
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", s.key, err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
