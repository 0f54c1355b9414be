package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyType namespaces cache keys by concern.
type KeyType string

const (
	// IdentityMemo caches resolved user ids per adapter session key.
	IdentityMemo KeyType = "omni_identity_memo"
)

// ErrKeyNotExist is returned when a key is absent.
var ErrKeyNotExist = redis.Nil

// Config holds redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Service is a thin wrapper around the redis client used for
// cross-request memoization. Callers must tolerate its absence.
type Service struct {
	client *redis.Client
}

// New connects to redis and verifies the connection.
func New(cfg *Config) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Service{client: client}, nil
}

// Key builds a namespaced cache key.
func (s *Service) Key(kt KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(kt), identifier)
}

// Get returns the value for key, or ErrKeyNotExist.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

// Set stores value under key with a TTL.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Del removes a key.
func (s *Service) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close releases the underlying client.
func (s *Service) Close() error {
	return s.client.Close()
}
