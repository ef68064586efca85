// Package rediskv implements the function key-value collaborator on Redis.
package rediskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
	"github.com/r3e-network/neo-service-layer-sub002/internal/storage"
)

// Store implements storage.KVStore. Keys are namespaced per function so one
// function can never read another's values.
type Store struct {
	client *redis.Client
}

var _ storage.KVStore = (*Store)(nil)

// Open connects to the Redis instance at addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func kvKey(functionID, key string) string {
	return fmt.Sprintf("fn:%s:%s", functionID, key)
}

func (s *Store) Get(ctx context.Context, functionID, key string) (string, error) {
	value, err := s.client.Get(ctx, kvKey(functionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.NewNotFoundError("storage key", key)
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, functionID, key, value string) error {
	if err := s.client.Set(ctx, kvKey(functionID, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, functionID, key string) error {
	deleted, err := s.client.Del(ctx, kvKey(functionID, key)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if deleted == 0 {
		return core.NewNotFoundError("storage key", key)
	}
	return nil
}
