// Package session stores the authenticated (token, userRole) pair. It is
// the only component that reads or writes the persisted credentials;
// login, OTP verification and logout are its only writers.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the result of restoring a session. Authenticated is true only
// while the token key is present; a stale role without a token is treated
// as fully unauthenticated.
type State struct {
	Authenticated bool
	Role          string
}

// Anonymous is the state for missing, expired or unreadable sessions.
var Anonymous = State{}

// RedisStore keeps one (token, userRole) pair per session under two
// durable keys, mirroring the two entries the mobile client persists.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "session:", ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "session:", ttl: ttl}
}

func (s *RedisStore) tokenKey(tokenHash string) string {
	return s.prefix + tokenHash + ":token"
}

func (s *RedisStore) roleKey(tokenHash string) string {
	return s.prefix + tokenHash + ":userRole"
}

// Establish persists both keys for a freshly issued token. If the second
// write fails the first is rolled back so the pair is never half-applied.
func (s *RedisStore) Establish(ctx context.Context, tokenHash, role string) error {
	if tokenHash == "" {
		return fmt.Errorf("establish session: empty token")
	}
	if err := s.client.Set(ctx, s.tokenKey(tokenHash), tokenHash, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist session token: %w", err)
	}
	if err := s.client.Set(ctx, s.roleKey(tokenHash), role, s.ttl).Err(); err != nil {
		// Roll back the token key rather than leave an inconsistent pair.
		if clearErr := s.Clear(ctx, tokenHash); clearErr != nil {
			log.Printf("session: clear after failed establish: %v", clearErr)
		}
		return fmt.Errorf("persist session role: %w", err)
	}
	return nil
}

// Restore reads both keys. It never returns an error: a missing token or a
// storage failure both come back as Anonymous, with failures logged.
func (s *RedisStore) Restore(ctx context.Context, tokenHash string) State {
	if tokenHash == "" {
		return Anonymous
	}
	token, err := s.client.Get(ctx, s.tokenKey(tokenHash)).Result()
	if err == redis.Nil {
		return Anonymous
	}
	if err != nil {
		log.Printf("session: restore token read failed: %v", err)
		return Anonymous
	}
	if token == "" {
		return Anonymous
	}

	role, err := s.client.Get(ctx, s.roleKey(tokenHash)).Result()
	if err != nil && err != redis.Nil {
		log.Printf("session: restore role read failed: %v", err)
		return Anonymous
	}
	return State{Authenticated: true, Role: role}
}

// Clear removes both keys. Used on logout and on establish rollback.
func (s *RedisStore) Clear(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.tokenKey(tokenHash), s.roleKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
