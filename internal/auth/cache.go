package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"convsync/internal/constants"
)

// TokenCache stores access tokens until they expire.
type TokenCache interface {
	Get(ctx context.Context, key string) (Token, bool, error)
	Set(ctx context.Context, key string, token Token) error
}

type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, ok := c.tokens[key]
	if !ok {
		return Token{}, false, nil
	}
	if !token.Valid(c.now()) {
		delete(c.tokens, key)
		return Token{}, false, nil
	}
	return token, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, token Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = token
	return nil
}

// RedisTokenCache shares tokens between processes. Entries expire with the token.
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		prefix: constants.CacheKeyPrefixToken,
		now:    time.Now,
	}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (Token, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var token Token
	if err := json.Unmarshal([]byte(val), &token); err != nil {
		return Token{}, false, fmt.Errorf("failed to decode cached token: %w", err)
	}
	if !token.Valid(c.now()) {
		return Token{}, false, nil
	}
	return token, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, token Token) error {
	ttl := token.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
