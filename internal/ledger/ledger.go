package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"convsync/internal/constants"
	"convsync/internal/platform"
)

// Ledger remembers which events a platform already accepted so overlapping or repeated
// runs do not submit them twice.
type Ledger interface {
	// Sent returns the subset of eventIDs already recorded for the platform and site.
	Sent(ctx context.Context, p platform.Platform, siteID int, eventIDs []string) (map[string]bool, error)
	Mark(ctx context.Context, p platform.Platform, siteID int, eventIDs []string) error
}

func Key(p platform.Platform, siteID int, eventID string) string {
	return constants.CacheKeyPrefixLedger + p.String() + ":" + strconv.Itoa(siteID) + ":" + eventID
}

type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = constants.DefaultLedgerTTLSeconds * time.Second
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Sent(ctx context.Context, p platform.Platform, siteID int, eventIDs []string) (map[string]bool, error) {
	sent := make(map[string]bool)
	if len(eventIDs) == 0 {
		return sent, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(eventIDs))
	for i, id := range eventIDs {
		cmds[i] = pipe.Exists(ctx, Key(p, siteID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis exists failed: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			sent[eventIDs[i]] = true
		}
	}
	return sent, nil
}

func (l *RedisLedger) Mark(ctx context.Context, p platform.Platform, siteID int, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	pipe := l.client.Pipeline()
	for _, id := range eventIDs {
		pipe.SetNX(ctx, Key(p, siteID, id), time.Now().Unix(), l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SetNX failed: %w", err)
	}
	return nil
}

// MemoryLedger is a process-local Ledger without expiry.
type MemoryLedger struct {
	mu   sync.Mutex
	sent map[string]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sent: make(map[string]bool)}
}

func (l *MemoryLedger) Sent(_ context.Context, p platform.Platform, siteID int, eventIDs []string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sent := make(map[string]bool)
	for _, id := range eventIDs {
		if l.sent[Key(p, siteID, id)] {
			sent[id] = true
		}
	}
	return sent, nil
}

func (l *MemoryLedger) Mark(_ context.Context, p platform.Platform, siteID int, eventIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range eventIDs {
		l.sent[Key(p, siteID, id)] = true
	}
	return nil
}

// Nop records nothing and reports nothing as sent.
type Nop struct{}

func (Nop) Sent(context.Context, platform.Platform, int, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (Nop) Mark(context.Context, platform.Platform, int, []string) error {
	return nil
}
