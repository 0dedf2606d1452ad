package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceKey is the Redis hash of connected admin consoles (connection id -> operator id)
const PresenceKey = "evently:presence:admins"

// Presence tracks which operators have a console connected
type Presence interface {
	Join(ctx context.Context, connectionID, operatorID string) error
	Leave(ctx context.Context, connectionID string) error
	Online(ctx context.Context) ([]string, error)
}

// MemoryPresence keeps presence for a single API instance
type MemoryPresence struct {
	mu    sync.Mutex
	conns map[string]string
}

// NewMemoryPresence creates an empty in-process presence tracker
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{conns: make(map[string]string)}
}

func (p *MemoryPresence) Join(ctx context.Context, connectionID, operatorID string) error {
	p.mu.Lock()
	p.conns[connectionID] = operatorID
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Leave(ctx context.Context, connectionID string) error {
	p.mu.Lock()
	delete(p.conns, connectionID)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Online(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return distinct(p.conns), nil
}

// RedisPresence shares presence between API instances
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence stores presence in the PresenceKey hash, expiring after a day of silence
func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, ttl: 24 * time.Hour}
}

func (p *RedisPresence) Join(ctx context.Context, connectionID, operatorID string) error {
	if err := p.client.HSet(ctx, PresenceKey, connectionID, operatorID).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, PresenceKey, p.ttl).Err()
}

func (p *RedisPresence) Leave(ctx context.Context, connectionID string) error {
	return p.client.HDel(ctx, PresenceKey, connectionID).Err()
}

func (p *RedisPresence) Online(ctx context.Context) ([]string, error) {
	conns, err := p.client.HGetAll(ctx, PresenceKey).Result()
	if err != nil {
		return nil, err
	}
	return distinct(conns), nil
}

func distinct(conns map[string]string) []string {
	seen := make(map[string]bool, len(conns))
	out := make([]string, 0, len(conns))
	for _, operator := range conns {
		if !seen[operator] {
			seen[operator] = true
			out = append(out, operator)
		}
	}
	return out
}
