package stubserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence stores who is online and when offline users were last seen.
type Presence interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	Get(ctx context.Context, userID string) (online bool, lastSeen time.Time, err error)
}

// MemoryPresence is the default in-process store.
type MemoryPresence struct {
	mu       sync.Mutex
	online   map[string]bool
	lastSeen map[string]time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (p *MemoryPresence) SetOnline(_ context.Context, userID string, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
	if !online {
		p.lastSeen[userID] = time.Now().UTC()
	}
	return nil
}

func (p *MemoryPresence) Get(_ context.Context, userID string) (bool, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID], p.lastSeen[userID], nil
}

// RedisPresence keeps presence in Redis so several stub instances agree.
type RedisPresence struct {
	cli *redis.Client
}

func NewRedisPresence(ctx context.Context, addr string) (*RedisPresence, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return &RedisPresence{cli: cli}, nil
}

func (p *RedisPresence) SetOnline(ctx context.Context, userID string, online bool) error {
	val := "0"
	if online {
		val = "1"
	}
	if err := p.cli.Set(ctx, "presence:"+userID, val, 0).Err(); err != nil {
		return err
	}
	if !online {
		return p.cli.Set(ctx, "lastseen:"+userID, time.Now().UTC().Format(time.RFC3339), 0).Err()
	}
	return nil
}

func (p *RedisPresence) Get(ctx context.Context, userID string) (bool, time.Time, error) {
	val, err := p.cli.Get(ctx, "presence:"+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}

	var lastSeen time.Time
	raw, err := p.cli.Get(ctx, "lastseen:"+userID).Result()
	if err == nil {
		lastSeen, _ = time.Parse(time.RFC3339, raw)
	} else if !errors.Is(err, redis.Nil) {
		return false, time.Time{}, err
	}
	return val == "1", lastSeen, nil
}
