package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TicketLocker 让同一工单上的操作串行执行（一次用户动作视为不可抢占的单元）
type TicketLocker interface {
	Lock(ctx context.Context, ticketID string) (unlock func(), err error)
}

// MemoryLocker 进程内按工单加锁
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lockEntry)}
}

func (l *MemoryLocker) Lock(ctx context.Context, ticketID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[ticketID]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[ticketID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(ticketID, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ticketID, e, true) })
	}, nil
}

func (l *MemoryLocker) release(ticketID string, e *lockEntry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, ticketID)
	}
	l.mu.Unlock()
}

// RedisLocker 多实例部署时使用的分布式锁（SET NX PX + 校验 token 释放）
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retryDelay: 50 * time.Millisecond,
		prefix:     "nexusdesk:ticket-lock:",
	}
}

func (l *RedisLocker) Lock(ctx context.Context, ticketID string) (func(), error) {
	key := l.prefix + ticketID
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire ticket lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	return func() {
		// 释放不跟随请求 ctx，请求取消后也要归还锁
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 释放失败时锁会在 TTL 后自动过期
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}, nil
}
