// Package redisx provides Redis-backed coordination for running several
// warden instances against the same tickets: a per-ticket lock and a
// processed-trigger log.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
)

// Connect creates a client and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a triage.Locker on SET NX PX. The TTL bounds how long a crashed
// holder can block a ticket; it must exceed the longest expected run.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger log.Logger
}

// NewLocker creates a Locker. Keys are stored as prefix+key.
func NewLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger log.Logger) *Locker {
	if logger == nil {
		logger = log.Nop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		logger: logger,
	}
}

// Lock polls until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", k, err)
		}
		if ok {
			return l.unlocker(ctx, k, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Locker) unlocker(ctx context.Context, key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// release even if the run's context was cancelled
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn(ctx, "failed to release ticket lock", "key", key, "error", err)
			}
		})
	}
}

// TriggerLog records processed trigger keys with an expiry.
type TriggerLog struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewTriggerLog creates a TriggerLog. A zero ttl keeps keys forever.
func NewTriggerLog(client redis.UniversalClient, prefix string, ttl time.Duration) *TriggerLog {
	return &TriggerLog{client: client, prefix: prefix, ttl: ttl}
}

// Seen reports whether key was marked and has not expired.
func (t *TriggerLog) Seen(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Exists(ctx, t.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check trigger %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark records key with the log's ttl. Marking twice refreshes the expiry.
func (t *TriggerLog) Mark(ctx context.Context, key string) error {
	if err := t.client.Set(ctx, t.prefix+key, time.Now().UTC().Format(time.RFC3339), t.ttl).Err(); err != nil {
		return fmt.Errorf("mark trigger %s: %w", key, err)
	}
	return nil
}
