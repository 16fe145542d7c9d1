package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// redisPollInterval bounds how long Acquire sleeps between attempts when no
// unlock notification arrives, e.g. because the holder's TTL ran out.
const redisPollInterval = 100 * time.Millisecond

// Redis implements Locker using a Redis backend. Releases are announced on
// a pub/sub channel so blocked Acquire calls retry immediately.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "thingsync:lock:", tokens: make(map[string]string)}
}

func (r *Redis) unlockChannel(key string) string {
	return r.prefix + "unlock:" + key
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, err := r.tryLock(ctx, key, ttl)
	return token != "", err
}

// tryLock returns the token stored under key, or "" when the lock is held.
func (r *Redis) tryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil || !ok {
		return "", err
	}
	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	return token, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.AcquireGrant(ctx, key, ttl)
	return err
}

// AcquireGrant is Acquire returning the token stored under key.
func (r *Redis) AcquireGrant(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ps := r.client.Subscribe(ctx, r.unlockChannel(key))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return "", err
	}
	ch := ps.Channel()

	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()
	for {
		token, err := r.tryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Release frees the lock for the given key if this locker took it.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.ReleaseGrant(ctx, key, token)
}

// ReleaseGrant deletes key only while it still stores grant.
func (r *Redis) ReleaseGrant(ctx context.Context, key, grant string) error {
	n, err := delScript.Run(ctx, r.client, []string{r.prefix + key}, grant).Int()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.tokens[key] == grant {
		delete(r.tokens, key)
	}
	r.mu.Unlock()
	if n == 0 {
		return nil
	}
	return r.client.Publish(ctx, r.unlockChannel(key), grant).Err()
}
