package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus uses Redis Streams to implement Bus, so watchers on other
// processes see the events of every thingsync client sharing the server.
type RedisBus struct {
	client *redis.Client
	maxLen int64

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisBus creates a new RedisBus using the provided client. Streams are
// trimmed to roughly maxLen entries; zero keeps them unbounded.
func NewRedisBus(client *redis.Client, maxLen int64) *RedisBus {
	return &RedisBus{
		client:  client,
		maxLen:  maxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish adds a new message to the Redis stream identified by key.
func (b *RedisBus) Publish(ctx context.Context, key string, data []byte) error {
	args := &redis.XAddArgs{Stream: key, Values: map[string]any{"data": data}}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

// Watch reads messages appended to the Redis stream after the call.
func (b *RedisBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   0,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					if v, ok := msg.Values["data"].(string); ok {
						select {
						case ch <- []byte(v):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unwatch stops watching the given key and channel.
func (b *RedisBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m, ok := b.cancels[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
