package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// AllKey receives every event published through a BusSink.
const AllKey = "things"

// Key returns the bus key carrying the events of one thing.
func Key(thing string) string {
	return AllKey + "/" + thing
}

// Bus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type Bus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// InMemory is an in-memory implementation of Bus. Slow watchers lose
// messages rather than block publishers.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
	// done ends the context watcher of each channel on Unwatch.
	done map[chan []byte]chan struct{}
	size int
}

// NewInMemory creates a new InMemory bus whose watcher channels buffer
// size messages. A size below 1 is raised to 1.
func NewInMemory(size int) *InMemory {
	if size < 1 {
		size = 1
	}
	return &InMemory{
		subs: make(map[string][]chan []byte),
		done: make(map[chan []byte]chan struct{}),
		size: size,
	}
}

// Publish sends data to all watchers of key.
func (b *InMemory) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemory) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, b.size)
	done := make(chan struct{})
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.done[ch] = done
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), key, ch)
		case <-done:
		}
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers.
func (b *InMemory) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			if done, ok := b.done[c]; ok {
				close(done)
				delete(b.done, c)
			}
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Watchers returns the number of watchers of key.
func (b *InMemory) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// BusSink publishes JSON-encoded events on a Bus, under the thing's key
// and under AllKey.
type BusSink struct {
	bus Bus
	log *zap.Logger
}

// NewBusSink returns a Sink publishing on bus.
func NewBusSink(bus Bus, log *zap.Logger) *BusSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &BusSink{bus: bus, log: log.Named("eventbus")}
}

// Emit implements Sink.
func (s *BusSink) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	keys := []string{AllKey}
	if ev.Thing != "" {
		keys = append(keys, Key(ev.Thing))
	}
	for _, key := range keys {
		if err := s.bus.Publish(ctx, key, data); err != nil {
			s.log.Warn("publish event", zap.String("key", key), zap.Error(err))
		}
	}
}
