package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-thingsync/v1/metrics"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

var upgrader = websocket.Upgrader{}

// subscriptions records which events a feed client asked for.
type subscriptions struct {
	mu     sync.Mutex
	events map[string]map[string]struct{}
}

func (s *subscriptions) add(id string, names map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[id] == nil {
		s.events[id] = make(map[string]struct{})
	}
	for name := range names {
		s.events[id][name] = struct{}{}
	}
}

// filter narrows an event message to the subscribed events. It reports
// false when nothing is left to send.
func (s *subscriptions) filter(msg *transport.Message) bool {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return false
	}
	s.mu.Lock()
	subs := s.events[msg.ID]
	for name := range data {
		if _, ok := subs[name]; !ok {
			delete(data, name)
		}
	}
	s.mu.Unlock()
	if len(data) == 0 {
		return false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	msg.Data = raw
	return true
}

// feed streams gateway messages over a WebSocket. Property, connection and
// error messages go to every client; events only to clients that sent an
// addEventSubscription for them.
func (h *handlers) feed(c *gin.Context) {
	log := h.g.log.Named("feed")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	ch, err := h.g.bus.Watch(ctx, FeedKey)
	if err != nil {
		log.Error("watch feed", zap.Error(err))
		return
	}
	metrics.WatcherGauge.Inc()
	defer func() {
		_ = h.g.bus.Unwatch(context.Background(), FeedKey, ch)
		metrics.WatcherGauge.Dec()
	}()

	subs := &subscriptions{events: make(map[string]map[string]struct{})}
	go func() {
		defer cancel()
		for {
			var msg transport.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.MessageType != transport.MessageAddEventSubscription {
				log.Debug("ignored client message", zap.String("type", string(msg.MessageType)))
				continue
			}
			var names map[string]json.RawMessage
			if err := json.Unmarshal(msg.Data, &names); err != nil {
				log.Warn("malformed subscription", zap.Error(err))
				continue
			}
			subs.add(msg.ID, names)
		}
	}()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			var msg transport.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("malformed feed message", zap.Error(err))
				continue
			}
			if msg.MessageType == transport.MessageEvent && !subs.filter(&msg) {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
