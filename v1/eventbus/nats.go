package eventbus

import (
	"context"
	"encoding/json"
	"strings"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes events on NATS subjects of the form
// "<prefix>.<thing>.<kind>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

// NewNATSSink returns a sink publishing through conn. An empty prefix
// defaults to "thingsync".
func NewNATSSink(conn *nats.Conn, prefix string, log *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = "thingsync"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSSink{conn: conn, prefix: prefix, log: log.Named("nats")}
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	thing := ev.Thing
	if thing == "" {
		thing = "_"
	}
	// subject tokens cannot contain dots or whitespace
	thing = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(thing)
	return s.prefix + "." + thing + "." + string(ev.Kind)
}

// Emit implements Sink.
func (s *NATSSink) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		s.log.Warn("publish event", zap.String("subject", s.Subject(ev)), zap.Error(err))
	}
}
