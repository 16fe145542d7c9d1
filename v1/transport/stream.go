package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

// MessageType tags a gateway WebSocket message.
type MessageType string

const (
	MessageAddEventSubscription MessageType = "addEventSubscription"
	MessagePropertyStatus       MessageType = "propertyStatus"
	MessageEvent                MessageType = "event"
	MessageConnected            MessageType = "connected"
	MessageError                MessageType = "error"
)

// Message is the envelope the gateway uses on its WebSocket feed.
type Message struct {
	ID          string          `json:"id,omitempty"`
	MessageType MessageType     `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of a MessageError message.
type ErrorData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Stream is a client connection to a gateway WebSocket feed.
type Stream struct {
	conn *websocket.Conn
	log  *zap.Logger

	wmu sync.Mutex
}

// Dial opens a Stream to url.
func Dial(ctx context.Context, url string, header http.Header, log *zap.Logger) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{conn: conn, log: log.Named("stream")}, nil
}

// NewStream wraps an established connection.
func NewStream(conn *websocket.Conn, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{conn: conn, log: log.Named("stream")}
}

// Send writes msg to the gateway.
func (s *Stream) Send(msg Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Subscribe asks the gateway to forward the named events of thing id.
func (s *Stream) Subscribe(id string, events []string) error {
	if len(events) == 0 {
		return nil
	}
	data := make(map[string]struct{}, len(events))
	for _, name := range events {
		data[name] = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.Send(Message{ID: id, MessageType: MessageAddEventSubscription, Data: raw})
}

// Run reads messages and passes them to handle until ctx is done or the
// connection fails. Malformed messages are logged and skipped.
func (s *Stream) Run(ctx context.Context, handle func(context.Context, Message)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return tserrors.ErrConnectionClosed
			}
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed message", zap.Error(err))
			continue
		}
		handle(ctx, msg)
	}
}

// Close closes the connection.
func (s *Stream) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cerr := s.conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return errors.Join(err, cerr)
	}
	return cerr
}
