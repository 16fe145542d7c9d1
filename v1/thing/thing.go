package thing

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/protocol"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

// StatusNotFound is the error status the gateway reports for a thing that
// no longer exists.
const StatusNotFound = "404 Not Found"

// Thing is the client-side model of one remote thing.
type Thing struct {
	desc *Description
	id   string
	req  transport.Requester
	sink eventbus.Sink
	log  *zap.Logger

	engine *protocol.Engine
	state  *protocol.State

	mu         sync.RWMutex
	properties map[string]any
	events     []map[string]any
	connected  bool
	removed    bool

	lmu       sync.Mutex
	listeners map[eventbus.Kind]map[uint64]eventbus.SinkFunc
	nextID    uint64
}

type options struct {
	log          *zap.Logger
	sink         eventbus.Sink
	state        *protocol.State
	lockTimeout  time.Duration
	phaseTimeout time.Duration
}

// Option configures a Thing.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSink sets where the thing's events are emitted.
func WithSink(s eventbus.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithState resumes an existing protocol state, e.g. one restored with a
// known session id.
func WithState(st *protocol.State) Option {
	return func(o *options) { o.state = st }
}

// WithTimeouts overrides the mutation cycle timeouts.
func WithTimeouts(lockTimeout, phaseTimeout time.Duration) Option {
	return func(o *options) {
		o.lockTimeout, o.phaseTimeout = lockTimeout, phaseTimeout
	}
}

// New returns a Thing for desc. Call Refresh to load its current state.
func New(desc *Description, req transport.Requester, opts ...Option) *Thing {
	o := options{log: zap.NewNop(), sink: eventbus.Nop}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = eventbus.Nop
	}
	if o.state == nil {
		o.state = protocol.NewState()
	}
	id := desc.ID()
	t := &Thing{
		desc:       desc,
		id:         id,
		req:        req,
		sink:       o.sink,
		log:        o.log.Named("thing").With(zap.String("thing", id)),
		state:      o.state,
		properties: make(map[string]any),
		listeners:  make(map[eventbus.Kind]map[uint64]eventbus.SinkFunc),
	}
	t.engine = protocol.NewEngine(id, req,
		protocol.WithLogger(o.log),
		protocol.WithSink(eventbus.SinkFunc(t.emit)),
		protocol.WithTimeouts(o.lockTimeout, o.phaseTimeout),
	)
	return t
}

// ID returns the thing id.
func (t *Thing) ID() string { return t.id }

// Title returns the human readable name.
func (t *Thing) Title() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc.Title
}

// Description returns the parsed description.
func (t *Thing) Description() *Description { return t.desc }

// State returns the protocol bookkeeping of the thing.
func (t *Thing) State() protocol.Snapshot { return t.state.Snapshot() }

// Properties returns a copy of the last known property values.
func (t *Thing) Properties() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.properties)
}

// Events returns a copy of the event log.
func (t *Thing) Events() []map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]map[string]any, len(t.events))
	copy(out, t.events)
	return out
}

// Connected reports whether the gateway currently reaches the thing.
func (t *Thing) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Removed reports whether the gateway reported the thing as gone.
func (t *Thing) Removed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.removed
}

// SetProperty writes value to the named property through one mutation
// cycle and returns the acknowledged property snapshot. While another
// cycle is in flight the call is dropped and returns (nil, nil).
func (t *Thing) SetProperty(ctx context.Context, name string, value any) (map[string]any, error) {
	pd, ok := t.desc.Properties[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tserrors.ErrUnknownProperty, name)
	}
	href := pd.Href()
	if href == "" {
		return nil, fmt.Errorf("%w: %s has no property link", tserrors.ErrUnknownProperty, name)
	}
	v, err := protocol.Coerce(pd.Type, value)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", name, err)
	}
	return t.engine.Run(ctx, t.state, protocol.Mutation{
		Href:     href,
		Property: name,
		Value:    v,
		Apply: func(ctx context.Context, snapshot map[string]any) {
			t.OnPropertyStatus(ctx, snapshot)
		},
	})
}

// Refresh loads the event log and the property values.
func (t *Thing) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return t.UpdateEvents(ctx) })
	g.Go(func() error { return t.UpdateProperties(ctx) })
	return g.Wait()
}

// UpdateProperties fetches every property value. The aggregated properties
// resource is used when described, otherwise each property is fetched
// concurrently and the answers are merged.
func (t *Thing) UpdateProperties(ctx context.Context) error {
	var props map[string]any
	if href := t.desc.PropertiesHref(); href != "" {
		raw, err := t.req.GetJSON(ctx, href)
		if err != nil {
			return t.fetchFailed("properties", err)
		}
		if err := json.Unmarshal(raw, &props); err != nil {
			return t.fetchFailed("properties", err)
		}
	} else {
		var mu sync.Mutex
		props = make(map[string]any)
		g, gctx := errgroup.WithContext(ctx)
		for name, pd := range t.desc.Properties {
			href := pd.Href()
			if href == "" {
				continue
			}
			g.Go(func() error {
				raw, err := t.req.GetJSON(gctx, href)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				var part map[string]any
				if err := json.Unmarshal(raw, &part); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				mu.Lock()
				maps.Copy(props, part)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return t.fetchFailed("properties", err)
		}
	}
	t.OnPropertyStatus(ctx, props)
	return nil
}

// UpdateEvents replaces the event log with the gateway's copy. Things
// without an events link keep their log.
func (t *Thing) UpdateEvents(ctx context.Context) error {
	href := t.desc.EventsHref()
	if href == "" {
		return nil
	}
	raw, err := t.req.GetJSON(ctx, href)
	if err != nil {
		return t.fetchFailed("events", err)
	}
	var events []map[string]any
	if err := json.Unmarshal(raw, &events); err != nil {
		return t.fetchFailed("events", err)
	}
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()
	return nil
}

func (t *Thing) fetchFailed(what string, err error) error {
	t.log.Error("fetch failed", zap.String("resource", what), zap.Error(err))
	return fmt.Errorf("%w: fetch %s of %s: %w", tserrors.ErrTransport, what, t.id, err)
}

// OnPropertyStatus merges described, non-nil values into the property
// state and emits them as a property-updated event. It returns the merged
// subset.
func (t *Thing) OnPropertyStatus(ctx context.Context, data map[string]any) map[string]any {
	updated := make(map[string]any, len(data))
	t.mu.Lock()
	for name, v := range data {
		if _, ok := t.desc.Properties[name]; !ok || v == nil {
			continue
		}
		t.properties[name] = v
		updated[name] = v
	}
	t.mu.Unlock()
	t.emit(ctx, eventbus.NewEvent(t.id, eventbus.KindPropertyUpdated, updated))
	return updated
}

// OnEvent appends described events to the log and emits them as an
// event-occurred event.
func (t *Thing) OnEvent(ctx context.Context, data map[string]any) map[string]any {
	occurred := make(map[string]any, len(data))
	t.mu.Lock()
	for name, v := range data {
		if _, ok := t.desc.Events[name]; !ok {
			continue
		}
		occurred[name] = v
		t.events = append(t.events, map[string]any{name: v})
	}
	t.mu.Unlock()
	t.emit(ctx, eventbus.NewEvent(t.id, eventbus.KindEventOccurred, occurred))
	return occurred
}

// OnConnected records the connection state and refreshes the properties
// when the thing came back.
func (t *Thing) OnConnected(ctx context.Context, connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
	if connected {
		if err := t.UpdateProperties(ctx); err != nil {
			t.log.Warn("refresh after reconnect failed", zap.Error(err))
		}
	}
	t.emit(ctx, eventbus.NewEvent(t.id, eventbus.KindConnected, connected))
}

// HandleMessage applies a gateway feed message. Messages addressed to
// other things are ignored.
func (t *Thing) HandleMessage(ctx context.Context, msg transport.Message) {
	if msg.ID != "" && msg.ID != t.id {
		return
	}
	switch msg.MessageType {
	case transport.MessagePropertyStatus:
		var data map[string]any
		if t.decode(msg, &data) {
			t.OnPropertyStatus(ctx, data)
		}
	case transport.MessageEvent:
		var data map[string]any
		if t.decode(msg, &data) {
			t.OnEvent(ctx, data)
		}
	case transport.MessageConnected:
		var connected bool
		if t.decode(msg, &connected) {
			t.OnConnected(ctx, connected)
		}
	case transport.MessageError:
		var data transport.ErrorData
		if !t.decode(msg, &data) {
			return
		}
		if data.Status != StatusNotFound {
			t.log.Warn("gateway error", zap.String("status", data.Status), zap.String("message", data.Message))
			return
		}
		t.markRemoved(ctx)
	case transport.MessageAddEventSubscription:
	default:
		t.log.Debug("unhandled message", zap.String("type", string(msg.MessageType)))
	}
}

func (t *Thing) decode(msg transport.Message, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		t.log.Warn("malformed message data", zap.String("type", string(msg.MessageType)), zap.Error(err))
		return false
	}
	return true
}

// Update changes the title or description of the thing on the gateway and
// mirrors the change locally.
func (t *Thing) Update(ctx context.Context, u Updates) error {
	ed, ok := t.req.(transport.Editor)
	if !ok {
		return fmt.Errorf("%w: requester cannot update %s", tserrors.ErrTransport, t.id)
	}
	if t.desc.Href == "" {
		return fmt.Errorf("%w: %s has no href", tserrors.ErrUnknownThing, t.id)
	}
	if _, err := ed.PatchJSON(ctx, t.desc.Href, u); err != nil {
		t.log.Error("update failed", zap.Error(err))
		return fmt.Errorf("%w: update %s: %w", tserrors.ErrTransport, t.id, err)
	}
	t.mu.Lock()
	u.Apply(t.desc)
	t.mu.Unlock()
	return nil
}

// Remove deletes the thing on the gateway, emits a thing-removed event and
// closes the thing.
func (t *Thing) Remove(ctx context.Context) error {
	ed, ok := t.req.(transport.Editor)
	if !ok {
		return fmt.Errorf("%w: requester cannot remove %s", tserrors.ErrTransport, t.id)
	}
	if t.desc.Href == "" {
		return fmt.Errorf("%w: %s has no href", tserrors.ErrUnknownThing, t.id)
	}
	if _, err := ed.DeleteJSON(ctx, t.desc.Href); err != nil {
		t.log.Error("remove failed", zap.Error(err))
		return fmt.Errorf("%w: remove %s: %w", tserrors.ErrTransport, t.id, err)
	}
	t.markRemoved(ctx)
	return nil
}

// markRemoved emits thing-removed once, however the removal was learned.
func (t *Thing) markRemoved(ctx context.Context) {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	t.removed = true
	t.mu.Unlock()
	t.log.Info("thing removed")
	t.emit(ctx, eventbus.NewEvent(t.id, eventbus.KindThingRemoved, t.id))
	t.Close()
}

// Watch calls fn for every later event of kind until the returned cancel
// function runs. Property-updated watchers are first handed the current
// property values and connected watchers the current connection state.
func (t *Thing) Watch(ctx context.Context, kind eventbus.Kind, fn eventbus.SinkFunc) (cancel func()) {
	t.lmu.Lock()
	t.nextID++
	id := t.nextID
	if t.listeners[kind] == nil {
		t.listeners[kind] = make(map[uint64]eventbus.SinkFunc)
	}
	t.listeners[kind][id] = fn
	t.lmu.Unlock()

	switch kind {
	case eventbus.KindPropertyUpdated:
		fn(ctx, eventbus.NewEvent(t.id, kind, t.Properties()))
	case eventbus.KindConnected:
		fn(ctx, eventbus.NewEvent(t.id, kind, t.Connected()))
	}
	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		delete(t.listeners[kind], id)
		if len(t.listeners[kind]) == 0 {
			delete(t.listeners, kind)
		}
	}
}

// emit hands ev to the sink and to the watchers of its kind.
func (t *Thing) emit(ctx context.Context, ev eventbus.Event) {
	t.sink.Emit(ctx, ev)
	t.lmu.Lock()
	fns := make([]eventbus.SinkFunc, 0, len(t.listeners[ev.Kind]))
	for _, fn := range t.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	t.lmu.Unlock()
	for _, fn := range fns {
		fn(ctx, ev)
	}
}

// Subscribe asks the gateway to forward every described event of the thing
// on s.
func (t *Thing) Subscribe(s *transport.Stream) error {
	return s.Subscribe(t.id, t.desc.EventNames())
}

// Close stops the mutation engine. A cycle waiting on a step fails with
// ErrClosed.
func (t *Thing) Close() {
	t.engine.Close()
}
