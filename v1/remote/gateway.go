// Package remote simulates the gateway side of the property handshake. It
// hosts things, serializes their mutations with a keyed lock held across
// the acquire, execute and release steps of one session, and streams
// property and event updates to WebSocket clients.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/lock"
	"github.com/mirkobrombin/go-thingsync/v1/metrics"
	"github.com/mirkobrombin/go-thingsync/v1/protocol"
	"github.com/mirkobrombin/go-thingsync/v1/thing"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

// FeedKey is the bus key carrying gateway feed messages.
const FeedKey = "gateway/feed"

const (
	DefaultLockTTL  = 30 * time.Second
	DefaultLockWait = 10 * time.Second
)

// Device declares a simulated thing.
type Device struct {
	ID         string
	Title      string
	Properties map[string]thing.PropertyDescription
	Events     map[string]thing.EventDescription
	// Values holds the initial property values.
	Values map[string]any
}

type device struct {
	desc   thing.Description
	values map[string]any
	events []map[string]any

	locked bool
	holder int64
	// grant names the locker holding of the current holder.
	grant string
	// next is the lowest sequence number each session may still execute.
	// It only moves past sequences whose execute step was applied.
	next map[int64]uint64
}

// Gateway hosts simulated things.
type Gateway struct {
	locker   lock.Locker
	bus      eventbus.Bus
	log      *zap.Logger
	lockTTL  time.Duration
	lockWait time.Duration

	mu     sync.Mutex
	things map[string]*device
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLocker sets the keyed lock guarding each thing. The default is an
// in-process lock.InMemory.
func WithLocker(l lock.Locker) Option {
	return func(g *Gateway) {
		if l != nil {
			g.locker = l
		}
	}
}

// WithBus sets the bus feed messages are published on.
func WithBus(b eventbus.Bus) Option {
	return func(g *Gateway) {
		if b != nil {
			g.bus = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithLockTiming sets how long a session may hold a thing lock and how
// long the acquire step waits for it.
func WithLockTiming(ttl, wait time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.lockTTL = ttl
		}
		if wait > 0 {
			g.lockWait = wait
		}
	}
}

// New returns an empty gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		locker:   lock.NewInMemory(),
		bus:      eventbus.NewInMemory(64),
		log:      zap.NewNop(),
		lockTTL:  DefaultLockTTL,
		lockWait: DefaultLockWait,
		things:   make(map[string]*device),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("gateway")
	return g
}

// Bus returns the bus carrying the feed.
func (g *Gateway) Bus() eventbus.Bus { return g.bus }

func thingPath(id string) string {
	return "/things/" + url.PathEscape(id)
}

// Add registers a device, replacing any thing with the same id.
func (g *Gateway) Add(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("remote: device without id")
	}
	base := thingPath(d.ID)
	desc := thing.Description{
		Title: d.Title,
		Href:  base,
		Links: []thing.Link{
			{Rel: thing.RelProperties, Href: base + "/properties"},
			{Rel: thing.RelEvents, Href: base + "/events"},
		},
		Properties: make(map[string]thing.PropertyDescription, len(d.Properties)),
		Events:     make(map[string]thing.EventDescription, len(d.Events)),
	}
	for name, p := range d.Properties {
		p.Links = []thing.Link{{Rel: thing.RelProperty, Href: base + "/properties/" + url.PathEscape(name)}}
		desc.Properties[name] = p
	}
	for name, e := range d.Events {
		e.Links = []thing.Link{{Rel: "event", Href: base + "/events/" + url.PathEscape(name)}}
		desc.Events[name] = e
	}
	values := make(map[string]any, len(d.Values))
	for name, v := range d.Values {
		if _, ok := desc.Properties[name]; !ok {
			return fmt.Errorf("%w: %s.%s", tserrors.ErrUnknownProperty, d.ID, name)
		}
		values[name] = v
	}

	g.mu.Lock()
	g.things[d.ID] = &device{desc: desc, values: values, next: make(map[int64]uint64)}
	g.mu.Unlock()
	g.log.Info("thing added", zap.String("thing", d.ID))
	return nil
}

// Remove deletes a thing and tells feed clients it is gone.
func (g *Gateway) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	dev, ok := g.things[id]
	var (
		locked bool
		grant  string
	)
	if ok {
		locked, grant = dev.locked, dev.grant
		delete(g.things, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	if locked {
		_ = g.locker.ReleaseGrant(ctx, lockKey(id), grant)
		metrics.RemoteLockGauge.Dec()
	}
	g.publish(ctx, id, transport.MessageError, transport.ErrorData{Status: thing.StatusNotFound, Message: "thing removed"})
	return nil
}

// Update changes the title or description of thing id and returns the new
// description.
func (g *Gateway) Update(id string, u thing.Updates) (thing.Description, error) {
	if u.Title == nil && u.Description == nil {
		return thing.Description{}, fmt.Errorf("%w: nothing to update", tserrors.ErrInvalidValue)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, ok := g.things[id]
	if !ok {
		return thing.Description{}, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	u.Apply(&dev.desc)
	g.log.Info("thing updated", zap.String("thing", id))
	return dev.desc, nil
}

// Things returns every thing description, sorted by id.
func (g *Gateway) Things() []thing.Description {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.things))
	for id := range g.things {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]thing.Description, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.things[id].desc)
	}
	return out
}

// Describe returns the description of thing id.
func (g *Gateway) Describe(id string) (thing.Description, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, ok := g.things[id]
	if !ok {
		return thing.Description{}, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	return dev.desc, nil
}

// Properties returns every current property value of thing id.
func (g *Gateway) Properties(id string) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, ok := g.things[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	return maps.Clone(dev.values), nil
}

// Property returns {name: value} for one property.
func (g *Gateway) Property(id, name string) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, err := g.property(id, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{name: dev.values[name]}, nil
}

// Events returns the event log of thing id.
func (g *Gateway) Events(id string) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dev, ok := g.things[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	out := make([]map[string]any, len(dev.events))
	copy(out, dev.events)
	return out, nil
}

// Emit records an occurrence of a described event and forwards it to feed
// clients subscribed to it.
func (g *Gateway) Emit(ctx context.Context, id, name string, data any) error {
	g.mu.Lock()
	dev, ok := g.things[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	if _, ok := dev.desc.Events[name]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: event %s.%s", tserrors.ErrUnknownProperty, id, name)
	}
	dev.events = append(dev.events, map[string]any{name: data})
	g.mu.Unlock()
	g.publish(ctx, id, transport.MessageEvent, map[string]any{name: data})
	return nil
}

// SetConnected announces whether the gateway reaches thing id.
func (g *Gateway) SetConnected(ctx context.Context, id string, connected bool) error {
	if _, err := g.Describe(id); err != nil {
		return err
	}
	g.publish(ctx, id, transport.MessageConnected, connected)
	return nil
}

// Step serves one handshake request against property name of thing id and
// returns the acknowledgement body.
func (g *Gateway) Step(ctx context.Context, id, name string, req protocol.Request) (json.RawMessage, error) {
	log := g.log.With(
		zap.String("thing", id),
		zap.Int64("session", req.SessionID),
		zap.Uint64("sequence", req.Sequence),
		zap.Stringer("step", req.Step),
	)
	var (
		props map[string]any
		err   error
	)
	switch req.Step {
	case protocol.PhaseAcquire:
		err = g.acquire(ctx, id, name, req)
	case protocol.PhaseExecute:
		props, err = g.execute(ctx, id, name, req)
	case protocol.PhaseRelease:
		err = g.release(ctx, id, name, req)
	default:
		err = fmt.Errorf("%w: step %s", tserrors.ErrInvalidValue, req.Step)
	}
	if err != nil {
		log.Debug("step refused", zap.Error(err))
		return nil, err
	}
	log.Debug("step acknowledged")
	return protocol.EncodeResponse(req.Sequence, props)
}

func lockKey(id string) string { return "thing:" + id }

// property returns the device owning name. g.mu must be held.
func (g *Gateway) property(id, name string) (*device, error) {
	dev, ok := g.things[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	if _, ok := dev.desc.Properties[name]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", tserrors.ErrUnknownProperty, id, name)
	}
	return dev, nil
}

func (g *Gateway) acquire(ctx context.Context, id, name string, req protocol.Request) error {
	g.mu.Lock()
	dev, err := g.property(id, name)
	if err == nil && dev.locked && dev.holder == req.SessionID {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, g.lockWait)
	defer cancel()
	grant, err := g.locker.AcquireGrant(actx, lockKey(id), g.lockTTL)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", tserrors.ErrLockTimeout, id, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.things[id] != dev {
		_ = g.locker.ReleaseGrant(ctx, lockKey(id), grant)
		return fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
	}
	if !dev.locked {
		metrics.RemoteLockGauge.Inc()
	}
	// a previous holder whose TTL ran out loses the lock here
	dev.locked, dev.holder, dev.grant = true, req.SessionID, grant
	return nil
}

func (g *Gateway) execute(ctx context.Context, id, name string, req protocol.Request) (map[string]any, error) {
	if req.Property != name {
		return nil, fmt.Errorf("%w: body sets %q on %s", tserrors.ErrUnknownProperty, req.Property, name)
	}
	g.mu.Lock()
	dev, err := g.property(id, name)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if !dev.locked || dev.holder != req.SessionID {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", tserrors.ErrNotLockHolder, id)
	}
	if next := dev.next[req.SessionID]; req.Sequence < next {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: sequence %d already completed, next is %d", tserrors.ErrSequenceMismatch, req.Sequence, next)
	}
	v, err := validate(dev.desc.Properties[name], req.Value)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%s.%s: %w", id, name, err)
	}
	dev.values[name] = v
	dev.next[req.SessionID] = req.Sequence + 1
	g.mu.Unlock()

	props := map[string]any{name: v}
	g.publish(ctx, id, transport.MessagePropertyStatus, props)
	return props, nil
}

func (g *Gateway) release(ctx context.Context, id, name string, req protocol.Request) error {
	g.mu.Lock()
	dev, err := g.property(id, name)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if !dev.locked || dev.holder != req.SessionID {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", tserrors.ErrNotLockHolder, id)
	}
	// an expired holding only frees the locker if nobody took it since
	dev.locked = false
	grant := dev.grant
	dev.grant = ""
	g.mu.Unlock()
	metrics.RemoteLockGauge.Dec()
	return g.locker.ReleaseGrant(ctx, lockKey(id), grant)
}

// validate checks a written value against its description.
func validate(p thing.PropertyDescription, v any) (any, error) {
	if p.ReadOnly {
		return nil, fmt.Errorf("%w: read-only property", tserrors.ErrInvalidValue)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: null value", tserrors.ErrInvalidValue)
	}
	cv, err := protocol.Coerce(p.Type, v)
	if err != nil {
		return nil, err
	}
	var f float64
	switch x := cv.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	default:
		return cv, nil
	}
	if p.Minimum != nil && f < *p.Minimum {
		return nil, fmt.Errorf("%w: %v below minimum %v", tserrors.ErrInvalidValue, f, *p.Minimum)
	}
	if p.Maximum != nil && f > *p.Maximum {
		return nil, fmt.Errorf("%w: %v above maximum %v", tserrors.ErrInvalidValue, f, *p.Maximum)
	}
	return cv, nil
}

func (g *Gateway) publish(ctx context.Context, id string, typ transport.MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		g.log.Error("encode feed data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	msg, err := json.Marshal(transport.Message{ID: id, MessageType: typ, Data: raw})
	if err != nil {
		g.log.Error("encode feed message", zap.Error(err))
		return
	}
	if err := g.bus.Publish(ctx, FeedKey, msg); err != nil {
		g.log.Warn("publish feed message", zap.String("type", string(typ)), zap.Error(err))
	}
}
