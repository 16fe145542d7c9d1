package thing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/protocol"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

const lampDescription = `{
  "title": "Lamp",
  "href": "/things/lamp",
  "links": [{"rel": "events", "href": "/things/lamp/events"}],
  "properties": {
    "on": {"type": "boolean", "links": [{"rel": "property", "href": "/things/lamp/properties/on"}]},
    "level": {"type": "integer", "links": [{"href": "/things/lamp/properties/level"}]},
    "label": {"type": "string", "links": [{"rel": "alternate", "href": "/x"}]}
  },
  "events": {"overheated": {"type": "number"}}
}`

// fakeRequester answers GETs from a fixed table and acknowledges every
// PUT step.
type fakeRequester struct {
	mu   sync.Mutex
	gets map[string]string
	puts []protocol.Request
	urls []string
	fail map[string]error
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{gets: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeRequester) GetJSON(_ context.Context, url string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	body, ok := f.gets[url]
	if !ok {
		return nil, &transport.StatusError{Code: 404}
	}
	return json.RawMessage(body), nil
}

func (f *fakeRequester) PutJSON(_ context.Context, url string, payload any) (json.RawMessage, error) {
	req := payload.(protocol.Request)
	f.mu.Lock()
	f.puts = append(f.puts, req)
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	props := map[string]any{}
	if req.Step == protocol.PhaseExecute {
		props[req.Property] = req.Value
	}
	return protocol.EncodeResponse(req.Sequence, props)
}

func (f *fakeRequester) Puts() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.puts...)
}

func (f *fakeRequester) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func newLamp(t *testing.T, req transport.Requester, opts ...Option) (*Thing, *eventbus.Recorder) {
	t.Helper()
	desc, err := ParseDescription([]byte(lampDescription), "http://gw.local")
	require.NoError(t, err)
	rec := &eventbus.Recorder{}
	th := New(desc, req, append([]Option{WithSink(rec)}, opts...)...)
	t.Cleanup(th.Close)
	return th, rec
}

func TestSetPropertyCoercesAndRunsCycle(t *testing.T) {
	req := newFakeRequester()
	th, rec := newLamp(t, req)

	snap, err := th.SetProperty(context.Background(), "on", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"on": true}, snap)
	assert.Equal(t, map[string]any{"on": true}, th.Properties())
	assert.Equal(t, uint64(1), th.State().Sequence)

	puts := req.Puts()
	require.Len(t, puts, 3)
	assert.Equal(t, true, puts[1].Value)
	for _, u := range req.URLs() {
		assert.Equal(t, "http://gw.local/things/lamp/properties/on", u)
	}

	updated := rec.OfKind(eventbus.KindPropertyUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "lamp", updated[0].Thing)
}

func TestSetPropertyIntegerTruncates(t *testing.T) {
	req := newFakeRequester()
	th, _ := newLamp(t, req)

	_, err := th.SetProperty(context.Background(), "level", "42.9")
	require.NoError(t, err)
	assert.Equal(t, int64(42), req.Puts()[1].Value)
	// the acknowledged value comes back as a JSON number
	assert.Equal(t, float64(42), th.Properties()["level"])
}

func TestSetPropertyRejectsBeforeNetwork(t *testing.T) {
	req := newFakeRequester()
	th, _ := newLamp(t, req)

	_, err := th.SetProperty(context.Background(), "missing", true)
	assert.ErrorIs(t, err, tserrors.ErrUnknownProperty)

	_, err = th.SetProperty(context.Background(), "label", "x")
	assert.ErrorIs(t, err, tserrors.ErrUnknownProperty)

	_, err = th.SetProperty(context.Background(), "level", "high")
	assert.ErrorIs(t, err, tserrors.ErrInvalidValue)

	assert.Empty(t, req.Puts())
	assert.False(t, th.State().InFlight)
	assert.Equal(t, uint64(0), th.State().Sequence)
}

func TestWithStateKeepsSession(t *testing.T) {
	req := newFakeRequester()
	th, _ := newLamp(t, req, WithState(protocol.NewStateWithSession(1234)))

	_, err := th.SetProperty(context.Background(), "on", false)
	require.NoError(t, err)
	for _, p := range req.Puts() {
		assert.Equal(t, int64(1234), p.SessionID)
	}
}

func TestUpdatePropertiesPerProperty(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp/properties/on"] = `{"on": true}`
	req.gets["http://gw.local/things/lamp/properties/level"] = `{"level": 7}`
	th, rec := newLamp(t, req)

	require.NoError(t, th.UpdateProperties(context.Background()))
	assert.Equal(t, map[string]any{"on": true, "level": float64(7)}, th.Properties())
	assert.Len(t, rec.OfKind(eventbus.KindPropertyUpdated), 1)
}

func TestUpdatePropertiesAggregated(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp/properties"] = `{"on": false, "level": 3, "ghost": 1}`
	desc, err := ParseDescription([]byte(`{
		"title": "Lamp", "href": "/things/lamp",
		"links": [{"rel": "properties", "href": "/things/lamp/properties"}],
		"properties": {"on": {"type": "boolean"}, "level": {"type": "integer"}}
	}`), "http://gw.local")
	require.NoError(t, err)
	th := New(desc, req)
	defer th.Close()

	require.NoError(t, th.UpdateProperties(context.Background()))
	assert.Equal(t, map[string]any{"on": false, "level": float64(3)}, th.Properties())
	assert.Equal(t, []string{"http://gw.local/things/lamp/properties"}, req.URLs())
}

func TestUpdatePropertiesFailure(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp/properties/on"] = `{"on": true}`
	req.fail["http://gw.local/things/lamp/properties/level"] = errors.New("unreachable")
	th, rec := newLamp(t, req)

	err := th.UpdateProperties(context.Background())
	assert.ErrorIs(t, err, tserrors.ErrTransport)
	assert.Empty(t, th.Properties())
	assert.Empty(t, rec.Events())
}

func TestOnPropertyStatusFiltersUnknownAndNil(t *testing.T) {
	th, rec := newLamp(t, newFakeRequester())

	got := th.OnPropertyStatus(context.Background(), map[string]any{"on": true, "level": nil, "other": 1})
	assert.Equal(t, map[string]any{"on": true}, got)
	assert.Equal(t, map[string]any{"on": true}, th.Properties())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, got, rec.Events()[0].Payload)
}

func TestEvents(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp/events"] = `[{"overheated": 90}]`
	th, rec := newLamp(t, req)

	require.NoError(t, th.UpdateEvents(context.Background()))
	require.Len(t, th.Events(), 1)

	got := th.OnEvent(context.Background(), map[string]any{"overheated": 101.5, "unknown": 1})
	assert.Equal(t, map[string]any{"overheated": 101.5}, got)
	assert.Equal(t, []map[string]any{{"overheated": float64(90)}, {"overheated": 101.5}}, th.Events())
	assert.Len(t, rec.OfKind(eventbus.KindEventOccurred), 1)
}

func TestUpdateEventsWithoutLink(t *testing.T) {
	desc := &Description{Title: "Bare", Href: "http://gw.local/things/bare"}
	req := newFakeRequester()
	th := New(desc, req)
	defer th.Close()

	require.NoError(t, th.UpdateEvents(context.Background()))
	assert.Empty(t, req.URLs())
}

func TestHandleMessage(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp/properties/on"] = `{"on": true}`
	req.gets["http://gw.local/things/lamp/properties/level"] = `{"level": 1}`
	th, rec := newLamp(t, req)
	ctx := context.Background()

	th.HandleMessage(ctx, transport.Message{ID: "other", MessageType: transport.MessagePropertyStatus, Data: json.RawMessage(`{"on": false}`)})
	assert.Empty(t, rec.Events())

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessagePropertyStatus, Data: json.RawMessage(`{"on": false}`)})
	assert.Equal(t, false, th.Properties()["on"])

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessageEvent, Data: json.RawMessage(`{"overheated": 99}`)})
	assert.Len(t, rec.OfKind(eventbus.KindEventOccurred), 1)

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessageConnected, Data: json.RawMessage(`true`)})
	assert.True(t, th.Connected())
	assert.Equal(t, map[string]any{"on": true, "level": float64(1)}, th.Properties())
	connected := rec.OfKind(eventbus.KindConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, true, connected[0].Payload)

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessagePropertyStatus, Data: json.RawMessage(`not json`)})

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessageError, Data: json.RawMessage(`{"status": "500 Internal Server Error"}`)})
	assert.False(t, th.Removed())

	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessageError, Data: json.RawMessage(fmt.Sprintf(`{"status": %q}`, StatusNotFound))})
	assert.True(t, th.Removed())
	assert.Len(t, rec.OfKind(eventbus.KindThingRemoved), 1)

	_, err := th.SetProperty(ctx, "on", true)
	assert.ErrorIs(t, err, tserrors.ErrClosed)
}

func TestOnConnectedFalseSkipsRefresh(t *testing.T) {
	req := newFakeRequester()
	th, rec := newLamp(t, req)

	th.OnConnected(context.Background(), false)
	assert.False(t, th.Connected())
	assert.Empty(t, req.URLs())
	assert.Len(t, rec.OfKind(eventbus.KindConnected), 1)
}

// editingRequester also records PATCH and DELETE calls.
type editingRequester struct {
	*fakeRequester
	patches map[string]any
	deletes []string
	err     error
}

func newEditingRequester() *editingRequester {
	return &editingRequester{fakeRequester: newFakeRequester(), patches: map[string]any{}}
}

func (e *editingRequester) PatchJSON(_ context.Context, url string, payload any) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.patches[url] = payload
	return json.RawMessage(`{}`), nil
}

func (e *editingRequester) DeleteJSON(_ context.Context, url string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.deletes = append(e.deletes, url)
	return json.RawMessage(`{}`), nil
}

func TestRemove(t *testing.T) {
	req := newEditingRequester()
	th, rec := newLamp(t, req)
	ctx := context.Background()

	require.NoError(t, th.Remove(ctx))
	assert.Equal(t, []string{"http://gw.local/things/lamp"}, req.deletes)
	assert.True(t, th.Removed())
	removed := rec.OfKind(eventbus.KindThingRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "lamp", removed[0].Payload)

	// the gateway feed announces the same removal afterwards
	th.HandleMessage(ctx, transport.Message{ID: "lamp", MessageType: transport.MessageError, Data: json.RawMessage(fmt.Sprintf(`{"status": %q}`, StatusNotFound))})
	assert.Len(t, rec.OfKind(eventbus.KindThingRemoved), 1)

	_, err := th.SetProperty(ctx, "on", true)
	assert.ErrorIs(t, err, tserrors.ErrClosed)
}

func TestRemoveFailureKeepsThing(t *testing.T) {
	req := newEditingRequester()
	req.err = &transport.StatusError{Code: 500}
	th, rec := newLamp(t, req)

	err := th.Remove(context.Background())
	assert.ErrorIs(t, err, tserrors.ErrTransport)
	assert.False(t, th.Removed())
	assert.Empty(t, rec.OfKind(eventbus.KindThingRemoved))

	plain, _ := newLamp(t, newFakeRequester())
	assert.ErrorIs(t, plain.Remove(context.Background()), tserrors.ErrTransport)
}

func TestUpdate(t *testing.T) {
	req := newEditingRequester()
	th, _ := newLamp(t, req)
	title := "Desk lamp"

	require.NoError(t, th.Update(context.Background(), Updates{Title: &title}))
	assert.Equal(t, Updates{Title: &title}, req.patches["http://gw.local/things/lamp"])
	assert.Equal(t, "Desk lamp", th.Title())

	req.err = errors.New("unreachable")
	other := "Floor lamp"
	assert.ErrorIs(t, th.Update(context.Background(), Updates{Title: &other}), tserrors.ErrTransport)
	assert.Equal(t, "Desk lamp", th.Title())
}

func TestWatchReplaysCurrentState(t *testing.T) {
	req := newFakeRequester()
	th, _ := newLamp(t, req)
	ctx := context.Background()
	th.OnPropertyStatus(ctx, map[string]any{"on": true})

	var props []eventbus.Event
	stop := th.Watch(ctx, eventbus.KindPropertyUpdated, func(_ context.Context, ev eventbus.Event) {
		props = append(props, ev)
	})
	require.Len(t, props, 1)
	assert.Equal(t, map[string]any{"on": true}, props[0].Payload)

	var conn []eventbus.Event
	th.Watch(ctx, eventbus.KindConnected, func(_ context.Context, ev eventbus.Event) {
		conn = append(conn, ev)
	})
	require.Len(t, conn, 1)
	assert.Equal(t, false, conn[0].Payload)

	var occurred []eventbus.Event
	th.Watch(ctx, eventbus.KindEventOccurred, func(_ context.Context, ev eventbus.Event) {
		occurred = append(occurred, ev)
	})
	assert.Empty(t, occurred)

	th.OnPropertyStatus(ctx, map[string]any{"level": 3})
	th.OnEvent(ctx, map[string]any{"overheated": 80})
	th.OnConnected(ctx, false)
	require.Len(t, props, 2)
	assert.Equal(t, map[string]any{"level": 3}, props[1].Payload)
	assert.Len(t, occurred, 1)
	assert.Len(t, conn, 2)

	stop()
	th.OnPropertyStatus(ctx, map[string]any{"on": false})
	assert.Len(t, props, 2)
}

// refusingRequester fails every execute step.
type refusingRequester struct {
	*fakeRequester
}

func (r refusingRequester) PutJSON(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	if payload.(protocol.Request).Step == protocol.PhaseExecute {
		return nil, &transport.StatusError{Code: 409, Body: "sequence already completed"}
	}
	return r.fakeRequester.PutJSON(ctx, url, payload)
}

func TestWatchReceivesEngineFailures(t *testing.T) {
	th, rec := newLamp(t, refusingRequester{newFakeRequester()})
	ctx := context.Background()

	var failed []eventbus.Event
	th.Watch(ctx, eventbus.KindOperationFailed, func(_ context.Context, ev eventbus.Event) {
		failed = append(failed, ev)
	})
	_, err := th.SetProperty(ctx, "on", true)
	assert.ErrorIs(t, err, tserrors.ErrTransport)

	require.Len(t, failed, 1)
	assert.Len(t, rec.OfKind(eventbus.KindOperationFailed), 1)
	failure, ok := failed[0].Payload.(eventbus.OperationFailure)
	require.True(t, ok)
	assert.Equal(t, "on", failure.Property)
	assert.Equal(t, protocol.PhaseExecute.String(), failure.Step)
}
