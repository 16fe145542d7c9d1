package thing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-thingsync/v1/cache"
	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

func countURL(urls []string, want string) int {
	n := 0
	for _, u := range urls {
		if u == want {
			n++
		}
	}
	return n
}

func TestDirectoryDescribeUsesCache(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp"] = lampDescription
	c, err := cache.NewRistretto[Description]()
	require.NoError(t, err)
	defer c.Close()
	d := NewDirectory("http://gw.local/", req, WithCache(c, time.Minute))
	ctx := context.Background()

	first, err := d.Describe(ctx, "lamp")
	require.NoError(t, err)
	second, err := d.Describe(ctx, "lamp")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, countURL(req.URLs(), "http://gw.local/things/lamp"))

	require.NoError(t, d.Invalidate(ctx, "lamp"))
	_, err = d.Describe(ctx, "lamp")
	require.NoError(t, err)
	assert.Equal(t, 2, countURL(req.URLs(), "http://gw.local/things/lamp"))
}

func TestDirectoryRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	req := newFakeRequester()
	req.gets["http://gw.local/things"] = "[" + lampDescription + "]"
	d := NewDirectory("http://gw.local", req, WithCache(cache.NewRedis[Description](client, nil), time.Minute))
	ctx := context.Background()

	list, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "lamp", list[0].ID())

	// a second directory sharing the redis cache never asks the gateway
	other := newFakeRequester()
	d2 := NewDirectory("http://gw.local", other, WithCache(cache.NewRedis[Description](client, nil), time.Minute))
	desc, err := d2.Describe(ctx, "lamp")
	require.NoError(t, err)
	assert.Equal(t, "http://gw.local/things/lamp/properties/on", desc.Properties["on"].Href())
	assert.Empty(t, other.URLs())
}

func TestDirectoryUnknownThing(t *testing.T) {
	d := NewDirectory("http://gw.local", newFakeRequester())
	_, err := d.Describe(context.Background(), "ghost")
	assert.ErrorIs(t, err, tserrors.ErrUnknownThing)
}

func TestDirectoryOpenRefreshes(t *testing.T) {
	req := newFakeRequester()
	req.gets["http://gw.local/things/lamp"] = lampDescription
	req.gets["http://gw.local/things/lamp/events"] = `[]`
	req.gets["http://gw.local/things/lamp/properties/on"] = `{"on": true}`
	req.gets["http://gw.local/things/lamp/properties/level"] = `{"level": 5}`
	d := NewDirectory("http://gw.local", req)

	th, err := d.Open(context.Background(), "lamp")
	require.NoError(t, err)
	defer th.Close()
	assert.Equal(t, "Lamp", th.Title())
	assert.Equal(t, map[string]any{"on": true, "level": float64(5)}, th.Properties())
}
