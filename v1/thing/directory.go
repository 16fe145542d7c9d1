package thing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-thingsync/v1/cache"
	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

// DefaultDescriptionTTL is how long fetched descriptions are reused.
const DefaultDescriptionTTL = 5 * time.Minute

// Directory looks up thing descriptions on a gateway and opens Things.
type Directory struct {
	origin string
	req    transport.Requester
	cache  cache.Cache[Description]
	ttl    time.Duration
	log    *zap.Logger
	base   *zap.Logger
	opts   []Option
	sg     singleflight.Group
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithCache stores descriptions in c instead of refetching them.
func WithCache(c cache.Cache[Description], ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		d.cache = c
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithDirectoryLogger sets the logger.
func WithDirectoryLogger(log *zap.Logger) DirectoryOption {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

// WithThingOptions sets the options every opened Thing is created with.
func WithThingOptions(opts ...Option) DirectoryOption {
	return func(d *Directory) { d.opts = append(d.opts, opts...) }
}

// NewDirectory returns a directory for the gateway at origin.
func NewDirectory(origin string, req transport.Requester, opts ...DirectoryOption) *Directory {
	d := &Directory{
		origin: strings.TrimRight(origin, "/"),
		req:    req,
		ttl:    DefaultDescriptionTTL,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.base = d.log
	d.log = d.log.Named("directory")
	return d
}

// URL returns the absolute URL of a gateway path.
func (d *Directory) URL(path string) string {
	return d.origin + path
}

// List fetches every thing description known to the gateway.
func (d *Directory) List(ctx context.Context) ([]*Description, error) {
	raw, err := d.req.GetJSON(ctx, d.URL("/things"))
	if err != nil {
		return nil, fmt.Errorf("%w: list things: %w", tserrors.ErrTransport, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("list things: %w", err)
	}
	out := make([]*Description, 0, len(items))
	for _, item := range items {
		desc, err := ParseDescription(item, d.origin)
		if err != nil {
			return nil, err
		}
		d.store(ctx, desc)
		out = append(out, desc)
	}
	return out, nil
}

// Describe returns the description of thing id, from the cache when
// possible.
func (d *Directory) Describe(ctx context.Context, id string) (*Description, error) {
	if d.cache != nil {
		desc, ok, err := d.cache.Get(ctx, id)
		if err != nil {
			d.log.Warn("description cache read failed", zap.String("thing", id), zap.Error(err))
		} else if ok {
			return &desc, nil
		}
	}
	// concurrent misses for one thing share a single fetch
	v, err, _ := d.sg.Do(id, func() (any, error) {
		return d.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	desc := *v.(*Description)
	return &desc, nil
}

func (d *Directory) fetch(ctx context.Context, id string) (*Description, error) {
	raw, err := d.req.GetJSON(ctx, d.URL("/things/"+url.PathEscape(id)))
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", tserrors.ErrUnknownThing, id)
		}
		return nil, fmt.Errorf("%w: describe %s: %w", tserrors.ErrTransport, id, err)
	}
	desc, err := ParseDescription(raw, d.origin)
	if err != nil {
		return nil, err
	}
	d.store(ctx, desc)
	return desc, nil
}

func (d *Directory) store(ctx context.Context, desc *Description) {
	if d.cache == nil || desc.ID() == "" {
		return
	}
	if err := d.cache.Set(ctx, desc.ID(), *desc, d.ttl); err != nil {
		d.log.Warn("description cache write failed", zap.String("thing", desc.ID()), zap.Error(err))
	}
}

// Invalidate drops the cached description of id.
func (d *Directory) Invalidate(ctx context.Context, id string) error {
	if d.cache == nil {
		return nil
	}
	return d.cache.Invalidate(ctx, id)
}

// Open describes thing id and returns a refreshed Thing. A failed refresh
// is logged; the Thing is still returned.
func (d *Directory) Open(ctx context.Context, id string, opts ...Option) (*Thing, error) {
	desc, err := d.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	all := append(append([]Option{WithLogger(d.base)}, d.opts...), opts...)
	t := New(desc, d.req, all...)
	if err := t.Refresh(ctx); err != nil {
		d.log.Warn("initial refresh failed", zap.String("thing", id), zap.Error(err))
	}
	return t, nil
}
