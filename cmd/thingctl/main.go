package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-thingsync/v1/cache"
	"github.com/mirkobrombin/go-thingsync/v1/config"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/metrics"
	"github.com/mirkobrombin/go-thingsync/v1/thing"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration")
	gatewayURL = flag.String("gateway", "", "Gateway URL, overrides the configuration")
	trace      = flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: thingctl [flags] <command> [args]

commands:
  list                           list the things of the gateway
  get <thing> [property]         print property values
  set <thing> <property> <value> write a property through the handshake
  watch <thing>                  stream property changes and events
  rename <thing> <title>         change the title of a thing
  remove <thing>                 delete a thing from the gateway

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	log, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal("trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	c, err := newClient(cfg, log)
	if err != nil {
		log.Fatal("client setup failed", zap.Error(err))
	}
	defer c.close()

	if cfg.Metrics.Addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", eventbus.SSEHandler(c.events))
		mux.Handle("/events/ws", eventbus.WebSocketHandler(c.events))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	if err := c.run(ctx, flag.Args()); err != nil {
		log.Error("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

type client struct {
	cfg config.Config
	log *zap.Logger
	dir *thing.Directory
	// events mirrors every emitted event for the local SSE and WebSocket streams.
	events  *eventbus.InMemory
	closers []func()
}

func newClient(cfg config.Config, log *zap.Logger) (*client, error) {
	c := &client{cfg: cfg, log: log, events: eventbus.NewInMemory(64)}
	sinks := []eventbus.Sink{eventbus.SinkFunc(printEvent), eventbus.NewBusSink(c.events, log)}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		c.closers = append(c.closers, func() { _ = rdb.Close() })
		bus := eventbus.NewCircuitBreaker(eventbus.NewRedisBus(rdb, 1000), 5, 10*time.Second)
		sinks = append(sinks, eventbus.NewBusSink(bus, log))
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		c.closers = append(c.closers, nc.Close)
		sinks = append(sinks, eventbus.NewNATSSink(nc, cfg.NATS.SubjectPrefix, log))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := eventbus.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil, log)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		c.closers = append(c.closers, func() { _ = ks.Close() })
		sinks = append(sinks, ks)
	}

	var descCache cache.Cache[thing.Description]
	if rdb != nil {
		descCache = cache.NewRedis[thing.Description](rdb, cache.JSONCodec{})
	} else {
		rc, err := cache.NewRistretto[thing.Description](cache.WithMaxEntries(cfg.Cache.MaxEntries))
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, rc.Close)
		descCache = rc
	}

	req := transport.NewHTTP(transport.WithToken(cfg.Gateway.Token), transport.WithLogger(log))
	c.dir = thing.NewDirectory(cfg.Gateway.URL, req,
		thing.WithCache(descCache, cfg.Cache.TTL),
		thing.WithDirectoryLogger(log),
		thing.WithThingOptions(
			thing.WithSink(eventbus.Multi(sinks...)),
			thing.WithTimeouts(cfg.Protocol.LockTimeout, cfg.Protocol.PhaseTimeout),
		),
	)
	return c, nil
}

func (c *client) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (c *client) run(ctx context.Context, args []string) error {
	switch cmd, args := args[0], args[1:]; cmd {
	case "list":
		return c.list(ctx)
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: get <thing> [property]")
		}
		return c.get(ctx, args)
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: set <thing> <property> <value>")
		}
		return c.set(ctx, args[0], args[1], parseValue(args[2]))
	case "watch":
		if len(args) != 1 {
			return fmt.Errorf("usage: watch <thing>")
		}
		return c.watch(ctx, args[0])
	case "rename":
		if len(args) != 2 {
			return fmt.Errorf("usage: rename <thing> <title>")
		}
		return c.rename(ctx, args[0], args[1])
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: remove <thing>")
		}
		return c.remove(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) list(ctx context.Context) error {
	descs, err := c.dir.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range descs {
		fmt.Printf("%-20s %s\n", d.ID(), d.Title)
	}
	return nil
}

func (c *client) get(ctx context.Context, args []string) error {
	t, err := c.dir.Open(ctx, args[0])
	if err != nil {
		return err
	}
	defer t.Close()
	props := t.Properties()
	if len(args) == 2 {
		v, ok := props[args[1]]
		if !ok {
			return fmt.Errorf("%s has no value for %q", args[0], args[1])
		}
		props = map[string]any{args[1]: v}
	}
	return printJSON(props)
}

func (c *client) set(ctx context.Context, id, name string, value any) error {
	t, err := c.dir.Open(ctx, id)
	if err != nil {
		return err
	}
	defer t.Close()
	snapshot, err := t.SetProperty(ctx, name, value)
	if err != nil {
		return err
	}
	c.log.Debug("property set", zap.String("thing", id), zap.Uint64("sequence", t.State().Sequence))
	return printJSON(snapshot)
}

func (c *client) watch(ctx context.Context, id string) error {
	t, err := c.dir.Open(ctx, id)
	if err != nil {
		return err
	}
	defer t.Close()

	header := http.Header{}
	if c.cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Gateway.Token)
	}
	stream, err := transport.Dial(ctx, feedURL(c.cfg.Gateway.URL), header, c.log)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer stream.Close()
	if err := t.Subscribe(stream); err != nil {
		return err
	}
	c.log.Info("watching", zap.String("thing", id))
	if err := stream.Run(ctx, t.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *client) rename(ctx context.Context, id, title string) error {
	t, err := c.dir.Open(ctx, id)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.Update(ctx, thing.Updates{Title: &title}); err != nil {
		return err
	}
	return c.dir.Invalidate(ctx, id)
}

func (c *client) remove(ctx context.Context, id string) error {
	t, err := c.dir.Open(ctx, id)
	if err != nil {
		return err
	}
	if err := t.Remove(ctx); err != nil {
		t.Close()
		return err
	}
	return c.dir.Invalidate(ctx, id)
}

// feedURL turns the gateway origin into its WebSocket feed URL.
func feedURL(origin string) string {
	origin = strings.TrimSuffix(origin, "/")
	switch {
	case strings.HasPrefix(origin, "https://"):
		origin = "wss://" + strings.TrimPrefix(origin, "https://")
	case strings.HasPrefix(origin, "http://"):
		origin = "ws://" + strings.TrimPrefix(origin, "http://")
	}
	return origin + "/ws"
}

// parseValue reads JSON literals and falls back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(_ context.Context, ev eventbus.Event) {
	payload, _ := json.Marshal(ev.Payload)
	fmt.Printf("%s %s %s %s\n", ev.Time.Format(time.TimeOnly), ev.Thing, ev.Kind, payload)
}
