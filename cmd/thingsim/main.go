package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-thingsync/v1/config"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/lock"
	"github.com/mirkobrombin/go-thingsync/v1/metrics"
	"github.com/mirkobrombin/go-thingsync/v1/remote"
	"github.com/mirkobrombin/go-thingsync/v1/thing"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration")
	listen     = flag.String("listen", "", "Listen address, overrides the configuration")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Simulator.Listen = *listen
	}
	log, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()

	opts := []remote.Option{
		remote.WithLogger(log),
		remote.WithLockTiming(cfg.Simulator.LockTTL, cfg.Simulator.LockWait),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
		})
		defer rdb.Close()
		// several simulators sharing one Redis serialize on the same thing locks
		opts = append(opts,
			remote.WithLocker(lock.NewRedis(rdb)),
			remote.WithBus(eventbus.NewCircuitBreaker(eventbus.NewRedisBus(rdb, 1000), 5, 10*time.Second)),
		)
	}
	g := remote.New(opts...)

	devices := cfg.Simulator.Devices
	if len(devices) == 0 {
		devices = defaultDevices()
	}
	for _, d := range devices {
		if err := g.Add(toDevice(d)); err != nil {
			log.Fatal("add device", zap.String("device", d.ID), zap.Error(err))
		}
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	r := remote.NewRouter(g, remote.WithToken(cfg.Simulator.Token), remote.WithAccessLog(log))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:              cfg.Simulator.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("running gateway simulator", zap.String("addr", srv.Addr), zap.Int("things", len(devices)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

func toDevice(d config.Device) remote.Device {
	dev := remote.Device{
		ID:         d.ID,
		Title:      d.Title,
		Properties: make(map[string]thing.PropertyDescription, len(d.Properties)),
		Events:     make(map[string]thing.EventDescription, len(d.Events)),
		Values:     make(map[string]any, len(d.Properties)),
	}
	for name, p := range d.Properties {
		dev.Properties[name] = thing.PropertyDescription{
			Title:    name,
			Type:     p.Type,
			Unit:     p.Unit,
			ReadOnly: p.ReadOnly,
			Minimum:  p.Minimum,
			Maximum:  p.Maximum,
		}
		if p.Value != nil {
			dev.Values[name] = p.Value
		}
	}
	for name, typ := range d.Events {
		dev.Events[name] = thing.EventDescription{Type: typ}
	}
	return dev
}

func defaultDevices() []config.Device {
	zero, hundred := 0.0, 100.0
	return []config.Device{
		{
			ID:    "lamp",
			Title: "Lamp",
			Properties: map[string]config.Property{
				"on":    {Type: "boolean", Value: false},
				"level": {Type: "integer", Unit: "percent", Minimum: &zero, Maximum: &hundred, Value: 50},
			},
			Events: map[string]string{"overheated": "number"},
		},
		{
			ID:    "thermostat",
			Title: "Thermostat",
			Properties: map[string]config.Property{
				"target":      {Type: "number", Unit: "degree celsius", Minimum: &zero, Maximum: &hundred, Value: 21.5},
				"temperature": {Type: "number", Unit: "degree celsius", ReadOnly: true, Value: 20.0},
			},
		},
	}
}
