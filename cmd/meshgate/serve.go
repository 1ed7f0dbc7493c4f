package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/meshgate/internal/config"
	"github.com/hanpama/meshgate/internal/discovery"
	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	"github.com/hanpama/meshgate/internal/gateway"
	"github.com/hanpama/meshgate/internal/grpctp"
	"github.com/hanpama/meshgate/internal/lifecycle"
	"github.com/hanpama/meshgate/internal/metrics"
	"github.com/hanpama/meshgate/internal/natstp"
	"github.com/hanpama/meshgate/internal/otel"
	"github.com/hanpama/meshgate/internal/pubsub"
	"github.com/hanpama/meshgate/internal/server"
	"github.com/hanpama/meshgate/internal/transport"
)

type endpointFlag map[string][]string

func (e endpointFlag) String() string { return "" }
func (e endpointFlag) Type() string   { return "service=host:port" }

func (e endpointFlag) Set(v string) error {
	svc, ep, ok := strings.Cut(v, "=")
	svc, ep = strings.TrimSpace(svc), strings.TrimSpace(ep)
	if !ok || svc == "" || ep == "" {
		return fmt.Errorf("invalid endpoint %q", v)
	}
	e[svc] = append(e[svc], ep)
	return nil
}

func newServeCmd(f *rootFlags) *cobra.Command {
	var addr, dir, transportKind, discoveryKind, natsURL, otelEndpoint string
	endpoints := endpointFlag{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP GraphQL gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			set := func(dst *string, v string) {
				if v != "" {
					*dst = v
				}
			}
			set(&cfg.Server.Addr, addr)
			set(&cfg.Discovery.Dir, dir)
			set(&cfg.Discovery.Kind, discoveryKind)
			set(&cfg.Transport.Kind, transportKind)
			set(&cfg.NATS.URL, natsURL)
			set(&cfg.OTel.Endpoint, otelEndpoint)
			if cfg.Transport.Endpoints == nil {
				cfg.Transport.Endpoints = map[string][]string{}
			}
			for svc, eps := range endpoints {
				cfg.Transport.Endpoints[svc] = eps
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&addr, "server.addr", "", "HTTP listen address")
	fl.StringVar(&dir, "discovery.dir", "", "service manifest directory")
	fl.StringVar(&discoveryKind, "discovery.kind", "", "service discovery: dir or nats")
	fl.StringVar(&transportKind, "transport.kind", "", "action transport: grpc or nats")
	fl.Var(endpoints, "transport.endpoint", "gRPC endpoint of a service, repeatable")
	fl.StringVar(&natsURL, "nats.url", "", "NATS server URL")
	fl.StringVar(&otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("gateway listening", zap.String("addr", cfg.Server.Addr), zap.String("path", cfg.Server.Path))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// app is the wired gateway. Close releases everything newApp started.
type app struct {
	handler http.Handler
	gateway *gateway.Gateway
	schemas *lifecycle.Manager
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	bus := eventbus.New()

	var nc *nats.Conn
	if cfg.UsesNATS() {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("meshgate-"+uuid.NewString()))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, nc.Close)
	}
	natsOpts := []natstp.Option{
		natstp.WithPrefix(cfg.NATS.Prefix), natstp.WithTimeout(cfg.Transport.Timeout),
		natstp.WithBus(bus), natstp.WithLogger(logger.Named("nats")),
	}

	var src lifecycle.Source
	switch cfg.Discovery.Kind {
	case "nats":
		d, err := natstp.NewDiscovery(nc, natsOpts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = d.Close() })
		src = d
	default:
		d := discovery.NewDir(cfg.Discovery.Dir, discovery.WithBus(bus),
			discovery.WithLogger(logger.Named("discovery")),
			discovery.WithPollInterval(cfg.Discovery.PollInterval),
			discovery.WithDebounce(cfg.Discovery.Debounce))
		watchCtx, cancel := context.WithCancel(ctx)
		a.closers = append(a.closers, cancel)
		go func() {
			if err := d.Watch(watchCtx); err != nil {
				logger.Warn("manifest watch stopped", zap.Error(err))
			}
		}()
		src = d
	}

	var caller transport.Caller
	switch cfg.Transport.Kind {
	case "nats":
		caller = natstp.NewCaller(nc, natsOpts...)
	default:
		tp := grpctp.New(
			grpctp.WithProvider(grpctp.NewStaticEndpoints(cfg.Transport.Endpoints)),
			grpctp.WithRPCTimeout(cfg.Transport.Timeout),
			grpctp.WithBus(bus), grpctp.WithLogger(logger.Named("grpc")),
		)
		a.closers = append(a.closers, func() { _ = tp.Close() })
		caller = tp
	}

	ps := pubsub.New(pubsub.WithBus(bus), pubsub.WithLogger(logger.Named("pubsub")))
	a.closers = append(a.closers, ps.Close)
	bridge := pubsub.NewBridge(bus, ps)
	a.closers = append(a.closers, bridge.Close)
	if cfg.PubSub.NATS {
		feed, err := natstp.NewFeed(nc, ps, natsOpts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = feed.Close() })
	}
	if cfg.NATS.AnnounceSchema {
		ann := natstp.NewAnnouncer(nc, bus, natsOpts...)
		a.closers = append(a.closers, ann.Close)
	}

	shutdown, err := otel.Setup(ctx, otel.Config{
		Endpoint: cfg.OTel.Endpoint, ServiceName: cfg.OTel.ServiceName, Insecure: cfg.OTel.Insecure,
	}, bus)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	a.closers = append(a.closers, func() { _ = shutdown(context.Background()) })

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New(bus)
		a.closers = append(a.closers, m.Close)
		metricsHandler = m.Handler()
	}

	a.schemas = lifecycle.New(src,
		lifecycle.WithBus(bus),
		lifecycle.WithLogger(logger.Named("schema")),
		lifecycle.WithStaleFallback(cfg.GraphQL.StaleFallback),
	)
	a.closers = append(a.closers, a.schemas.Close)

	a.gateway = gateway.New(a.schemas, caller,
		gateway.WithBus(bus),
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithEvents(ps),
		gateway.WithLoaderConcurrency(cfg.GraphQL.LoaderConcurrency),
	)

	sopts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithGraphiQL(cfg.Server.GraphiQL),
		server.WithForwardHeaders(cfg.Server.ForwardHeaders...),
		server.WithBus(bus),
		server.WithLogger(logger.Named("http")),
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	a.handler = server.Routes(cfg.Server.Path, server.New(a.gateway, sopts...), metricsHandler)

	if err := a.schemas.Check(ctx); err != nil {
		logger.Warn("initial schema build failed; serving once services appear", zap.Error(err))
	}
	return a, nil
}
