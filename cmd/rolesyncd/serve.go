package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/mirror"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/provider"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/resolver"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/server"
)

const serviceName = "rolesyncd"

// components is the wired service graph. close releases everything it
// opened.
type components struct {
	verifier *auth.Verifier
	resolver *resolver.Service
	closers  []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build wires the key set cache, verifier, provider client and optional
// mirror from cfg.
func build(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	c := &components{}

	cacheOpts := []auth.KeySetOption{
		auth.WithKeySetTTL(cfg.Auth.KeySetTTL),
		auth.WithMinRefreshInterval(cfg.Auth.MinRefreshInterval),
		auth.WithFetchTimeout(cfg.Auth.FetchTimeout),
		auth.WithKeySetLogger(logger),
	}
	if cfg.Redis.Enabled {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = rdb.Close() })
		cacheOpts = append(cacheOpts, auth.WithKeySetStore(
			auth.NewRedisKeySetStore(rdb, cfg.Redis.KeySetTTL, cfg.Redis.KeyPrefix),
		))
		logger.InfoContext(ctx, "rolesyncd: sharing key sets through redis", "key_prefix", cfg.Redis.KeyPrefix)
	}
	verifier, err := auth.NewVerifier(cfg.verifierConfig(), auth.NewKeySetCache(cacheOpts...))
	if err != nil {
		c.close()
		return nil, err
	}
	c.verifier = verifier

	client := provider.NewClient(cfg.Provider, provider.WithLogger(logger))
	if !client.Configured() {
		logger.WarnContext(ctx, "rolesyncd: provider secret key is not set; role writes will fail until it is configured")
	}

	resolverOpts := []resolver.Option{resolver.WithLogger(logger)}
	if cfg.Mirror.Enabled {
		store, err := mirror.Open(ctx, cfg.Mirror)
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			c.close()
			return nil, err
		}
		resolverOpts = append(resolverOpts, resolver.WithMirror(store, cfg.Mirror.WriteTimeout))
		logger.InfoContext(ctx, "rolesyncd: role mirror enabled")
	}
	c.resolver = resolver.New(verifier, client, resolverOpts...)
	return c, nil
}

func openRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL.Value())
	if err != nil {
		return nil, sserr.Config("rolesyncd: redis url is not valid")
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUpstream, "rolesyncd: redis is unreachable")
	}
	return rdb, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the role sync HTTP service (and gRPC health, when configured)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, opts.stderr)
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve runs until ctx is canceled, then shuts down within
// cfg.HTTP.ShutdownTimeout. Role resolution is HTTP only; the optional
// gRPC listener serves grpc.health.v1 for orchestrator probes.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	app := server.New(c.resolver,
		server.WithLogger(logger),
		server.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		server.WithVersion(serviceName, version),
	)

	var (
		grpcServer *grpc.Server
		grpcLis    net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeConfiguration, "rolesyncd: cannot listen on %s", cfg.GRPC.Addr)
		}
		grpcServer = newGRPCServer(c.verifier, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "rolesyncd: http listening", "addr", cfg.HTTP.Addr, "version", version)
		if err := app.Listen(cfg.HTTP.Addr); err != nil {
			return sserr.Wrap(err, sserr.CodeInternal, "rolesyncd: http server failed")
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			logger.InfoContext(gctx, "rolesyncd: grpc listening", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return sserr.Wrap(err, sserr.CodeInternal, "rolesyncd: grpc server failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("rolesyncd: shutting down")
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("rolesyncd: stopped")
	return nil
}

// newGRPCServer returns the gRPC server. It serves only the health
// service, which is exempt from token verification; the auth
// interceptors are installed so any service registered on it later
// requires a session token.
func newGRPCServer(verifier auth.TokenVerifier, logger *slog.Logger) *grpc.Server {
	interceptorOpts := []auth.InterceptorOption{
		auth.WithExemptMethods("/" + healthpb.Health_ServiceDesc.ServiceName + "/"),
		auth.WithInterceptorLogger(logger),
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(verifier, interceptorOpts...)),
		grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(verifier, interceptorOpts...)),
	)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}
