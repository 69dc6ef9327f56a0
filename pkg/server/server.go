// Package server exposes the role resolution service over HTTP.
//
// Routes:
//
//	POST /api/sync-role     body {"role": "student"|"investor"}, bearer token
//	GET  /api/role-status   bearer token
//	GET  /health/live
//	GET  /health/ready
//
// Successful calls answer {"success": true, ...}. Failures answer
// {"success": false, "error": {"code", "message"}} where code is an
// sserr code. Upstream response bodies and verifier reasons never appear
// in responses. CORS is open to any origin so browser single-page apps can
// call the API directly.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/resolver"
)

// Route paths.
const (
	PathSyncRole   = "/api/sync-role"
	PathRoleStatus = "/api/role-status"
	PathLive       = "/health/live"
	PathReady      = "/health/ready"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReadyTimeout   = 2 * time.Second
	maxBodySize           = 16 * 1024
)

// Resolver is the service behind the routes. [*resolver.Service]
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Result, error)
	Status(ctx context.Context, token string) (resolver.Status, error)
	Ready(ctx context.Context) error
}

var _ Resolver = (*resolver.Service)(nil)

type options struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	serviceName    string
	version        string
}

// Option configures [New].
type Option func(*options)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRequestTimeout bounds each request's context. Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithVersion sets the name and version reported by the liveness probe.
func WithVersion(service, version string) Option {
	return func(o *options) {
		o.serviceName = service
		o.version = version
	}
}

// New builds the fiber app serving svc.
func New(svc Resolver, opts ...Option) *fiber.App {
	o := options{
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		serviceName:    "rolesyncd",
		version:        "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}

	app := fiber.New(fiber.Config{
		AppName:               o.serviceName,
		BodyLimit:             maxBodySize,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(o.logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Authorization,Content-Type",
	}))
	if o.requestTimeout > 0 {
		app.Use(requestTimeout(o.requestTimeout))
	}
	app.Use(requestLogger(o.logger))

	h := &handlers{svc: svc, logger: o.logger, service: o.serviceName, version: o.version}
	app.Get(PathLive, h.live)
	app.Get(PathReady, h.ready)

	api := app.Group("/api")
	api.Post("/sync-role", h.syncRole)
	api.Get("/role-status", h.roleStatus)

	return app
}
