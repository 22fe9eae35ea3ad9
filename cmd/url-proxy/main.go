package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"url-proxy-go/internal/client"
	"url-proxy-go/internal/config"
	"url-proxy-go/internal/contenttype"
	"url-proxy-go/internal/handler"
	"url-proxy-go/internal/metrics"
	"url-proxy-go/internal/middleware"
	"url-proxy-go/internal/service"
	"url-proxy-go/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("url-proxy"),
		kong.Description("Fetch-by-URL image gateway: GET /?q=<url>."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newAllowList,
			newHandlerBuilder,
			newPool,
		),
		fx.Invoke(warnConfigPermissions, startPool),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newAllowList(cfg *config.Config) *contenttype.AllowList {
	return contenttype.NewAllowList(cfg.Content.AllowedTypes)
}

// newHandlerBuilder returns the per-worker graph: every worker gets its own
// upstream client, state machine and echo instance. Config, metrics, the
// allow-list and the rate limiter store are shared read-only.
func newHandlerBuilder(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, allow *contenttype.AllowList, v handler.Version) worker.HandlerBuilder {
	var limiter echo.MiddlewareFunc
	if cfg.Server.RateLimit.Enabled {
		limiter = middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return func(id int) (http.Handler, error) {
		wl := logger.With("worker", id)

		pc, err := client.NewProxyClient(cfg, wl, m)
		if err != nil {
			return nil, err
		}
		svc := service.NewProxyService(pc, cfg, allow.Allowed, wl, m)

		e := newEcho(cfg, wl, m, limiter)
		handler.RegisterRoutes(e, cfg, m,
			handler.NewProxyHandler(svc, wl),
			handler.NewHealthHandler(cfg, v, allow.Len()),
		)
		return e, nil
	}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, limiter echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	if limiter != nil {
		e.Use(limiter)
	}

	return e
}

func newPool(cfg *config.Config, build worker.HandlerBuilder, logger *slog.Logger, m *metrics.Metrics, sd fx.Shutdowner) *worker.Pool {
	return worker.NewPool(cfg, build, logger, m, worker.WithShutdowner(sd))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startPool(lc fx.Lifecycle, p *worker.Pool, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down workers")
			return p.Stop(ctx)
		},
	})
}
