package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/likegate/likegate/internal/cache"
	"github.com/likegate/likegate/internal/config"
	"github.com/likegate/likegate/internal/encryption"
	"github.com/likegate/likegate/internal/oauth"
	"github.com/likegate/likegate/internal/observe"
	"github.com/likegate/likegate/internal/pagination"
	"github.com/likegate/likegate/internal/ratelimit"
	"github.com/likegate/likegate/internal/scheduler"
	"github.com/likegate/likegate/internal/server"
	"github.com/likegate/likegate/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, hooks *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	routeMiddleware := alice.New(requestLimiter, requestLogger)

	cipher, err := encryption.NewCipher(cfg.Security.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("credential cipher configuration failed: %w", err)
	}

	// the single choke point for upstream traffic
	sched := scheduler.New(
		http.DefaultClient,
		time.Duration(cfg.Schedule.MinDelayMillis)*time.Millisecond,
		cfg.Schedule.QueueSize,
	)
	hooks.AddClose("scheduler", sched)

	tracker := ratelimit.NewTracker()
	daily := ratelimit.NewDailyCounter()

	signer := oauth.NewSigner(cfg.Upstream.ConsumerKey, cfg.Upstream.ConsumerSecret)
	api := upstream.New(cfg.Upstream.APIURL, cfg.Upstream.APIKey, sched, signer, tracker, daily)

	flow, err := oauth.NewFlow(api, oauth.Endpoints{
		RequestTokenURL: cfg.Upstream.AuthURL + "/oauth/request_token",
		AuthorizeURL:    cfg.Upstream.AuthURL + "/oauth/authorize",
		AccessTokenURL:  cfg.Upstream.AuthURL + "/oauth/access_token",
		IdentityURL:     cfg.Upstream.APIURL + "/user/info",
	}, cfg.Upstream.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("authorization flow configuration failed: %w", err)
	}

	responses := cache.NewResponse(time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second)
	hooks.Add("response cache sweeper", func() error {
		responses.StopSweeper()
		return nil
	})
	responseTTL := time.Duration(cfg.Cache.ResponseTTLSeconds) * time.Second

	sessions, err := pagination.NewSessions(api, responses, responseTTL)
	if err != nil {
		return nil, fmt.Errorf("paging session store configuration failed: %w", err)
	}

	mux.Handle("GET /blog/{id}/info", routeMiddleware.Then(handleBlogInfo(api, responses, responseTTL, tracker)))
	mux.Handle("GET /blog/{id}/posts", routeMiddleware.Then(handleBlogPosts(api, responses, responseTTL, tracker)))
	mux.Handle("GET /blog/{id}/notes", routeMiddleware.Then(handleBlogNotes(api, responses, responseTTL, tracker)))
	mux.Handle("GET /blog/{id}/likes", routeMiddleware.Then(handleBlogLikes(sessions, tracker)))

	mux.Handle("POST /auth/connect", routeMiddleware.Then(handleAuthConnect(flow)))
	mux.Handle("POST /auth/callback", routeMiddleware.Then(handleAuthCallback(flow, cipher)))
	mux.Handle("POST /auth/disconnect", routeMiddleware.Then(handleAuthDisconnect(cipher)))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", routeMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, hooks)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = serveHTTP(cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// serveHTTP runs the server until it fails or a termination signal arrives,
// then shuts down gracefully within the configured timeout. Shutdown hooks
// run after in-flight requests have drained.
func serveHTTP(cfg config.ServerConfig, srv *http.Server, hooks *server.ShutdownHooks) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	hooks.Execute(shutdownCtx)

	if err != nil {
		return fmt.Errorf("graceful shutdown incomplete: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
