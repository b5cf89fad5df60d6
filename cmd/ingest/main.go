package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/ericvolp12/clanlog/pkg/api"
	"github.com/ericvolp12/clanlog/pkg/bq"
	"github.com/ericvolp12/clanlog/pkg/ingest"
	"github.com/ericvolp12/clanlog/pkg/notify"
	"github.com/ericvolp12/clanlog/pkg/source"
	"github.com/ericvolp12/clanlog/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "clanlog",
		Usage:   "clan chat relay ingester",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "discord-token",
			Usage:    "bot token used for the REST API and the gateway",
			EnvVars:  []string{"CLANLOG_DISCORD_TOKEN"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "channel-id",
			Usage:    "id of the clan chat channel the relay posts into",
			EnvVars:  []string{"CLANLOG_CHANNEL_ID", "CLAN_CHAT_CHANNEL_ID"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "api-host",
			Usage:   "Discord REST API host (with protocol)",
			Value:   "https://discord.com",
			EnvVars: []string{"CLANLOG_API_HOST"},
		},
		&cli.StringFlag{
			Name:    "gateway-url",
			Usage:   "Discord gateway websocket URL",
			Value:   "wss://gateway.discord.gg/?v=10&encoding=json",
			EnvVars: []string{"CLANLOG_GATEWAY_URL"},
		},
		&cli.BoolFlag{
			Name:    "push",
			Usage:   "ingest new messages as they are posted via the gateway",
			Value:   true,
			EnvVars: []string{"CLANLOG_PUSH"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "number of messages requested per history page",
			Value:   ingest.DefaultPageSize,
			EnvVars: []string{"CLANLOG_PAGE_SIZE"},
		},
		&cli.Float64Flag{
			Name:    "rate-limit",
			Usage:   "rate limit for history requests in requests per second",
			Value:   1,
			EnvVars: []string{"CLANLOG_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "sync-schedule",
			Usage:   "cron schedule for incremental sync passes",
			Value:   "@every 5m",
			EnvVars: []string{"CLANLOG_SYNC_SCHEDULE"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"CLANLOG_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"CLANLOG_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/clanlog.db",
			EnvVars: []string{"CLANLOG_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"CLANLOG_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"CLANLOG_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"CLANLOG_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			EnvVars: []string{"CLANLOG_BIGQUERY_TABLE_PREFIX"},
			Value:   "messages",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL, stored messages are published to JetStream when set",
			EnvVars: []string{"CLANLOG_NATS_URL"},
		},
	}

	app.Action = Clanlog

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Clanlog runs the ingest daemon
func Clanlog(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	if err := ingest.CheckPageSize(cctx.Int("page-size")); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// Trap SIGINT and SIGTERM before any long running work starts.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "clanlog", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	st, err := store.Open(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}
	defer st.Close()

	src := source.NewDiscord(
		logger,
		cctx.String("api-host"),
		cctx.String("discord-token"),
		cctx.String("channel-id"),
		cctx.Float64("rate-limit"),
	)

	engine := ingest.NewEngine(logger, src, st, cctx.String("channel-id"))
	engine.PageSize = cctx.Int("page-size")

	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			return err
		}
		defer func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		}()
		engine.Sinks = append(engine.Sinks, bqInstance)
	}

	if cctx.String("nats-url") != "" {
		logger.Info("nats url set, publishing stored messages to jetstream")
		pub, err := notify.NewPublisher(logger, cctx.String("nats-url"))
		if err != nil {
			logger.Error("failed to create nats publisher", "error", err)
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure nats stream", "error", err)
			return err
		}
		engine.Sinks = append(engine.Sinks, pub)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.With("source", "cron")})))
	if _, err := c.AddFunc(cctx.String("sync-schedule"), func() {
		if _, err := engine.Sync(ctx); err != nil {
			logger.Error("scheduled sync failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid sync schedule", "error", err)
		return err
	}
	c.Start()

	// Initial pass in the background, the cron picks up from there
	initialSyncFinished := runInitialSync(ctx, logger, engine.Sync)

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "clanlog",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "clanlog")
	})
	api.NewAPI(st).Register(e)
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the gateway in a goroutine, reconnecting until shutdown
	gatewayShutdownFinished := make(chan struct{})
	go func() {
		defer close(gatewayShutdownFinished)
		if !cctx.Bool("push") {
			return
		}
		logger := logger.With("source", "gateway")
		gw := source.NewGateway(logger, cctx.String("gateway-url"), cctx.String("discord-token"))
		runGateway(ctx, logger, gw, engine.HandleMessage)
		logger.Info("gateway shut down")
	}()

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownHTTPServer)

	<-initialSyncFinished
	<-c.Stop().Done()
	<-httpServerShutdown
	<-gatewayShutdownFinished
	logger.Info("shutdown complete")

	return nil
}

// runInitialSync runs one pass in its own goroutine. The returned channel is
// closed once the pass returns, which is early when ctx is cancelled.
func runInitialSync(ctx context.Context, logger *slog.Logger, sync func(context.Context) (ingest.Result, error)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("initial sync interrupted by shutdown")
				return
			}
			logger.Error("initial sync failed, will retry on schedule", "error", err)
			return
		}
		logger.Info("initial sync complete", "mode", res.Mode, "saved", res.Saved)
	}()
	return done
}

// runGateway keeps the gateway connected until ctx is done. Requested
// reconnects are immediate, failures back off exponentially up to a minute.
func runGateway(ctx context.Context, logger *slog.Logger, gw *source.Gateway, handle func(context.Context, source.RawMessage)) {
	backoff := time.Second
	for {
		err := gw.Run(ctx, handle)
		if ctx.Err() != nil {
			return
		}

		wait := time.Duration(0)
		if errors.Is(err, source.ErrReconnect) {
			backoff = time.Second
		} else {
			logger.Error("gateway connection failed", "error", err, "retry_in", backoff.String())
			wait = backoff
			backoff = min(backoff*2, time.Minute)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
