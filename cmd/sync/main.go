package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ericvolp12/clanlog/pkg/ingest"
	"github.com/ericvolp12/clanlog/pkg/source"
	"github.com/ericvolp12/clanlog/pkg/store"
)

func main() {
	app := cli.App{
		Name:    "clanlog-sync",
		Usage:   "run a single clan chat sync pass",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"CLANLOG_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "discord-token",
			Usage:   "bot token used for the REST API",
			EnvVars: []string{"CLANLOG_DISCORD_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "channel-id",
			Usage:   "id of the clan chat channel the relay posts into",
			EnvVars: []string{"CLANLOG_CHANNEL_ID", "CLAN_CHAT_CHANNEL_ID"},
		},
		&cli.StringFlag{
			Name:    "api-host",
			Usage:   "Discord REST API host (with protocol)",
			Value:   "https://discord.com",
			EnvVars: []string{"CLANLOG_API_HOST"},
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
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "./data/clanlog.db",
			EnvVars: []string{"CLANLOG_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:  "reorder-only",
			Usage: "only reorder the category tables, without fetching anything",
		},
	}

	app.Action = Sync

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Sync(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: true,
	})))

	logger := slog.Default()

	if err := ingest.CheckPageSize(cctx.Int("page-size")); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	st, err := store.Open(logger, cctx.String("sqlite-path"), true)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		return err
	}
	defer st.Close()

	if cctx.Bool("reorder-only") {
		failed := st.ReorderAll(ctx)
		logger.Info("reorder complete", "failed_tables", failed)
		return nil
	}

	if cctx.String("discord-token") == "" || cctx.String("channel-id") == "" {
		return cli.Exit("--discord-token and --channel-id are required unless --reorder-only is set", 1)
	}

	src := source.NewDiscord(
		logger,
		cctx.String("api-host"),
		cctx.String("discord-token"),
		cctx.String("channel-id"),
		cctx.Float64("rate-limit"),
	)

	engine := ingest.NewEngine(logger, src, st, cctx.String("channel-id"))
	engine.PageSize = cctx.Int("page-size")

	res, err := engine.Sync(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Warn("sync interrupted, cursor left at last committed value")
		}
		return err
	}

	logger.Info("done", "mode", res.Mode, "fetched", res.Fetched, "saved", res.Saved, "cursor", res.Cursor)

	return nil
}
